// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenizer maps a tiny fixed vocabulary, enough to exercise the
// sequence builders without a real BPE model.
type fakeTokenizer struct {
	vocab        map[string]int
	pieces       map[int]string
	multilingual bool
}

func newFakeTokenizer(multilingual bool) *fakeTokenizer {
	f := &fakeTokenizer{
		vocab:        make(map[string]int),
		pieces:       make(map[int]string),
		multilingual: multilingual,
	}
	for i, piece := range []string{" hello", " wor", "ld", ",", " -", "(", " ("} {
		f.vocab[piece] = i
		f.pieces[i] = piece
	}
	return f
}

func (f *fakeTokenizer) Encode(text string) ([]int, error) {
	if id, ok := f.vocab[text]; ok {
		return []int{id}, nil
	}
	var out []int
	for _, w := range strings.Split(strings.TrimSpace(text), " ") {
		id, ok := f.vocab[" "+w]
		if !ok {
			return nil, assert.AnError
		}
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(f.pieces[tok])
	}
	return b.String()
}

func (f *fakeTokenizer) Specials() SpecialTokens {
	return SpecialTokens{
		EOT:            100,
		SOT:            101,
		LanguageBase:   102,
		NumLanguages:   99,
		Translate:      201,
		Transcribe:     202,
		SOTPrev:        203,
		NoSpeech:       204,
		NoTimestamps:   205,
		TimestampBegin: 206,
		VocabSize:      206 + 1501,
	}
}

func (f *fakeTokenizer) IsMultilingual() bool { return f.multilingual }

func (f *fakeTokenizer) LanguageToken(lang string) (int, error) {
	idx, err := LanguageIndex(lang)
	if err != nil {
		return 0, err
	}
	return f.Specials().LanguageBase + idx, nil
}

func TestSpecialTokenClassification(t *testing.T) {
	s := newFakeTokenizer(false).Specials()

	assert.True(t, s.IsText(0))
	assert.True(t, s.IsText(99))
	assert.False(t, s.IsText(s.EOT))
	assert.False(t, s.IsText(s.TimestampBegin))

	assert.False(t, s.IsTimestamp(s.NoTimestamps))
	assert.True(t, s.IsTimestamp(s.TimestampBegin))
	assert.True(t, s.IsTimestamp(s.VocabSize-1))
	assert.False(t, s.IsTimestamp(s.VocabSize))

	assert.InDelta(t, 0.0, s.TimestampValue(s.TimestampBegin, 0.02), 1e-9)
	assert.InDelta(t, 30.0, s.TimestampValue(s.TimestampBegin+1500, 0.02), 1e-9)
}

func TestSOTSequence(t *testing.T) {
	mono := newFakeTokenizer(false)
	seq, err := SOTSequence(mono, TaskTranscribe, "en")
	require.NoError(t, err)
	assert.Equal(t, []int{101}, seq)

	multi := newFakeTokenizer(true)
	seq, err = SOTSequence(multi, TaskTranscribe, "de")
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102 + 2, 202}, seq)

	seq, err = SOTSequence(multi, TaskTranslate, "ja")
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102 + 7, 201}, seq)

	_, err = SOTSequence(multi, TaskTranscribe, "xx")
	assert.Error(t, err)
}

func TestLanguageLookup(t *testing.T) {
	idx, err := LanguageIndex("EN")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	code, err := LanguageCode(2)
	require.NoError(t, err)
	assert.Equal(t, "de", code)

	_, err = LanguageIndex("klingon")
	assert.Error(t, err)
	_, err = LanguageCode(NumLanguages)
	assert.Error(t, err)
}

func TestNonSpeechTokens(t *testing.T) {
	tok := newFakeTokenizer(false)
	got := NonSpeechTokens(tok)

	// Only symbols that encode to a single token make the set: here
	// " -", "(" and " (" from the fake vocabulary, deduplicated.
	assert.ElementsMatch(t, []int{4, 5, 6}, got)
}

func TestSplitToWords(t *testing.T) {
	tok := newFakeTokenizer(false)
	s := tok.Specials()

	// " hello" " wor" "ld" "," with specials interleaved.
	words := SplitToWords(tok, []int{s.SOT, 0, 1, 2, 3, s.TimestampBegin + 10})
	require.Len(t, words, 3)
	assert.Equal(t, " hello", words[0].Word)
	assert.Equal(t, " world", words[1].Word)
	assert.Equal(t, []int{1, 2}, words[1].Tokens)
	assert.Equal(t, ",", words[2].Word)
}

func TestGPT2TokenizerLayout(t *testing.T) {
	tok, err := NewGPT2Tokenizer()
	require.NoError(t, err)

	s := tok.Specials()
	assert.Equal(t, 50256, s.EOT)
	assert.Equal(t, 50257, s.SOT)
	assert.Equal(t, 50363, s.TimestampBegin)
	assert.Equal(t, 51864, s.VocabSize)
	assert.False(t, tok.IsMultilingual())

	ids, err := tok.Encode(" hello world")
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	assert.Equal(t, " hello world", tok.Decode(ids))

	// Specials are dropped on decode.
	assert.Equal(t, " hello world", tok.Decode(append([]int{s.SOT}, append(ids, s.EOT)...)))
}
