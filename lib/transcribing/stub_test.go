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

package transcribing

import (
	"context"
	"fmt"
	"strings"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

const (
	testEOT       = 100
	testSOT       = 101
	testSOTPrev   = 203
	testNoSpeech  = 204
	testTSBegin   = 206
	testVocabSize = testTSBegin + 1501
)

type testTok struct{}

var testPieces = map[int]string{
	9:  " ",
	10: " one",
	11: " two",
	12: " three",
	13: " ha",
}

func (testTok) Encode(text string) ([]int, error) {
	for id, piece := range testPieces {
		if piece == text {
			return []int{id}, nil
		}
	}
	var out []int
	for _, w := range strings.Split(strings.TrimSpace(text), " ") {
		found := false
		for id, piece := range testPieces {
			if piece == " "+w {
				out = append(out, id)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("testTok: unknown text %q", text)
		}
	}
	return out, nil
}

func (testTok) Decode(tokens []int) string {
	var b strings.Builder
	for _, tok := range tokens {
		if tok < testEOT {
			b.WriteString(testPieces[tok])
		}
	}
	return b.String()
}

func (testTok) Specials() tokenizer.SpecialTokens {
	return tokenizer.SpecialTokens{
		EOT:            testEOT,
		SOT:            testSOT,
		LanguageBase:   102,
		NumLanguages:   tokenizer.NumLanguages,
		Translate:      201,
		Transcribe:     202,
		SOTPrev:        testSOTPrev,
		NoSpeech:       testNoSpeech,
		NoTimestamps:   205,
		TimestampBegin: testTSBegin,
		VocabSize:      testVocabSize,
	}
}

func (testTok) IsMultilingual() bool { return false }

func (testTok) LanguageToken(lang string) (int, error) { return 102, nil }

// scriptedModel plays back one favored-token script per decode attempt.
// Unfavored text tokens sit at logit 0 and timestamps at -15; the margin
// is the favored token's absolute logit, so a low margin yields weak
// average logprobs.
type scriptedModel struct {
	cfg      *backends.DecoderConfig
	scripts  [][]int32
	margin   float32
	noSpeech float32

	attempt int
	step    int
	// firstStepTokens records the initial token batch of every attempt,
	// so tests can inspect the carried prompt.
	firstStepTokens [][]int32
}

func newScriptedModel(scripts [][]int32, margin, noSpeech float32) *scriptedModel {
	return &scriptedModel{
		cfg: &backends.DecoderConfig{
			VocabSize: testVocabSize,
			MaxLength: 448,
			NumLayers: 2,
			NumHeads:  2,
			HeadDim:   4,
		},
		scripts:  scripts,
		margin:   margin,
		noSpeech: noSpeech,
		attempt:  -1,
	}
}

func (m *scriptedModel) Encode(_ context.Context, window *backends.AudioWindow) (*backends.EncoderOutput, error) {
	frames := window.Frames / backends.InputStride
	return &backends.EncoderOutput{
		HiddenStates: make([]float32, frames*4),
		Frames:       frames,
		Hidden:       4,
	}, nil
}

func (m *scriptedModel) Step(_ context.Context, tokens [][]int32, _ *backends.EncoderOutput, cache *backends.KVCache) (*backends.StepResult, error) {
	first := cache.SeqLen() == 0
	if first {
		m.attempt++
		m.step = 0
		m.firstStepTokens = append(m.firstStepTokens, append([]int32(nil), tokens[0]...))
	}
	script := m.scripts[min(m.attempt, len(m.scripts)-1)]
	fav := script[min(m.step, len(script)-1)]
	m.step++

	out := &backends.StepResult{
		Logits: make([][]float32, len(tokens)),
		Cache:  make([]backends.LayerKV, m.cfg.NumLayers),
	}
	for k := range tokens {
		logits := make([]float32, testVocabSize)
		for i := testTSBegin; i < testVocabSize; i++ {
			logits[i] = -15
		}
		logits[fav] = m.margin
		out.Logits[k] = logits
	}
	for li := range out.Cache {
		keys := make([][][]float32, len(tokens))
		values := make([][][]float32, len(tokens))
		for k := range tokens {
			keys[k] = make([][]float32, len(tokens[k]))
			values[k] = make([][]float32, len(tokens[k]))
			for p := range keys[k] {
				keys[k][p] = make([]float32, m.cfg.HeadDim)
				values[k][p] = make([]float32, m.cfg.HeadDim)
			}
		}
		out.Cache[li] = backends.LayerKV{Keys: keys, Values: values}
	}
	if first {
		sot := make([]float32, testVocabSize)
		sot[testNoSpeech] = m.noSpeech
		out.SOTLogits = [][]float32{sot}
	}
	return out, nil
}

func (m *scriptedModel) ForwardWithAttention(context.Context, []int32, *backends.EncoderOutput) (*backends.AlignmentOutput, error) {
	return nil, fmt.Errorf("scriptedModel: no attention capture")
}

func (m *scriptedModel) Config() *backends.DecoderConfig { return m.cfg }

func (m *scriptedModel) Close() error { return nil }

// memExtractor serves silent (all-zero) feature windows for a stream of
// the given sample length.
type memExtractor struct {
	total int
	audio *backends.AudioConfig
}

func (e *memExtractor) TotalSamples() int { return e.total }

func (e *memExtractor) Extract(_ context.Context, offset, samples int) (*backends.AudioWindow, error) {
	frames := samples / e.audio.HopLength
	content := (e.total - offset) / e.audio.HopLength
	if content > frames {
		content = frames
	}
	return &backends.AudioWindow{
		Features:      make([]float32, frames*e.audio.NMels),
		Frames:        frames,
		Mels:          e.audio.NMels,
		Offset:        offset,
		ContentFrames: content,
	}, nil
}
