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

package decoding

import (
	"context"
	"fmt"
	"strings"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// Test vocabulary layout: text ids below 100, specials 100-205, then
// 1501 timestamp tokens.
const (
	testEOT       = 100
	testSOT       = 101
	testLangBase  = 102
	testTranscr   = 202
	testSOTPrev   = 203
	testNoSpeech  = 204
	testNoTS      = 205
	testTSBegin   = 206
	testVocabSize = testTSBegin + 1501
)

// testTok is a fixed micro-vocabulary tokenizer.
type testTok struct {
	multilingual bool
}

var testPieces = map[int]string{
	9:  " ",
	10: " one",
	11: " two",
	12: " three",
	13: " ha",
	14: "(",
	15: " -",
}

func (tt *testTok) Encode(text string) ([]int, error) {
	for id, piece := range testPieces {
		if piece == text {
			return []int{id}, nil
		}
	}
	return nil, fmt.Errorf("testTok: unknown text %q", text)
}

func (tt *testTok) Decode(tokens []int) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(testPieces[tok])
	}
	return b.String()
}

func (tt *testTok) Specials() tokenizer.SpecialTokens {
	return tokenizer.SpecialTokens{
		EOT:            testEOT,
		SOT:            testSOT,
		LanguageBase:   testLangBase,
		NumLanguages:   tokenizer.NumLanguages,
		Translate:      201,
		Transcribe:     testTranscr,
		SOTPrev:        testSOTPrev,
		NoSpeech:       testNoSpeech,
		NoTimestamps:   testNoTS,
		TimestampBegin: testTSBegin,
		VocabSize:      testVocabSize,
	}
}

func (tt *testTok) IsMultilingual() bool { return tt.multilingual }

func (tt *testTok) LanguageToken(lang string) (int, error) {
	idx, err := tokenizer.LanguageIndex(lang)
	if err != nil {
		return 0, err
	}
	return testLangBase + idx, nil
}

// scriptedModel favors one scripted token per step with a configurable
// absolute logit. Unfavored text tokens sit at 0 and timestamp tokens at
// -15, so the grammar filter's probability-mass rule stays out of the way
// unless a test drives it explicitly. A high margin makes the scripted
// token confident, a low one keeps its logprob weak.
type scriptedModel struct {
	cfg *backends.DecoderConfig
	// scripts holds the favored token per step, one script per attempt;
	// the last script repeats for further attempts.
	scripts  [][]int32
	margin   float32
	noSpeech float32

	attempt int
	step    int
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

func (m *scriptedModel) favoredLogits(fav int32) []float32 {
	logits := make([]float32, testVocabSize)
	for i := testTSBegin; i < testVocabSize; i++ {
		logits[i] = -15
	}
	logits[fav] = m.margin
	return logits
}

func (m *scriptedModel) stepCache(tokens [][]int32) []backends.LayerKV {
	step := make([]backends.LayerKV, m.cfg.NumLayers)
	for li := range step {
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
		step[li] = backends.LayerKV{Keys: keys, Values: values}
	}
	return step
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
	}
	script := m.scripts[min(m.attempt, len(m.scripts)-1)]
	fav := script[min(m.step, len(script)-1)]
	m.step++

	out := &backends.StepResult{
		Logits: make([][]float32, len(tokens)),
		Cache:  m.stepCache(tokens),
	}
	for k := range tokens {
		out.Logits[k] = m.favoredLogits(fav)
	}
	if first {
		sot := make([]float32, testVocabSize)
		sot[testNoSpeech] = m.noSpeech
		out.SOTLogits = [][]float32{sot}
	}
	return out, nil
}

func (m *scriptedModel) ForwardWithAttention(_ context.Context, tokens []int32, enc *backends.EncoderOutput) (*backends.AlignmentOutput, error) {
	return nil, fmt.Errorf("scriptedModel: alignment not scripted")
}

func (m *scriptedModel) Config() *backends.DecoderConfig { return m.cfg }

func (m *scriptedModel) Close() error { return nil }
