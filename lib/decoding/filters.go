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
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// LogitFilter transforms a raw logit batch into a legal choice set by
// masking illegal tokens to -Inf. Filters are stateless across calls; all
// progress context comes from the token sequences themselves.
type LogitFilter interface {
	// Apply mutates logits in place. tokens holds the full sequence per
	// candidate, including the initial (forced) tokens.
	Apply(logits [][]float32, tokens [][]int32)
}

// SuppressBlank masks whitespace-only output and EOT at the first sampled
// position so no window opens with empty text.
type SuppressBlank struct {
	blankTokens []int
	eot         int
	sampleBegin int
}

// NewSuppressBlank derives the blank token ids from the tokenizer.
func NewSuppressBlank(tok tokenizer.Tokenizer, sampleBegin int) *SuppressBlank {
	blanks, _ := tok.Encode(" ")
	return &SuppressBlank{
		blankTokens: blanks,
		eot:         tok.Specials().EOT,
		sampleBegin: sampleBegin,
	}
}

func (f *SuppressBlank) Apply(logits [][]float32, tokens [][]int32) {
	for k := range logits {
		if len(tokens[k]) != f.sampleBegin {
			continue
		}
		for _, id := range f.blankTokens {
			logits[k][id] = negInf
		}
		logits[k][f.eot] = negInf
	}
}

// SuppressTokens masks a fixed token set at every step.
type SuppressTokens struct {
	ids map[int]bool
}

// NewSuppressTokens wraps a precomputed suppression set.
func NewSuppressTokens(ids map[int]bool) *SuppressTokens {
	return &SuppressTokens{ids: ids}
}

func (f *SuppressTokens) Apply(logits [][]float32, tokens [][]int32) {
	for k := range logits {
		for id := range f.ids {
			if id >= 0 && id < len(logits[k]) {
				logits[k][id] = negInf
			}
		}
	}
}

// TimestampRules enforces the timestamp grammar: a legal sequence is a
// series of (timestamp, text-run, timestamp) spans with non-decreasing
// timestamp values, where two adjacent timestamps are only legal as a
// zero-length pair boundary. It also applies the initial-timestamp cap and
// forces a timestamp whenever the aggregate probability mass on timestamp
// tokens exceeds the best text token.
type TimestampRules struct {
	specials         tokenizer.SpecialTokens
	sampleBegin      int
	maxInitialTSTokn int // highest legal first timestamp id, -1 when uncapped
}

// NewTimestampRules builds the grammar filter for one attempt.
// maxInitialIndex < 0 disables the initial cap.
func NewTimestampRules(specials tokenizer.SpecialTokens, sampleBegin, maxInitialIndex int) *TimestampRules {
	maxTok := -1
	if maxInitialIndex >= 0 {
		maxTok = specials.TimestampBegin + maxInitialIndex
	}
	return &TimestampRules{
		specials:         specials,
		sampleBegin:      sampleBegin,
		maxInitialTSTokn: maxTok,
	}
}

func (f *TimestampRules) Apply(logits [][]float32, tokens [][]int32) {
	s := f.specials
	for k := range logits {
		sampled := tokens[k][f.sampleBegin:]

		lastWasTimestamp := len(sampled) >= 1 && s.IsTimestamp(int(sampled[len(sampled)-1]))
		penultimateWasTimestamp := len(sampled) < 2 || s.IsTimestamp(int(sampled[len(sampled)-2]))

		if lastWasTimestamp {
			if penultimateWasTimestamp {
				// A completed pair: the next token must be text or EOT.
				maskRange(logits[k], s.TimestampBegin, len(logits[k]))
			} else {
				// An open span: only a closing timestamp can follow.
				maskRange(logits[k], 0, s.EOT)
			}
		}

		// Timestamps never decrease.
		lastTimestamp := -1
		for _, t := range sampled {
			if s.IsTimestamp(int(t)) {
				lastTimestamp = int(t)
			}
		}
		if lastTimestamp >= 0 {
			floor := lastTimestamp
			if !lastWasTimestamp || penultimateWasTimestamp {
				floor++
			}
			maskRange(logits[k], s.TimestampBegin, floor)
		}

		if len(sampled) == 0 {
			// The window must open with a timestamp, capped at the
			// configured initial offset.
			maskRange(logits[k], 0, s.TimestampBegin)
			if f.maxInitialTSTokn >= 0 {
				maskRange(logits[k], f.maxInitialTSTokn+1, len(logits[k]))
			}
		}

		// When the mass on timestamps outweighs any single text token,
		// the model wants a boundary: force one.
		logprobs := LogSoftmax(logits[k])
		tsLogprob := LogSumExp(logprobs[s.TimestampBegin:])
		maxTextLogprob := logprobs[0]
		for _, lp := range logprobs[:s.TimestampBegin] {
			if lp > maxTextLogprob {
				maxTextLogprob = lp
			}
		}
		if tsLogprob > maxTextLogprob {
			maskRange(logits[k], 0, s.TimestampBegin)
		}
	}
}

func maskRange(logits []float32, lo, hi int) {
	if lo < 0 {
		lo = 0
	}
	if hi > len(logits) {
		hi = len(logits)
	}
	for i := lo; i < hi; i++ {
		logits[i] = negInf
	}
}
