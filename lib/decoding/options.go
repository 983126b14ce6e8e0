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
	"fmt"

	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// Options configures one decode attempt over a single audio window. It is
// immutable after construction; membership sets are precomputed once so
// the per-step filters only do lookups.
type Options struct {
	// Task selects transcription or translation.
	Task tokenizer.Task
	// Language is an ISO 639-1 tag; empty means auto-detect.
	Language string

	// Temperature controls sampling. 0 selects the argmax deterministically.
	Temperature float64
	// SampleLen caps the tokens decoded for one window; 0 uses the model
	// default (half the decoder context).
	SampleLen int

	// BestOf is the number of independent candidates collected when
	// sampling at Temperature > 0.
	BestOf int
	// BeamSize enables beam search when > 0. Only valid at Temperature 0.
	BeamSize int
	// Patience scales the finished-hypothesis pool of beam search
	// (pool = BeamSize * Patience). Defaults to 1.
	Patience float64
	// LengthPenalty is the Google-NMT alpha; < 0 means plain length
	// normalization.
	LengthPenalty float64

	// Prompt is the carried-over token context from the previous window.
	Prompt []int
	// SuppressTokens are token ids masked at every step. The single value
	// -1 selects the default non-speech set.
	SuppressTokens []int
	// SuppressBlank masks whitespace and EOT at the first sampled step.
	SuppressBlank bool
	// WithoutTimestamps disables the timestamp grammar entirely.
	WithoutTimestamps bool
	// MaxInitialTimestamp bounds the first timestamp token, in seconds.
	MaxInitialTimestamp float64

	// Seed makes sampling reproducible. Used only at Temperature > 0.
	Seed int64
}

// DefaultOptions returns the options used when the caller specifies
// nothing: greedy transcription with timestamps and default suppression.
func DefaultOptions() Options {
	return Options{
		Task:                tokenizer.TaskTranscribe,
		Temperature:         0,
		SuppressTokens:      []int{-1},
		SuppressBlank:       true,
		MaxInitialTimestamp: 1.0,
		Patience:            1.0,
		LengthPenalty:       -1,
	}
}

// Validate rejects contradictory settings before any model call is made.
func (o *Options) Validate() error {
	if o.BeamSize > 0 && o.BestOf > 0 {
		return fmt.Errorf("decoding: beam size and best-of are mutually exclusive")
	}
	if o.BeamSize > 0 && o.Temperature > 0 {
		return fmt.Errorf("decoding: beam search requires temperature 0")
	}
	if o.Temperature < 0 {
		return fmt.Errorf("decoding: negative temperature %v", o.Temperature)
	}
	if o.Patience != 0 && o.Patience < 1 {
		return fmt.Errorf("decoding: patience %v must be >= 1", o.Patience)
	}
	return nil
}

// candidateCount returns the batch width of one attempt.
func (o *Options) candidateCount() int {
	if o.BeamSize > 0 {
		return o.BeamSize
	}
	if o.Temperature > 0 && o.BestOf > 0 {
		return o.BestOf
	}
	return 1
}

// resolveSuppressSet expands the configured suppression list into a fixed
// lookup set, replacing the -1 placeholder with the tokenizer-derived
// non-speech tokens and always suppressing the attempt-control specials.
func resolveSuppressSet(tok tokenizer.Tokenizer, configured []int) map[int]bool {
	s := tok.Specials()
	set := make(map[int]bool)
	for _, id := range configured {
		if id == -1 {
			for _, ns := range tokenizer.NonSpeechTokens(tok) {
				set[ns] = true
			}
			continue
		}
		set[id] = true
	}
	set[s.SOT] = true
	set[s.SOTPrev] = true
	set[s.NoSpeech] = true
	return set
}
