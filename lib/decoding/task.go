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

// Package decoding implements the autoregressive search over one audio
// window: the logit filter chain, greedy and beam token decoders, and the
// Task that drives them against a model backend.
package decoding

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// ErrInvalidTimestamp marks an attempt whose accepted sequence violates
// the timestamp grammar. The attempt is abandoned; callers move to the
// next temperature in the ladder.
var ErrInvalidTimestamp = errors.New("decoding: malformed timestamp structure")

// Result is the outcome of one decode attempt over one window.
type Result struct {
	// Tokens is the chosen sequence without the initial forced tokens and
	// without the trailing EOT.
	Tokens []int32
	// Text is the decoded text of Tokens.
	Text string
	// Language is the language tag used for this attempt.
	Language string
	// SumLogprob is the cumulative log-probability of Tokens.
	SumLogprob float64
	// AvgLogprob is SumLogprob averaged over len(Tokens)+1 (the EOT).
	AvgLogprob float64
	// NoSpeechProb is the model's probability that the window holds no
	// speech, read at the start-of-transcript position.
	NoSpeechProb float64
	// CompressionRatio is raw text bytes over zlib-compressed bytes; high
	// values flag degenerate repetition.
	CompressionRatio float64
	// Temperature is the sampling temperature of this attempt.
	Temperature float64
}

// Task runs decode attempts for one window. A Task is bound to one model,
// tokenizer and option set; each Run owns a fresh KV cache for the whole
// attempt and discards it on return.
type Task struct {
	model    backends.Model
	tok      tokenizer.Tokenizer
	opts     Options
	language string

	initialTokens []int
	sampleBegin   int
	sampleLen     int
	filters       []LogitFilter
}

// NewTask prepares an attempt: resolves the language and SOT sequence,
// bounds the prompt, and precomputes the filter chain. The language must
// already be resolved (auto-detection happens once per stream, before the
// first window).
func NewTask(model backends.Model, tok tokenizer.Tokenizer, opts Options, audio *backends.AudioConfig) (*Task, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	language := opts.Language
	if language == "" {
		language = "en"
	}

	sotSeq, err := tokenizer.SOTSequence(tok, opts.Task, language)
	if err != nil {
		return nil, err
	}
	s := tok.Specials()

	var initial []int
	if len(opts.Prompt) > 0 {
		maxPrompt := model.Config().MaxPromptLen()
		prompt := opts.Prompt
		if len(prompt) > maxPrompt {
			prompt = prompt[len(prompt)-maxPrompt:]
		}
		initial = append(initial, s.SOTPrev)
		initial = append(initial, prompt...)
	}
	initial = append(initial, sotSeq...)
	if opts.WithoutTimestamps {
		initial = append(initial, s.NoTimestamps)
	}

	sampleLen := opts.SampleLen
	if sampleLen <= 0 {
		sampleLen = model.Config().SampleLen()
	}

	t := &Task{
		model:         model,
		tok:           tok,
		opts:          opts,
		language:      language,
		initialTokens: initial,
		sampleBegin:   len(initial),
		sampleLen:     sampleLen,
	}

	if opts.SuppressBlank {
		t.filters = append(t.filters, NewSuppressBlank(tok, t.sampleBegin))
	}
	if suppress := resolveSuppressSet(tok, opts.SuppressTokens); len(suppress) > 0 {
		t.filters = append(t.filters, NewSuppressTokens(suppress))
	}
	if !opts.WithoutTimestamps {
		maxInitialIndex := -1
		if opts.MaxInitialTimestamp > 0 {
			maxInitialIndex = int(math.Round(opts.MaxInitialTimestamp / audio.TimePrecision()))
		}
		t.filters = append(t.filters, NewTimestampRules(s, t.sampleBegin, maxInitialIndex))
	}
	return t, nil
}

// Run performs one complete decode attempt over the encoded window.
func (t *Task) Run(ctx context.Context, enc *backends.EncoderOutput) (*Result, error) {
	if enc == nil || enc.Frames == 0 {
		return nil, fmt.Errorf("decoding: empty encoder output")
	}
	cfg := t.model.Config()
	n := t.opts.candidateCount()

	cache := backends.NewKVCache(cfg.NumLayers, n)
	cache.Reset()

	var dec TokenDecoder
	s := t.tok.Specials()
	if t.opts.BeamSize > 0 {
		dec = NewBeamSearchDecoder(t.opts.BeamSize, s.EOT, t.opts.Patience, t.opts.LengthPenalty, cache)
	} else {
		dec = NewGreedyDecoder(t.opts.Temperature, s.EOT, t.opts.Seed)
	}
	dec.Reset()

	tokens := make([][]int32, n)
	for k := range tokens {
		seq := make([]int32, len(t.initialTokens))
		for i, id := range t.initialTokens {
			seq[i] = int32(id)
		}
		tokens[k] = seq
	}
	sumLogprobs := make([]float64, n)
	noSpeechProb := math.NaN()

	for step := 0; step < t.sampleLen; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		stepTokens := make([][]int32, n)
		if step == 0 {
			for k := range tokens {
				stepTokens[k] = tokens[k]
			}
		} else {
			for k := range tokens {
				stepTokens[k] = tokens[k][len(tokens[k])-1:]
			}
		}

		out, err := t.model.Step(ctx, stepTokens, enc, cache)
		if err != nil {
			return nil, fmt.Errorf("decoder step %d: %w", step, err)
		}
		if len(out.Logits) != n {
			return nil, fmt.Errorf("decoding: backend returned %d logit rows, want %d", len(out.Logits), n)
		}
		if err := cache.Append(out.Cache); err != nil {
			return nil, err
		}
		if cache.SeqLen() != len(tokens[0]) {
			return nil, fmt.Errorf("decoding: cache length %d disagrees with candidate length %d",
				cache.SeqLen(), len(tokens[0]))
		}

		if step == 0 && len(out.SOTLogits) > 0 {
			noSpeechProb = Softmax(out.SOTLogits[0])[s.NoSpeech]
		}

		for _, f := range t.filters {
			f.Apply(out.Logits, tokens)
		}

		var completed bool
		tokens, completed, err = dec.Update(tokens, out.Logits, sumLogprobs)
		if err != nil {
			return nil, err
		}
		if completed || allFinished(tokens, int32(s.EOT)) {
			break
		}
	}

	finalTokens, finalSums, err := dec.Finalize(tokens, sumLogprobs)
	if err != nil {
		return nil, err
	}

	best := t.selectCandidate(finalTokens, finalSums)
	chosen := trimSequence(finalTokens[best][t.sampleBegin:], int32(s.EOT))

	if !t.opts.WithoutTimestamps {
		if err := ValidateTimestampGrammar(chosen, s); err != nil {
			return nil, err
		}
	}

	text := t.tok.Decode(int32sToInts(chosen))
	sum := finalSums[best]
	avg := sum / float64(len(chosen)+1)

	return &Result{
		Tokens:           chosen,
		Text:             text,
		Language:         t.language,
		SumLogprob:       sum,
		AvgLogprob:       avg,
		NoSpeechProb:     noSpeechProb,
		CompressionRatio: CompressionRatio(text),
		Temperature:      t.opts.Temperature,
	}, nil
}

// selectCandidate ranks greedy best-of candidates by length-penalized
// cumulative logprob. Beam search already finalized to a single sequence.
func (t *Task) selectCandidate(tokens [][]int32, sums []float64) int {
	if len(tokens) == 1 {
		return 0
	}
	best := 0
	bestScore := math.Inf(-1)
	for k := range tokens {
		sampled := trimSequence(tokens[k][t.sampleBegin:], int32(t.tok.Specials().EOT))
		n := len(sampled) + 1
		var penalty float64
		if t.opts.LengthPenalty < 0 {
			penalty = float64(n)
		} else {
			penalty = math.Pow((5+float64(n))/6, t.opts.LengthPenalty)
		}
		score := sums[k] / penalty
		if score > bestScore {
			bestScore = score
			best = k
		}
	}
	return best
}

func allFinished(tokens [][]int32, eot int32) bool {
	for k := range tokens {
		if tokens[k][len(tokens[k])-1] != eot {
			return false
		}
	}
	return true
}

// trimSequence truncates at the first EOT.
func trimSequence(tokens []int32, eot int32) []int32 {
	for i, t := range tokens {
		if t == eot {
			return tokens[:i]
		}
	}
	return tokens
}

// ValidateTimestampGrammar checks that timestamp tokens in a sampled
// sequence are non-decreasing and that no text run is left unopened.
func ValidateTimestampGrammar(tokens []int32, s tokenizer.SpecialTokens) error {
	last := -1
	for _, tok := range tokens {
		if !s.IsTimestamp(int(tok)) {
			continue
		}
		if last >= 0 && int(tok) < last {
			return fmt.Errorf("%w: timestamp %d decreases after %d", ErrInvalidTimestamp, int(tok), last)
		}
		last = int(tok)
	}
	if len(tokens) > 0 && !s.IsTimestamp(int(tokens[0])) {
		// Sequences decoded with timestamps enabled must open with one.
		return fmt.Errorf("%w: sequence opens with a text token", ErrInvalidTimestamp)
	}
	return nil
}

// DetectLanguage runs a single decoder step over the bare SOT token and
// reads the distribution across the language-tag block. It returns the
// most probable ISO code with the full per-language distribution.
func DetectLanguage(ctx context.Context, model backends.Model, tok tokenizer.Tokenizer, enc *backends.EncoderOutput) (string, map[string]float64, error) {
	if !tok.IsMultilingual() {
		return "en", map[string]float64{"en": 1}, nil
	}
	s := tok.Specials()
	cache := backends.NewKVCache(model.Config().NumLayers, 1)
	out, err := model.Step(ctx, [][]int32{{int32(s.SOT)}}, enc, cache)
	if err != nil {
		return "", nil, fmt.Errorf("detecting language: %w", err)
	}
	logits := out.Logits[0]
	for i := range logits {
		if i < s.LanguageBase || i >= s.LanguageBase+s.NumLanguages {
			logits[i] = negInf
		}
	}
	probs := Softmax(logits)
	dist := make(map[string]float64, s.NumLanguages)
	bestIdx, bestProb := 0, -1.0
	for i := 0; i < s.NumLanguages; i++ {
		code, err := tokenizer.LanguageCode(i)
		if err != nil {
			break
		}
		p := probs[s.LanguageBase+i]
		dist[code] = p
		if p > bestProb {
			bestProb = p
			bestIdx = i
		}
	}
	code, err := tokenizer.LanguageCode(bestIdx)
	if err != nil {
		return "", nil, err
	}
	return code, dist, nil
}

// CompressionRatio returns len(text) / len(zlib(text)); pathological
// repetition compresses far below its raw size and pushes the ratio up.
func CompressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write([]byte(text))
	_ = w.Close()
	return float64(len(text)) / float64(buf.Len())
}

func int32sToInts(tokens []int32) []int {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		out[i] = int(t)
	}
	return out
}
