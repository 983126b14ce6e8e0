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

package timing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/decoding"
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// ErrAlignmentUnavailable marks a window where no alignment path exists
// (too few tokens or frames). Callers emit the segment without word
// timestamps; this is never fatal.
var ErrAlignmentUnavailable = errors.New("timing: alignment unavailable")

// WordTiming is one aligned word within a window.
type WordTiming struct {
	Word        string
	Tokens      []int
	Start       float64
	End         float64
	Probability float64
}

// Engine computes word-level timestamps by re-forwarding a committed
// token sequence with cross-attention capture and warping the smoothed
// attention matrix against the audio frames.
type Engine struct {
	model  backends.Model
	tok    tokenizer.Tokenizer
	audio  *backends.AudioConfig
	logger *zap.Logger

	// medfiltWidth is the median filter width applied along the time
	// axis of each head before averaging.
	medfiltWidth int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMedianFilterWidth overrides the smoothing width (default 7).
func WithMedianFilterWidth(w int) EngineOption {
	return func(e *Engine) { e.medfiltWidth = w }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an alignment engine for one model/tokenizer pair.
func NewEngine(model backends.Model, tok tokenizer.Tokenizer, audio *backends.AudioConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		model:        model,
		tok:          tok,
		audio:        audio,
		logger:       zap.NewNop(),
		medfiltWidth: 7,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Align computes word timings for the sampled tokens of one window.
// tokens excludes the initial forced tokens and the trailing EOT;
// contentFrames bounds the attention to real (unpadded) audio. Times are
// relative to the window start.
func (e *Engine) Align(ctx context.Context, enc *backends.EncoderOutput, sotSequence []int, tokens []int32, contentFrames int) ([]WordTiming, error) {
	textTokens := make([]int, 0, len(tokens))
	s := e.tok.Specials()
	for _, t := range tokens {
		if s.IsText(int(t)) {
			textTokens = append(textTokens, int(t))
		}
	}
	if len(textTokens) == 0 {
		return nil, fmt.Errorf("%w: no text tokens", ErrAlignmentUnavailable)
	}
	numFrames := contentFrames / backends.InputStride
	if numFrames < 2 {
		return nil, fmt.Errorf("%w: %d content frames", ErrAlignmentUnavailable, contentFrames)
	}

	// One full forward over [sot-sequence, text, eot] with attention capture.
	full := make([]int32, 0, len(sotSequence)+len(textTokens)+1)
	for _, t := range sotSequence {
		full = append(full, int32(t))
	}
	for _, t := range textTokens {
		full = append(full, int32(t))
	}
	full = append(full, int32(s.EOT))

	out, err := e.model.ForwardWithAttention(ctx, full, enc)
	if err != nil {
		return nil, fmt.Errorf("alignment forward: %w", err)
	}
	if len(out.CrossAttention) == 0 {
		return nil, fmt.Errorf("%w: backend captured no attention heads", ErrAlignmentUnavailable)
	}

	// Per-token probabilities from the same forward: logits at position
	// i-1 predict token i.
	tokenProbs := make([]float64, len(textTokens))
	for i := range textTokens {
		pos := len(sotSequence) + i - 1
		if pos < 0 || pos >= len(out.Logits) {
			return nil, fmt.Errorf("timing: logits missing position %d", pos)
		}
		probs := decoding.Softmax(out.Logits[pos])
		tokenProbs[i] = probs[textTokens[i]]
	}

	matrix := e.attentionMatrix(out.CrossAttention, len(sotSequence), len(textTokens), numFrames)
	cost := make([][]float64, len(matrix))
	for i := range matrix {
		cost[i] = make([]float64, len(matrix[i]))
		for j := range matrix[i] {
			cost[i][j] = -float64(matrix[i][j])
		}
	}

	textIdx, timeIdx, err := DTW(cost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlignmentUnavailable, err)
	}

	words := tokenizer.SplitToWords(e.tok, textTokens)
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: no words", ErrAlignmentUnavailable)
	}

	// Boundary frames: the first path position at which each token index
	// appears gives that token's start; the last gives its end.
	starts := make([]int, len(textTokens))
	ends := make([]int, len(textTokens))
	for i := range starts {
		starts[i] = -1
	}
	for p := range textIdx {
		t := textIdx[p]
		if t >= len(textTokens) {
			continue
		}
		if starts[t] < 0 {
			starts[t] = timeIdx[p]
		}
		ends[t] = timeIdx[p]
	}

	precision := e.audio.TimePrecision()
	timings := make([]WordTiming, 0, len(words))
	tokenPos := 0
	for _, w := range words {
		first := tokenPos
		last := tokenPos + len(w.Tokens) - 1
		if last >= len(textTokens) {
			break
		}
		start := float64(starts[first]) * precision
		end := float64(ends[last]+1) * precision
		prob := 0.0
		for i := first; i <= last; i++ {
			prob += tokenProbs[i]
		}
		prob /= float64(last - first + 1)
		timings = append(timings, WordTiming{
			Word:        w.Word,
			Tokens:      w.Tokens,
			Start:       start,
			End:         end,
			Probability: prob,
		})
		tokenPos = last + 1
	}
	return timings, nil
}

// attentionMatrix normalizes each head (zero mean, unit variance across
// frames), median-filters along time to reduce jitter, and averages heads
// into one [token][frame] matrix restricted to the text-token rows and
// the unpadded frames.
func (e *Engine) attentionMatrix(heads [][][]float32, sotLen, numText, numFrames int) [][]float32 {
	matrix := make([][]float32, numText)
	for i := range matrix {
		matrix[i] = make([]float32, numFrames)
	}
	used := 0
	for _, head := range heads {
		if len(head) < sotLen+numText {
			continue
		}
		used++
		for i := 0; i < numText; i++ {
			row := head[sotLen+i]
			if len(row) > numFrames {
				row = row[:numFrames]
			}
			norm := normalizeRow(row)
			smooth := MedianFilter(norm, e.medfiltWidth)
			for j := range smooth {
				matrix[i][j] += smooth[j]
			}
		}
	}
	if used == 0 {
		return matrix
	}
	inv := 1 / float32(used)
	for i := range matrix {
		for j := range matrix[i] {
			matrix[i][j] *= inv
		}
	}
	return matrix
}

func normalizeRow(row []float32) []float32 {
	if len(row) == 0 {
		return nil
	}
	var mean float64
	for _, v := range row {
		mean += float64(v)
	}
	mean /= float64(len(row))
	var variance float64
	for _, v := range row {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(row))
	std := math.Sqrt(variance)
	out := make([]float32, len(row))
	if std == 0 {
		return out
	}
	for i, v := range row {
		out[i] = float32((float64(v) - mean) / std)
	}
	return out
}
