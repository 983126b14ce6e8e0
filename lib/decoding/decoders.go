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
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/antflydb/localwhisper/lib/backends"
)

// TokenDecoder drives step-by-step token selection for one attempt.
type TokenDecoder interface {
	// Reset clears any cross-step state before a fresh attempt.
	Reset()
	// Update selects the next token for every candidate from the filtered
	// logits, appends it, and accumulates per-candidate logprob sums.
	// It returns the updated sequences and whether decoding is complete.
	Update(tokens [][]int32, logits [][]float32, sumLogprobs []float64) ([][]int32, bool, error)
	// Finalize pads or selects final sequences once the step loop ends and
	// returns them with their cumulative logprobs.
	Finalize(tokens [][]int32, sumLogprobs []float64) ([][]int32, []float64, error)
}

// GreedyDecoder selects the argmax at temperature 0 and samples from
// softmax(logits/temperature) above it.
type GreedyDecoder struct {
	temperature float64
	eot         int32
	rng         *rand.Rand
	seed        int64
}

// NewGreedyDecoder creates a greedy/sampling decoder. The seed only
// matters at temperature > 0.
func NewGreedyDecoder(temperature float64, eot int, seed int64) *GreedyDecoder {
	return &GreedyDecoder{
		temperature: temperature,
		eot:         int32(eot),
		seed:        seed,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Reset reseeds the sampler so independent attempts at the same
// temperature reproduce exactly.
func (d *GreedyDecoder) Reset() {
	d.rng = rand.New(rand.NewSource(d.seed))
}

func (d *GreedyDecoder) Update(tokens [][]int32, logits [][]float32, sumLogprobs []float64) ([][]int32, bool, error) {
	if len(logits) != len(tokens) || len(sumLogprobs) != len(tokens) {
		return nil, false, fmt.Errorf("decoding: batch mismatch: %d tokens, %d logits, %d sums",
			len(tokens), len(logits), len(sumLogprobs))
	}
	completed := true
	for k := range tokens {
		var next int
		if d.temperature == 0 {
			next = Argmax(logits[k])
		} else {
			next = sample(d.rng, logits[k], d.temperature)
		}
		logprobs := LogSoftmax(logits[k])

		last := tokens[k][len(tokens[k])-1]
		if last == d.eot {
			// Finished candidates keep emitting EOT without accumulating.
			tokens[k] = append(tokens[k], d.eot)
			continue
		}
		sumLogprobs[k] += logprobs[next]
		tokens[k] = append(tokens[k], int32(next))
		if int32(next) != d.eot {
			completed = false
		}
	}
	return tokens, completed, nil
}

func (d *GreedyDecoder) Finalize(tokens [][]int32, sumLogprobs []float64) ([][]int32, []float64, error) {
	// Make sure each sequence ends with EOT.
	for k := range tokens {
		if tokens[k][len(tokens[k])-1] != d.eot {
			tokens[k] = append(tokens[k], d.eot)
		}
	}
	return tokens, sumLogprobs, nil
}

// beamHypothesis is one finished beam search candidate.
type beamHypothesis struct {
	tokens     []int32
	sumLogprob float64
}

// BeamSearchDecoder retains beamSize hypotheses per step, scored by
// cumulative log-probability normalized by the Google-NMT length penalty
// ((5+len)/6)^alpha. Finished hypotheses move to a pool capped at
// beamSize * patience; pruning reorders the attempt's KV cache so every
// surviving hypothesis keeps its own cache slice.
type BeamSearchDecoder struct {
	beamSize      int
	eot           int32
	patience      float64
	lengthPenalty float64
	cache         *backends.KVCache

	maxCandidates int
	finished      []beamHypothesis
	finishedSeen  map[uint64]bool
}

// NewBeamSearchDecoder creates a beam decoder bound to the attempt's KV
// cache. patience <= 0 defaults to 1; lengthPenalty < 0 selects plain
// length normalization.
func NewBeamSearchDecoder(beamSize int, eot int, patience, lengthPenalty float64, cache *backends.KVCache) *BeamSearchDecoder {
	if patience <= 0 {
		patience = 1
	}
	d := &BeamSearchDecoder{
		beamSize:      beamSize,
		eot:           int32(eot),
		patience:      patience,
		lengthPenalty: lengthPenalty,
		cache:         cache,
		maxCandidates: int(math.Round(float64(beamSize) * patience)),
	}
	d.Reset()
	return d
}

// Reset clears the finished pool.
func (d *BeamSearchDecoder) Reset() {
	d.finished = nil
	d.finishedSeen = make(map[uint64]bool)
}

// penalty returns the length normalizer for a sequence of sampled length n.
func (d *BeamSearchDecoder) penalty(n int) float64 {
	if n == 0 {
		return 1
	}
	if d.lengthPenalty < 0 {
		return float64(n)
	}
	return math.Pow((5+float64(n))/6, d.lengthPenalty)
}

func (d *BeamSearchDecoder) Update(tokens [][]int32, logits [][]float32, sumLogprobs []float64) ([][]int32, bool, error) {
	if len(tokens) != d.beamSize {
		return nil, false, fmt.Errorf("decoding: beam has %d candidates, want %d", len(tokens), d.beamSize)
	}

	type expansion struct {
		source     int
		tokens     []int32
		sumLogprob float64
		score      float64
	}
	var expansions []expansion

	prefixLen := len(tokens[0])
	for k := range tokens {
		logprobs := LogSoftmax(logits[k])
		for _, next := range topIndices(logprobs, d.beamSize+1) {
			seq := make([]int32, prefixLen, prefixLen+1)
			copy(seq, tokens[k])
			seq = append(seq, int32(next))
			cum := sumLogprobs[k] + logprobs[next]
			expansions = append(expansions, expansion{
				source:     k,
				tokens:     seq,
				sumLogprob: cum,
				score:      cum / d.penalty(len(seq)),
			})
		}
	}
	sort.SliceStable(expansions, func(i, j int) bool { return expansions[i].score > expansions[j].score })

	// Identical candidates (always the case on the first step, where every
	// slot holds the forced tokens) produce identical expansions; collapse
	// them by sequence so the survivors are the top distinct hypotheses.
	nextTokens := make([][]int32, 0, d.beamSize)
	nextSums := make([]float64, 0, d.beamSize)
	sources := make([]int, 0, d.beamSize)
	seen := make(map[uint64]bool, len(expansions))
	for _, e := range expansions {
		key := hashTokens(e.tokens)
		if seen[key] {
			continue
		}
		seen[key] = true
		if e.tokens[len(e.tokens)-1] == d.eot {
			if !d.finishedSeen[key] && len(d.finished) < d.maxCandidates {
				d.finishedSeen[key] = true
				d.finished = append(d.finished, beamHypothesis{tokens: e.tokens, sumLogprob: e.sumLogprob})
			}
			continue
		}
		nextTokens = append(nextTokens, e.tokens)
		nextSums = append(nextSums, e.sumLogprob)
		sources = append(sources, e.source)
		if len(nextTokens) == d.beamSize {
			break
		}
	}
	if len(nextTokens) < d.beamSize {
		// Everything viable finished; pad with the best expansions so the
		// batch shape stays fixed until termination.
		for _, e := range expansions {
			nextTokens = append(nextTokens, e.tokens)
			nextSums = append(nextSums, e.sumLogprob)
			sources = append(sources, e.source)
			if len(nextTokens) == d.beamSize {
				break
			}
		}
	}

	if err := d.cache.Reorder(sources); err != nil {
		return nil, false, err
	}
	copy(sumLogprobs, nextSums)

	completed := len(d.finished) >= d.maxCandidates
	return nextTokens, completed, nil
}

// Finalize returns the finished hypothesis with the highest
// length-normalized score, falling back to the best unfinished candidate
// when nothing finished. The chosen sequence is returned alone.
func (d *BeamSearchDecoder) Finalize(tokens [][]int32, sumLogprobs []float64) ([][]int32, []float64, error) {
	candidates := make([]beamHypothesis, 0, len(d.finished)+len(tokens))
	candidates = append(candidates, d.finished...)
	if len(d.finished) == 0 {
		for k := range tokens {
			seq := append(append([]int32{}, tokens[k]...), d.eot)
			candidates = append(candidates, beamHypothesis{tokens: seq, sumLogprob: sumLogprobs[k]})
		}
	}
	best := 0
	bestScore := math.Inf(-1)
	for i, h := range candidates {
		score := h.sumLogprob / d.penalty(len(h.tokens))
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return [][]int32{candidates[best].tokens}, []float64{candidates[best].sumLogprob}, nil
}

// topIndices returns the indices of the n largest values, descending,
// ties toward lower indices.
func topIndices(values []float64, n int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] > values[idx[b]] })
	if n > len(idx) {
		n = len(idx)
	}
	return idx[:n]
}

func hashTokens(tokens []int32) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:], uint32(t))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
