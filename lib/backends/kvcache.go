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

package backends

import "fmt"

// KVCache holds the per-layer attention key/value cache for one decode
// attempt. It is exclusively owned by the in-flight attempt: a cache must
// never be carried across temperature retries or windows, because stale
// positions corrupt the attention context. Every attempt starts from a
// fresh cache or an explicit Reset.
type KVCache struct {
	layers     []layerCache
	seqLen     int
	candidates int
}

type layerCache struct {
	// keys and values are indexed [candidate][position][dim].
	keys   [][][]float32
	values [][][]float32
}

// NewKVCache creates an empty cache for the given layer and candidate counts.
func NewKVCache(numLayers, candidates int) *KVCache {
	c := &KVCache{
		layers:     make([]layerCache, numLayers),
		candidates: candidates,
	}
	for i := range c.layers {
		c.layers[i] = layerCache{
			keys:   make([][][]float32, candidates),
			values: make([][][]float32, candidates),
		}
	}
	return c
}

// SeqLen returns the number of cached positions.
func (c *KVCache) SeqLen() int { return c.seqLen }

// Candidates returns the candidate (batch) dimension.
func (c *KVCache) Candidates() int { return c.candidates }

// NumLayers returns the decoder layer count.
func (c *KVCache) NumLayers() int { return len(c.layers) }

// Layer exposes one layer's cached keys and values, indexed
// [candidate][position][dim]. Backends read these during Step; they must
// not mutate them.
func (c *KVCache) Layer(i int) (keys, values [][][]float32) {
	return c.layers[i].keys, c.layers[i].values
}

// Append grows every layer's cache by the new positions of one step. The
// step must carry exactly one LayerKV per layer, each with the same
// candidate count and the same number of new positions; a mismatch is a
// contract violation and leaves the cache untouched.
func (c *KVCache) Append(step []LayerKV) error {
	if len(step) != len(c.layers) {
		return fmt.Errorf("kvcache: step has %d layers, cache has %d", len(step), len(c.layers))
	}
	newPositions := -1
	for li, kv := range step {
		if len(kv.Keys) != c.candidates || len(kv.Values) != c.candidates {
			return fmt.Errorf("kvcache: layer %d has %d/%d candidates, want %d",
				li, len(kv.Keys), len(kv.Values), c.candidates)
		}
		for b := 0; b < c.candidates; b++ {
			if len(kv.Keys[b]) != len(kv.Values[b]) {
				return fmt.Errorf("kvcache: layer %d candidate %d key/value position mismatch", li, b)
			}
			if newPositions < 0 {
				newPositions = len(kv.Keys[b])
			} else if len(kv.Keys[b]) != newPositions {
				return fmt.Errorf("kvcache: layer %d candidate %d has %d positions, want %d",
					li, b, len(kv.Keys[b]), newPositions)
			}
		}
	}
	if newPositions <= 0 {
		return fmt.Errorf("kvcache: step carries no new positions")
	}
	for li, kv := range step {
		for b := 0; b < c.candidates; b++ {
			c.layers[li].keys[b] = append(c.layers[li].keys[b], kv.Keys[b]...)
			c.layers[li].values[b] = append(c.layers[li].values[b], kv.Values[b]...)
		}
	}
	c.seqLen += newPositions
	return nil
}

// Reorder gathers the candidate axis of every layer by the given source
// indices, so entry i of the reordered cache is entry indices[i] of the
// old cache. Applied after beam pruning so each surviving hypothesis keeps
// the cache slice it was decoded with. The gather is applied to all layers
// or none.
func (c *KVCache) Reorder(indices []int) error {
	if len(indices) != c.candidates {
		return fmt.Errorf("kvcache: reorder with %d indices, want %d", len(indices), c.candidates)
	}
	for _, src := range indices {
		if src < 0 || src >= c.candidates {
			return fmt.Errorf("kvcache: reorder index %d out of range [0,%d)", src, c.candidates)
		}
	}
	for li := range c.layers {
		keys := make([][][]float32, c.candidates)
		values := make([][][]float32, c.candidates)
		for dst, src := range indices {
			keys[dst] = clonePositions(c.layers[li].keys[src])
			values[dst] = clonePositions(c.layers[li].values[src])
		}
		c.layers[li].keys = keys
		c.layers[li].values = values
	}
	return nil
}

// Reset discards all cached positions, keeping the layer and candidate
// shape. The cache is then safe to reuse for a fresh attempt.
func (c *KVCache) Reset() {
	for li := range c.layers {
		for b := 0; b < c.candidates; b++ {
			c.layers[li].keys[b] = nil
			c.layers[li].values[b] = nil
		}
	}
	c.seqLen = 0
}

func clonePositions(src [][]float32) [][]float32 {
	out := make([][]float32, len(src))
	for i, pos := range src {
		row := make([]float32, len(pos))
		copy(row, pos)
		out[i] = row
	}
	return out
}
