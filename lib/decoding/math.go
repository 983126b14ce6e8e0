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
	"math"
	"math/rand"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/vec"
)

// negInf masks an illegal choice.
var negInf = float32(math.Inf(-1))

// Argmax returns the index of the maximum value using SIMD acceleration,
// which pays off at decoder vocab sizes.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return 0
	}
	return int(vec.Argmax(values))
}

// Softmax returns the normalized probabilities of a logit vector using
// SIMD acceleration. -Inf entries carry zero probability.
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	probs := make([]float32, len(logits))
	nn.Softmax(logits, probs)
	for i, p := range probs {
		out[i] = float64(p)
	}
	return out
}

// LogSoftmax returns per-token log probabilities.
func LogSoftmax(logits []float32) []float64 {
	maxLogit := float64(math.Inf(-1))
	for _, v := range logits {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}
	var sum float64
	for _, v := range logits {
		if math.IsInf(float64(v), -1) {
			continue
		}
		sum += math.Exp(float64(v) - maxLogit)
	}
	logSum := maxLogit + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - logSum
	}
	return out
}

// LogSumExp reduces a slice of log-domain values.
func LogSumExp(values []float64) float64 {
	maxVal := math.Inf(-1)
	for _, v := range values {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	var sum float64
	for _, v := range values {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}

// sample draws a token index from softmax(logits / temperature).
func sample(rng *rand.Rand, logits []float32, temperature float64) int {
	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = float32(float64(v) / temperature)
	}
	probs := Softmax(scaled)
	r := rng.Float64()
	var cum float64
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cum += p
		last = i
		if r < cum {
			return i
		}
	}
	// Numerical slack at the tail lands on the last legal token.
	return last
}
