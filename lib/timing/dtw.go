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

// Package timing aligns committed token sequences to audio frames using
// the decoder's cross-attention weights, yielding word-level timestamps.
package timing

import (
	"fmt"
	"math"
	"sort"
)

// DTW finds the lowest-cost monotonic path through a cost matrix from
// (0,0) to (rows-1, cols-1). It returns the path as parallel row/column
// index slices. Moves are diagonal, down (advance row) and right (advance
// column); diagonal wins ties so the path stays tight.
func DTW(cost [][]float64) (rows, cols []int, err error) {
	n := len(cost)
	if n == 0 || len(cost[0]) == 0 {
		return nil, nil, fmt.Errorf("timing: empty cost matrix")
	}
	m := len(cost[0])

	const (
		traceDiag = 0
		traceUp   = 1
		traceLeft = 2
	)

	acc := make([][]float64, n+1)
	trace := make([][]uint8, n+1)
	for i := 0; i <= n; i++ {
		acc[i] = make([]float64, m+1)
		trace[i] = make([]uint8, m+1)
		for j := 0; j <= m; j++ {
			acc[i][j] = math.Inf(1)
		}
	}
	acc[0][0] = 0

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			c0 := acc[i-1][j-1]
			c1 := acc[i-1][j]
			c2 := acc[i][j-1]
			best, t := c0, uint8(traceDiag)
			if c1 < best {
				best, t = c1, traceUp
			}
			if c2 < best {
				best, t = c2, traceLeft
			}
			acc[i][j] = cost[i-1][j-1] + best
			trace[i][j] = t
		}
	}

	i, j := n, m
	for i > 0 && j > 0 {
		rows = append(rows, i-1)
		cols = append(cols, j-1)
		switch trace[i][j] {
		case traceDiag:
			i--
			j--
		case traceUp:
			i--
		default:
			j--
		}
	}
	reverseInts(rows)
	reverseInts(cols)
	return rows, cols, nil
}

func reverseInts(s []int) {
	for a, b := 0, len(s)-1; a < b; a, b = a+1, b-1 {
		s[a], s[b] = s[b], s[a]
	}
}

// MedianFilter smooths a row with a sliding odd-width median, reflecting
// at the edges. Width <= 1 is the identity.
func MedianFilter(row []float32, width int) []float32 {
	if width <= 1 || len(row) == 0 {
		out := make([]float32, len(row))
		copy(out, row)
		return out
	}
	if width%2 == 0 {
		width++
	}
	half := width / 2
	out := make([]float32, len(row))
	window := make([]float32, 0, width)
	for i := range row {
		window = window[:0]
		for k := -half; k <= half; k++ {
			idx := reflectIndex(i+k, len(row))
			window = append(window, row[idx])
		}
		sort.Slice(window, func(a, b int) bool { return window[a] < window[b] })
		out[i] = window[len(window)/2]
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
