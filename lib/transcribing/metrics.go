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

import "github.com/prometheus/client_golang/prometheus"

var (
	windowOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "localwhisper",
			Name:      "window_ops_total",
			Help:      "The total number of audio windows decoded.",
		},
	)
	fallbackRetryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "localwhisper",
			Name:      "fallback_retry_ops_total",
			Help:      "The total number of fallback retries, by trigger.",
		},
		[]string{"reason"},
	)
	silenceWindowOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "localwhisper",
			Name:      "silence_window_ops_total",
			Help:      "The total number of windows cleared as silence.",
		},
	)
	alignmentSkipOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "localwhisper",
			Name:      "alignment_skip_ops_total",
			Help:      "The total number of segments emitted without word timestamps.",
		},
	)
	windowDecodeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "localwhisper",
			Name:      "window_decode_seconds",
			Help:      "Wall time spent decoding one window across all attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		windowOps,
		fallbackRetryOps,
		silenceWindowOps,
		alignmentSkipOps,
		windowDecodeSeconds,
	)
}
