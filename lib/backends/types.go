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

// Package backends defines the contract between the transcription
// orchestration layer and the model execution backends.
//
// The orchestration layer never touches tensors or accelerator state
// directly: it drives a Model through Encode / Step / ForwardWithAttention
// and owns the KV cache bookkeeping between steps. Concrete backends
// (ONNX Runtime, XLA, pure Go) register a Factory at init time, typically
// behind build tags, and are selected by priority at load time.
package backends

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoBackend is returned by OpenModel when no backend factory has been
// compiled into the binary.
var ErrNoBackend = errors.New("backends: no model backend registered")

// AudioWindow is one fixed-shape log-mel feature block covering exactly
// ChunkLength seconds of audio. It is immutable once produced.
type AudioWindow struct {
	// Features is the mel spectrogram in row-major [frame][mel] order,
	// padded or trimmed to exactly Frames rows.
	Features []float32
	// Frames is the number of mel frames (ChunkLength * frames-per-second).
	Frames int
	// Mels is the mel bin count per frame.
	Mels int
	// Offset is the absolute sample offset of the window start in the
	// source audio stream.
	Offset int
	// ContentFrames is how many of Frames carry real audio; the remainder
	// is padding. ContentFrames <= Frames.
	ContentFrames int
}

// EncoderOutput holds the audio encoder's hidden states for one window.
type EncoderOutput struct {
	// HiddenStates is row-major [frame][hidden].
	HiddenStates []float32
	// Frames is the encoder frame count (mel frames / InputStride).
	Frames int
	// Hidden is the hidden dimension.
	Hidden int
}

// LayerKV carries the key/value vectors produced by one decoder layer for
// the newly decoded positions of one step.
//
// Keys and Values are indexed [candidate][newPosition][dim].
type LayerKV struct {
	Keys   [][][]float32
	Values [][][]float32
}

// StepResult is the output of one decoder step.
type StepResult struct {
	// Logits holds the vocabulary logits at the final new position,
	// indexed [candidate][vocab].
	Logits [][]float32

	// SOTLogits holds the logits at the start-of-transcript position.
	// Backends populate it only on the first step of an attempt (when the
	// incoming cache is empty); the orchestration layer reads the
	// no-speech probability from it.
	SOTLogits [][]float32

	// Cache holds the per-layer key/value vectors for the new positions,
	// one entry per decoder layer. The caller appends them to its KVCache.
	Cache []LayerKV
}

// AlignmentOutput is the result of a full-sequence forward pass with
// cross-attention capture, used for word-level timestamp alignment.
type AlignmentOutput struct {
	// Logits holds per-position vocabulary logits, indexed [position][vocab].
	Logits [][]float32
	// CrossAttention holds attention weights for the configured alignment
	// heads, indexed [head][position][frame]. Frame count matches the
	// encoder output.
	CrossAttention [][][]float32
}

// Model is the capability contract required from a speech model backend.
//
// Implementations must be deterministic: identical inputs (including cache
// contents) must yield identical logits.
type Model interface {
	// Encode runs the audio encoder over one window.
	Encode(ctx context.Context, window *AudioWindow) (*EncoderOutput, error)

	// Step runs one decoder step for a batch of candidate sequences.
	// tokens holds the new (not yet cached) token ids per candidate; on
	// the first step of an attempt this is the full initial sequence,
	// afterwards a single token per candidate. cache holds the positions
	// decoded so far and is read-only for the backend.
	Step(ctx context.Context, tokens [][]int32, enc *EncoderOutput, cache *KVCache) (*StepResult, error)

	// ForwardWithAttention runs the decoder over a complete token sequence
	// (batch of one) and returns per-position logits together with the
	// cross-attention weights of the alignment heads.
	ForwardWithAttention(ctx context.Context, tokens []int32, enc *EncoderOutput) (*AlignmentOutput, error)

	// Config returns the decoder configuration.
	Config() *DecoderConfig

	// Close releases backend resources.
	Close() error
}

// HeadIndex identifies one cross-attention head by layer and head position.
type HeadIndex struct {
	Layer int
	Head  int
}

// DecoderConfig holds decoder configuration for generation.
type DecoderConfig struct {
	// VocabSize is the size of the vocabulary including special and
	// timestamp tokens.
	VocabSize int
	// MaxLength is the decoder context length (token positions).
	MaxLength int
	// NumLayers is the number of decoder layers.
	NumLayers int
	// NumHeads is the number of attention heads per layer.
	NumHeads int
	// HeadDim is the dimension of each attention head.
	HeadDim int
	// AlignmentHeads selects the cross-attention heads used for word
	// timestamp alignment. Empirically chosen per model checkpoint;
	// exposed as configuration rather than hardcoded.
	AlignmentHeads []HeadIndex
}

// SampleLen returns the maximum number of tokens decoded for one window.
func (c *DecoderConfig) SampleLen() int {
	return c.MaxLength / 2
}

// MaxPromptLen returns the maximum carried-over prompt length.
func (c *DecoderConfig) MaxPromptLen() int {
	return c.MaxLength/2 - 1
}

// InputStride is the encoder's temporal downsampling factor: two mel
// frames per encoder frame.
const InputStride = 2

// AudioConfig holds configuration for the audio feature contract.
type AudioConfig struct {
	// SampleRate is the audio sample rate (16000 for speech models).
	SampleRate int
	// NFft is the FFT window size.
	NFft int
	// HopLength is the hop length between mel frames.
	HopLength int
	// ChunkLength is the window length in seconds.
	ChunkLength int
	// NMels is the number of mel filter banks.
	NMels int
}

// DefaultAudioConfig returns the standard configuration for Whisper-style
// models: 30-second windows of 16 kHz audio at 100 frames per second.
func DefaultAudioConfig() *AudioConfig {
	return &AudioConfig{
		SampleRate:  16000,
		NFft:        400,
		HopLength:   160,
		ChunkLength: 30,
		NMels:       80,
	}
}

// SamplesPerWindow returns the fixed sample count of one window.
func (c *AudioConfig) SamplesPerWindow() int {
	return c.SampleRate * c.ChunkLength
}

// FramesPerWindow returns the mel frame count of one window.
func (c *AudioConfig) FramesPerWindow() int {
	return c.SamplesPerWindow() / c.HopLength
}

// FramesPerSecond returns the mel frame rate.
func (c *AudioConfig) FramesPerSecond() int {
	return c.SampleRate / c.HopLength
}

// TimePrecision returns the duration of one timestamp-token increment in
// seconds (one encoder frame).
func (c *AudioConfig) TimePrecision() float64 {
	return float64(c.HopLength) / float64(c.SampleRate) * InputStride
}

// Factory creates models for one backend implementation.
type Factory interface {
	// Name identifies the backend ("onnx", "xla", "go").
	Name() string
	// Open loads a model from a directory.
	Open(modelPath string) (Model, error)
}

var factories []Factory

// RegisterFactory adds a backend factory. Called from backend init
// functions, usually behind build tags.
func RegisterFactory(f Factory) {
	factories = append(factories, f)
}

// OpenModel loads a model using the first registered factory whose name
// appears in priority, falling back to registration order when priority is
// empty. Returns ErrNoBackend when nothing is registered.
func OpenModel(modelPath string, priority []string) (Model, error) {
	if len(factories) == 0 {
		return nil, ErrNoBackend
	}
	if len(priority) == 0 {
		return factories[0].Open(modelPath)
	}
	for _, name := range priority {
		for _, f := range factories {
			if f.Name() == name {
				return f.Open(modelPath)
			}
		}
	}
	return nil, fmt.Errorf("backends: no registered backend matches priority %v: %w", priority, ErrNoBackend)
}
