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

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/antflydb/localwhisper/lib/backends"
)

// featureFile is a FeatureExtractor backed by a file of precomputed
// log-mel frames: little-endian float32 values, Mels bins per frame.
type featureFile struct {
	frames [][]float32
	audio  *backends.AudioConfig
}

// OpenFeatureFile loads a precomputed log-mel feature file.
func OpenFeatureFile(path string, audio *backends.AudioConfig) (FeatureExtractor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frameBytes := 4 * audio.NMels
	if len(raw) == 0 || len(raw)%frameBytes != 0 {
		return nil, fmt.Errorf("feature file %s: %d bytes is not a whole number of %d-mel frames", path, len(raw), audio.NMels)
	}
	n := len(raw) / frameBytes
	frames := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := make([]float32, audio.NMels)
		base := i * frameBytes
		for j := 0; j < audio.NMels; j++ {
			bits := binary.LittleEndian.Uint32(raw[base+4*j:])
			row[j] = math.Float32frombits(bits)
		}
		frames[i] = row
	}
	return &featureFile{frames: frames, audio: audio}, nil
}

func (f *featureFile) TotalSamples() int {
	return len(f.frames) * f.audio.HopLength
}

func (f *featureFile) Extract(_ context.Context, offset, samples int) (*backends.AudioWindow, error) {
	if offset < 0 || samples <= 0 {
		return nil, fmt.Errorf("invalid window request: offset=%d samples=%d", offset, samples)
	}
	startFrame := offset / f.audio.HopLength
	wantFrames := samples / f.audio.HopLength

	window := &backends.AudioWindow{
		Features: make([]float32, wantFrames*f.audio.NMels),
		Frames:   wantFrames,
		Mels:     f.audio.NMels,
		Offset:   offset,
	}
	for i := 0; i < wantFrames; i++ {
		src := startFrame + i
		if src >= len(f.frames) {
			break
		}
		copy(window.Features[i*f.audio.NMels:(i+1)*f.audio.NMels], f.frames[src])
		window.ContentFrames = i + 1
	}
	return window, nil
}
