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

// Package transcribing turns per-window decode attempts into a complete,
// bounded, non-repeating transcript: the sliding-window scheduler with
// adaptive advance, the temperature fallback ladder, and segment commit.
//
// Windows are strictly sequential: each window's prompt context depends
// on the previous window's committed output, so no two windows of one
// stream ever decode concurrently.
package transcribing

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/decoding"
	"github.com/antflydb/localwhisper/lib/timing"
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// FeatureExtractor produces fixed-shape log-mel windows from the source
// audio stream.
type FeatureExtractor interface {
	// Extract returns the window starting at the given sample offset,
	// padded or trimmed to exactly the requested sample count.
	Extract(ctx context.Context, offset, samples int) (*backends.AudioWindow, error)
	// TotalSamples is the stream length.
	TotalSamples() int
}

// Options configures one transcription stream.
type Options struct {
	// Task selects transcription or translation.
	Task tokenizer.Task
	// Language is an ISO 639-1 tag; empty triggers auto-detection on the
	// first window.
	Language string

	// Temperatures is the ascending fallback ladder.
	Temperatures []float64
	// CompressionRatioThreshold rejects attempts whose text compresses
	// too well (degenerate repetition). <= 0 disables the check.
	CompressionRatioThreshold float64
	// LogProbThreshold rejects attempts below this average logprob.
	LogProbThreshold float64
	// NoSpeechThreshold drives the silence rule. <= 0 disables it.
	NoSpeechThreshold float64

	// ConditionOnPreviousText carries the previous window's committed
	// tokens as prompt context.
	ConditionOnPreviousText bool
	// InitialPrompt seeds the first window's context.
	InitialPrompt string

	// WordTimestamps enables DTW word alignment per segment.
	WordTimestamps bool
	// WithoutTimestamps disables timestamp decoding entirely.
	WithoutTimestamps bool

	// BeamSize, Patience apply at temperature 0; BestOf applies above.
	BeamSize int
	Patience float64
	BestOf   int
	// LengthPenalty is the Google-NMT alpha; < 0 means plain length
	// normalization.
	LengthPenalty float64
	// MaxInitialTimestamp bounds the first timestamp, in seconds.
	MaxInitialTimestamp float64
	// SuppressTokens masks the given ids every step; -1 selects the
	// default non-speech set.
	SuppressTokens []int
	// Seed makes sampling attempts reproducible.
	Seed int64
}

// DefaultTranscribeOptions returns the standard stream configuration.
func DefaultTranscribeOptions() Options {
	return Options{
		Task:                      tokenizer.TaskTranscribe,
		Temperatures:              []float64{0, 0.2, 0.4, 0.6, 0.8, 1.0},
		CompressionRatioThreshold: 2.4,
		LogProbThreshold:          -1.0,
		NoSpeechThreshold:         0.6,
		ConditionOnPreviousText:   true,
		BestOf:                    5,
		LengthPenalty:             -1,
		MaxInitialTimestamp:       1.0,
		SuppressTokens:            []int{-1},
	}
}

// validate rejects contradictory stream settings.
func (o *Options) validate() error {
	if len(o.Temperatures) == 0 {
		return fmt.Errorf("transcribing: empty temperature ladder")
	}
	if !sort.Float64sAreSorted(o.Temperatures) {
		return fmt.Errorf("transcribing: temperature ladder %v is not ascending", o.Temperatures)
	}
	return nil
}

// Transcriber drives the whole pipeline for a model/tokenizer pair. Safe
// for concurrent Transcribe calls; a weighted semaphore serializes model
// ownership so each in-flight attempt has the KV cache to itself.
type Transcriber struct {
	model   backends.Model
	tok     tokenizer.Tokenizer
	audio   *backends.AudioConfig
	logger  *zap.Logger
	encoder *encoderCache
	align   *timing.Engine
	sem     *semaphore.Weighted
}

// TranscriberOption configures a Transcriber.
type TranscriberOption func(*Transcriber)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) TranscriberOption {
	return func(t *Transcriber) { t.logger = l }
}

// WithAudioConfig overrides the audio feature contract.
func WithAudioConfig(c *backends.AudioConfig) TranscriberOption {
	return func(t *Transcriber) { t.audio = c }
}

// New creates a Transcriber.
func New(model backends.Model, tok tokenizer.Tokenizer, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{
		model:  model,
		tok:    tok,
		audio:  backends.DefaultAudioConfig(),
		logger: zap.NewNop(),
		sem:    semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(t)
	}
	t.encoder = newEncoderCache(model, 2*time.Minute)
	t.align = timing.NewEngine(model, tok, t.audio, timing.WithLogger(t.logger.Named("timing")))
	return t
}

// Close releases the encoder cache and the model.
func (t *Transcriber) Close() error {
	t.encoder.Stop()
	return t.model.Close()
}

// schedulerState tracks the window scheduler's phase.
type schedulerState int

const (
	stateScheduling schedulerState = iota
	stateDecoding
	stateCommitting
	stateDone
)

// Transcribe runs the sliding-window scheduler over the full stream and
// returns the ordered committed segments. Audio-content problems never
// surface as errors; the scheduler always makes forward progress and
// yields possibly empty or low-confidence segments instead.
func (t *Transcriber) Transcribe(ctx context.Context, extractor FeatureExtractor, opts Options) (*Transcript, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	totalSamples := extractor.TotalSamples()
	if totalSamples <= 0 {
		return nil, fmt.Errorf("transcribing: zero-length audio stream")
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring transcriber slot: %w", err)
	}
	defer t.sem.Release(1)

	windowSamples := t.audio.SamplesPerWindow()
	sampleRate := t.audio.SampleRate
	precision := t.audio.TimePrecision()

	fallback := &fallbackController{
		model:  t.model,
		tok:    t.tok,
		audio:  t.audio,
		opts:   opts,
		logger: t.logger.Named("fallback"),
	}

	// Cross-window carry state.
	var allTokens []int
	promptResetSince := 0
	if opts.InitialPrompt != "" {
		ids, err := t.tok.Encode(" " + strings.TrimSpace(opts.InitialPrompt))
		if err != nil {
			return nil, fmt.Errorf("encoding initial prompt: %w", err)
		}
		allTokens = append(allTokens, ids...)
	}

	language := opts.Language
	var segments []Segment
	seek := 0
	dropCarryOnce := false
	var lastWindowHash uint64

	state := stateScheduling
	for state != stateDone {
		if seek >= totalSamples {
			state = stateDone
			break
		}

		// Scheduling: extract the window at the current seek.
		window, err := extractor.Extract(ctx, seek, windowSamples)
		if err != nil {
			return nil, fmt.Errorf("extracting window at sample %d: %w", seek, err)
		}
		segmentSamples := min(windowSamples, totalSamples-seek)
		segmentDuration := float64(segmentSamples) / float64(sampleRate)
		timeOffset := float64(seek) / float64(sampleRate)

		enc, err := t.encoder.Encode(ctx, window)
		if err != nil {
			return nil, err
		}

		if language == "" {
			detected, _, derr := decoding.DetectLanguage(ctx, t.model, t.tok, enc)
			if derr != nil {
				return nil, derr
			}
			language = detected
			t.logger.Info("Detected language", zap.String("language", language))
		}

		// Decoding: run the fallback ladder.
		state = stateDecoding
		var prompt []int
		if opts.ConditionOnPreviousText && !dropCarryOnce {
			prompt = allTokens[promptResetSince:]
		}
		dropCarryOnce = false

		started := time.Now()
		outcome, err := fallback.decode(ctx, enc, language, prompt)
		if err != nil {
			return nil, fmt.Errorf("decoding window at sample %d: %w", seek, err)
		}
		windowOps.Inc()
		windowDecodeSeconds.Observe(time.Since(started).Seconds())

		// Committing: turn the accepted sequence into segments and pick
		// the next seek position.
		state = stateCommitting
		result := outcome.result

		if outcome.silence {
			segments = append(segments, Segment{
				ID:           len(segments),
				Seek:         seek,
				Start:        timeOffset,
				End:          timeOffset + segmentDuration,
				Text:         "",
				AvgLogprob:   result.AvgLogprob,
				NoSpeechProb: result.NoSpeechProb,
				Temperature:  result.Temperature,
			})
			seek += segmentSamples
			state = stateScheduling
			continue
		}

		windowSegments, advance := t.commitWindow(result, seek, timeOffset, segmentDuration, segmentSamples, precision)
		for i := range windowSegments {
			windowSegments[i].ID = len(segments) + i
			windowSegments[i].LowConfidence = !outcome.accepted
		}

		if opts.WordTimestamps && !opts.WithoutTimestamps {
			t.annotateWords(ctx, enc, window, windowSegments, language, opts, timeOffset)
		}
		segments = append(segments, windowSegments...)

		// Carry-over bookkeeping: the committed tokens become prompt
		// context for the next window, bounded by the decoder context.
		for _, tokenID := range result.Tokens {
			allTokens = append(allTokens, int(tokenID))
		}
		if result.Temperature > 0.5 {
			// High-temperature output is too noisy to condition on.
			promptResetSince = len(allTokens)
		}
		hash := tokensHash(result.Tokens)
		if len(result.Tokens) > 0 && hash == lastWindowHash {
			// The same token sequence twice in a row is a hallucination
			// loop; breaking the carry-over for one cycle escapes it.
			dropCarryOnce = true
			t.logger.Warn("Detected repeated window output, dropping prompt carry-over",
				zap.Int("seek", seek))
		}
		lastWindowHash = hash

		if advance <= 0 {
			// Progress guarantee: never stall on pathological audio.
			advance = segmentSamples
		}
		seek += advance
		state = stateScheduling
	}

	var text strings.Builder
	for _, seg := range segments {
		text.WriteString(seg.Text)
	}
	return &Transcript{
		Text:     strings.TrimSpace(text.String()),
		Language: language,
		Segments: segments,
	}, nil
}

// commitWindow scans the accepted token sequence for well-formed
// timestamp pairs, slices it into segments, and computes the adaptive
// seek advance in samples. Speech that ends early inside the window moves
// seek only past the consumed span; a sequence with no usable timestamp
// structure advances the full window.
func (t *Transcriber) commitWindow(result *decoding.Result, seek int, timeOffset, segmentDuration float64, segmentSamples int, precision float64) ([]Segment, int) {
	s := t.tok.Specials()
	tokens := result.Tokens

	isTS := func(id int32) bool { return s.IsTimestamp(int(id)) }
	samplesPerPosition := backends.InputStride * t.audio.HopLength

	// Positions whose token closes a (timestamp, timestamp) pair.
	var consecutive []int
	for i := 1; i < len(tokens); i++ {
		if isTS(tokens[i-1]) && isTS(tokens[i]) {
			consecutive = append(consecutive, i)
		}
	}
	singleTimestampEnding := len(tokens) >= 2 &&
		!isTS(tokens[len(tokens)-2]) && isTS(tokens[len(tokens)-1])

	newSegment := func(toks []int32, start, end float64) Segment {
		return Segment{
			Seek:             seek,
			Start:            start,
			End:              end,
			Text:             t.tok.Decode(int32sToInts(toks)),
			Tokens:           toks,
			AvgLogprob:       result.AvgLogprob,
			CompressionRatio: result.CompressionRatio,
			NoSpeechProb:     result.NoSpeechProb,
			Temperature:      result.Temperature,
		}
	}

	var out []Segment
	if len(consecutive) > 0 {
		cuts := consecutive
		if singleTimestampEnding {
			// The trailing run after the last closed pair still ends on a
			// timestamp; commit it too, since the full-window advance means
			// it is never decoded again.
			cuts = append(cuts, len(tokens))
		}
		lastSlice := 0
		for _, cut := range cuts {
			sliced := tokens[lastSlice:cut]
			startPos := int(sliced[0]) - s.TimestampBegin
			endPos := int(sliced[len(sliced)-1]) - s.TimestampBegin
			out = append(out, newSegment(sliced,
				timeOffset+float64(startPos)*precision,
				timeOffset+float64(endPos)*precision))
			lastSlice = cut
		}
		if singleTimestampEnding {
			return out, segmentSamples
		}
		lastPos := int(tokens[lastSlice-1]) - s.TimestampBegin
		return out, lastPos * samplesPerPosition
	}

	// No pair structure: one segment spanning the window, bounded by the
	// final timestamp when one exists.
	duration := segmentDuration
	lastTS := -1
	for _, tok := range tokens {
		if isTS(tok) {
			lastTS = int(tok)
		}
	}
	if lastTS > s.TimestampBegin {
		duration = float64(lastTS-s.TimestampBegin) * precision
	}
	out = append(out, newSegment(tokens, timeOffset, timeOffset+duration))
	return out, segmentSamples
}

// annotateWords attaches DTW word timings to each committed segment.
// Alignment failure only costs the annotation.
func (t *Transcriber) annotateWords(ctx context.Context, enc *backends.EncoderOutput, window *backends.AudioWindow, segs []Segment, language string, opts Options, timeOffset float64) {
	sotSeq, err := tokenizer.SOTSequence(t.tok, opts.Task, language)
	if err != nil {
		return
	}
	for i := range segs {
		timings, err := t.align.Align(ctx, enc, sotSeq, segs[i].Tokens, window.ContentFrames)
		if err != nil {
			alignmentSkipOps.Inc()
			t.logger.Debug("Skipping word alignment",
				zap.Int("segment", segs[i].ID),
				zap.Error(err))
			continue
		}
		words := make([]Word, 0, len(timings))
		for _, wt := range timings {
			words = append(words, Word{
				Word:        wt.Word,
				Start:       timeOffset + wt.Start,
				End:         timeOffset + wt.End,
				Probability: wt.Probability,
			})
		}
		segs[i].Words = words
	}
}

func tokensHash(tokens []int32) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:], uint32(t))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func int32sToInts(tokens []int32) []int {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		out[i] = int(t)
	}
	return out
}
