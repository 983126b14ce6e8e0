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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/decoding"
	"github.com/antflydb/localwhisper/lib/tokenizer"
)

// attemptOutcome is the fallback controller's verdict for one window.
type attemptOutcome struct {
	result *decoding.Result
	// accepted is false only when the ladder was exhausted and the final
	// attempt force-accepted.
	accepted bool
	// silence means the no-speech rule fired; the caller clears the text.
	silence bool
}

// fallbackController retries one window across the ascending temperature
// ladder. Beam search is only used at temperature 0; above it, sampling
// is forced. Every attempt builds a fresh task (and with it a fresh KV
// cache) so nothing leaks between retries.
type fallbackController struct {
	model  backends.Model
	tok    tokenizer.Tokenizer
	audio  *backends.AudioConfig
	opts   Options
	logger *zap.Logger
}

// decode runs the ladder for one window and always returns a usable
// outcome: the pipeline makes forward progress even when every threshold
// fails.
func (f *fallbackController) decode(ctx context.Context, enc *backends.EncoderOutput, language string, prompt []int) (*attemptOutcome, error) {
	if len(f.opts.Temperatures) == 0 {
		return nil, fmt.Errorf("transcribing: empty temperature ladder")
	}

	var last *decoding.Result
	for i, temp := range f.opts.Temperatures {
		decOpts := f.attemptOptions(temp, language, prompt)

		task, err := decoding.NewTask(f.model, f.tok, decOpts, f.audio)
		if err != nil {
			return nil, err
		}
		result, err := task.Run(ctx, enc)
		if errors.Is(err, decoding.ErrInvalidTimestamp) {
			// Abandon this attempt and climb the ladder.
			fallbackRetryOps.WithLabelValues("invalid_timestamps").Inc()
			f.logger.Debug("Attempt produced malformed timestamps",
				zap.Float64("temperature", temp),
				zap.Int("attempt", i))
			continue
		}
		if err != nil {
			return nil, err
		}
		last = result

		if f.isSilence(result) {
			silenceWindowOps.Inc()
			return &attemptOutcome{result: result, accepted: true, silence: true}, nil
		}

		reason, ok := f.check(result)
		if ok {
			return &attemptOutcome{result: result, accepted: true}, nil
		}
		fallbackRetryOps.WithLabelValues(reason).Inc()
		f.logger.Debug("Attempt rejected, retrying at higher temperature",
			zap.Float64("temperature", temp),
			zap.String("reason", reason),
			zap.Float64("avgLogprob", result.AvgLogprob),
			zap.Float64("compressionRatio", result.CompressionRatio))
	}

	if last == nil {
		// Every rung failed the grammar check. Retry the top temperature
		// without timestamps rather than dropping the window.
		decOpts := f.attemptOptions(f.opts.Temperatures[len(f.opts.Temperatures)-1], language, prompt)
		decOpts.WithoutTimestamps = true
		task, err := decoding.NewTask(f.model, f.tok, decOpts, f.audio)
		if err != nil {
			return nil, err
		}
		last, err = task.Run(ctx, enc)
		if err != nil {
			return nil, err
		}
	}

	f.logger.Info("Temperature ladder exhausted, force-accepting final attempt",
		zap.Float64("temperature", last.Temperature),
		zap.Float64("avgLogprob", last.AvgLogprob))
	if f.isSilence(last) {
		silenceWindowOps.Inc()
		return &attemptOutcome{result: last, accepted: true, silence: true}, nil
	}
	return &attemptOutcome{result: last, accepted: false}, nil
}

// attemptOptions derives per-attempt decoding options from the stream
// options and one ladder temperature.
func (f *fallbackController) attemptOptions(temp float64, language string, prompt []int) decoding.Options {
	o := decoding.DefaultOptions()
	o.Task = f.opts.Task
	o.Language = language
	o.Temperature = temp
	o.Prompt = prompt
	o.SuppressTokens = f.opts.SuppressTokens
	o.WithoutTimestamps = f.opts.WithoutTimestamps
	o.MaxInitialTimestamp = f.opts.MaxInitialTimestamp
	o.LengthPenalty = f.opts.LengthPenalty
	o.Seed = f.opts.Seed
	if temp == 0 {
		o.BeamSize = f.opts.BeamSize
		if f.opts.Patience > 0 {
			o.Patience = f.opts.Patience
		}
	} else {
		o.BestOf = f.opts.BestOf
	}
	return o
}

// check applies the acceptance rule. It returns the first failing reason
// and whether the attempt passed.
func (f *fallbackController) check(r *decoding.Result) (string, bool) {
	if f.opts.CompressionRatioThreshold > 0 && r.CompressionRatio > f.opts.CompressionRatioThreshold {
		return "compression_ratio", false
	}
	if r.AvgLogprob < f.opts.LogProbThreshold {
		return "avg_logprob", false
	}
	return "", true
}

// isSilence applies the silence rule: a confident no-speech estimate
// combined with a weak logprob clears the window regardless of tokens.
func (f *fallbackController) isSilence(r *decoding.Result) bool {
	return f.opts.NoSpeechThreshold > 0 &&
		r.NoSpeechProb > f.opts.NoSpeechThreshold &&
		r.AvgLogprob < f.opts.LogProbThreshold
}
