// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/localwhisper/lib/backends"
	"github.com/antflydb/localwhisper/lib/tokenizer"
	"github.com/antflydb/localwhisper/lib/transcribing"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Transcribe precomputed log-mel features",
	Long: `Transcribe a stream of precomputed log-mel features with a local
Whisper-family model and print the transcript as JSON.

The features file holds little-endian float32 frames, 80 mel bins per
frame, as written by the feature extraction tool.

Examples:
  # Transcribe with automatic language detection
  localwhisper transcribe --model ~/.localwhisper/models/base --features clip.mel

  # Force a language and emit word timestamps
  localwhisper transcribe --model ... --features clip.mel --language de --word-timestamps`,
	RunE: runTranscribe,
}

func init() {
	rootCmd.AddCommand(transcribeCmd)

	transcribeCmd.Flags().String("features", "", "log-mel features file (required)")
	transcribeCmd.Flags().String("language", "", "ISO 639-1 language tag (empty = auto-detect)")
	transcribeCmd.Flags().String("task", "transcribe", "task (transcribe, translate)")
	transcribeCmd.Flags().String("initial-prompt", "", "text to condition the first window on")
	transcribeCmd.Flags().Int("beam-size", 0, "beam width at temperature 0 (0 = greedy)")
	transcribeCmd.Flags().Int("best-of", 5, "candidates drawn at nonzero temperatures")
	transcribeCmd.Flags().Bool("word-timestamps", false, "attach per-word timings to segments")
	transcribeCmd.Flags().Bool("no-timestamps", false, "decode without the timestamp grammar")
	transcribeCmd.Flags().StringSlice("backend-priority", nil, "preferred backend order")
	mustBindPFlag("backend_priority", transcribeCmd.Flags().Lookup("backend-priority"))

	if err := transcribeCmd.MarkFlagRequired("features"); err != nil {
		panic(err)
	}
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	modelPath := viper.GetString("model_dir")
	if modelPath == "" {
		return fmt.Errorf("--model is required")
	}

	model, err := backends.OpenModel(modelPath, viper.GetStringSlice("backend_priority"))
	if err != nil {
		if errors.Is(err, backends.ErrNoBackend) {
			return fmt.Errorf("no inference backend compiled into this binary; rebuild with a backend build tag")
		}
		return fmt.Errorf("opening model %s: %w", modelPath, err)
	}

	tok, err := openTokenizer(modelPath)
	if err != nil {
		_ = model.Close()
		return err
	}

	featuresPath, _ := cmd.Flags().GetString("features")
	audio := backends.DefaultAudioConfig()
	extractor, err := transcribing.OpenFeatureFile(featuresPath, audio)
	if err != nil {
		_ = model.Close()
		return fmt.Errorf("opening features %s: %w", featuresPath, err)
	}

	opts := transcribing.DefaultTranscribeOptions()
	opts.Language, _ = cmd.Flags().GetString("language")
	opts.InitialPrompt, _ = cmd.Flags().GetString("initial-prompt")
	opts.BeamSize, _ = cmd.Flags().GetInt("beam-size")
	opts.BestOf, _ = cmd.Flags().GetInt("best-of")
	opts.WordTimestamps, _ = cmd.Flags().GetBool("word-timestamps")
	opts.WithoutTimestamps, _ = cmd.Flags().GetBool("no-timestamps")
	if task, _ := cmd.Flags().GetString("task"); task == "translate" {
		opts.Task = tokenizer.TaskTranslate
	}

	tr := transcribing.New(model, tok,
		transcribing.WithLogger(logger),
		transcribing.WithAudioConfig(audio))
	defer func() {
		_ = tr.Close()
	}()

	transcript, err := tr.Transcribe(ctx, extractor, opts)
	if err != nil {
		return err
	}

	logger.Info("Transcription complete",
		zap.String("language", transcript.Language),
		zap.Int("segments", len(transcript.Segments)))

	enc := sonic.ConfigDefault.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(transcript)
}

// openTokenizer picks the tokenizer matching the model layout: a
// tokenizer.json marks a multilingual vocabulary, otherwise the
// English-only GPT-2 encoding applies.
func openTokenizer(modelPath string) (tokenizer.Tokenizer, error) {
	if _, err := os.Stat(filepath.Join(modelPath, "tokenizer.json")); err == nil {
		tok, err := tokenizer.NewMultilingualTokenizer(modelPath)
		if err != nil {
			return nil, fmt.Errorf("loading multilingual tokenizer: %w", err)
		}
		return tok, nil
	}
	tok, err := tokenizer.NewGPT2Tokenizer()
	if err != nil {
		return nil, fmt.Errorf("loading gpt2 tokenizer: %w", err)
	}
	return tok, nil
}
