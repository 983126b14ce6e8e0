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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/localwhisper/lib/backends"
)

// pairedScript yields "<|0.00|> one <|1.00|><|1.00|> two <|2.00|><|2.00|>":
// two closed segments, so the scheduler advances only to the 2.00s mark.
func pairedScript() []int32 {
	return []int32{
		testTSBegin, 10, testTSBegin + 50,
		testTSBegin + 50, 11, testTSBegin + 100,
		testTSBegin + 100, testEOT,
	}
}

// tailScript yields "<|0.00|> three <|2.00|>": a single unclosed segment
// that consumes the full window.
func tailScript() []int32 {
	return []int32{testTSBegin, 12, testTSBegin + 100, testEOT}
}

// splitScript yields "<|0.00|> one <|1.00|><|1.00|> two <|2.00|>": a
// closed pair followed by a trailing run that ends on a lone timestamp.
func splitScript() []int32 {
	return []int32{
		testTSBegin, 10, testTSBegin + 50,
		testTSBegin + 50, 11, testTSBegin + 100,
		testEOT,
	}
}

func TestTranscribeAdaptiveSeekAdvance(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{pairedScript(), tailScript()}, 10, 0)
	// 32 seconds: the first window ends at the 2.00s pair boundary, the
	// second covers the rest.
	extractor := &memExtractor{total: 32 * audio.SampleRate, audio: audio}

	tr := New(model, testTok{})
	transcript, err := tr.Transcribe(context.Background(), extractor, DefaultTranscribeOptions())
	require.NoError(t, err)

	assert.Equal(t, "one two three", transcript.Text)
	require.Len(t, transcript.Segments, 3)

	// Window one: two closed pairs.
	assert.Equal(t, 0, transcript.Segments[0].Seek)
	assert.InDelta(t, 0.0, transcript.Segments[0].Start, 1e-9)
	assert.InDelta(t, 1.0, transcript.Segments[0].End, 1e-9)
	assert.Equal(t, " one", transcript.Segments[0].Text)
	assert.InDelta(t, 1.0, transcript.Segments[1].Start, 1e-9)
	assert.InDelta(t, 2.0, transcript.Segments[1].End, 1e-9)

	// Window two starts where the last closed pair ended, not at 30s.
	assert.Equal(t, 2*audio.SampleRate, transcript.Segments[2].Seek)
	assert.InDelta(t, 2.0, transcript.Segments[2].Start, 1e-9)
	assert.InDelta(t, 4.0, transcript.Segments[2].End, 1e-9)
	assert.Equal(t, " three", transcript.Segments[2].Text)

	// Segment ids are sequential and every window made strict progress.
	for i, seg := range transcript.Segments {
		assert.Equal(t, i, seg.ID)
	}
	assert.Greater(t, transcript.Segments[2].Seek, transcript.Segments[0].Seek)
}

func TestTranscribeCommitsTrailingRunOnLoneTimestampEnding(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{splitScript(), tailScript()}, 10, 0)
	// 40 seconds: the first window ends on a lone timestamp, so the
	// scheduler advances the full 30s and never revisits the tail. The
	// " two" run after the closed pair must still be committed.
	extractor := &memExtractor{total: 40 * audio.SampleRate, audio: audio}

	tr := New(model, testTok{})
	transcript, err := tr.Transcribe(context.Background(), extractor, DefaultTranscribeOptions())
	require.NoError(t, err)

	assert.Equal(t, "one two three", transcript.Text)
	require.Len(t, transcript.Segments, 3)
	assert.Equal(t, " two", transcript.Segments[1].Text)
	assert.InDelta(t, 1.0, transcript.Segments[1].Start, 1e-9)
	assert.InDelta(t, 2.0, transcript.Segments[1].End, 1e-9)
	// Full-window advance, not the 2.00s pair boundary.
	assert.Equal(t, 30*audio.SampleRate, transcript.Segments[2].Seek)
}

func TestTranscribeSilenceEmitsEmptySegment(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	// Weak margin plus confident no-speech: the silence rule fires.
	model := newScriptedModel([][]int32{cleanScript()}, 3, 10)
	extractor := &memExtractor{total: 10 * audio.SampleRate, audio: audio}

	tr := New(model, testTok{})
	transcript, err := tr.Transcribe(context.Background(), extractor, DefaultTranscribeOptions())
	require.NoError(t, err)

	assert.Equal(t, "", transcript.Text)
	require.Len(t, transcript.Segments, 1)
	seg := transcript.Segments[0]
	assert.Equal(t, "", seg.Text)
	assert.InDelta(t, 0.0, seg.Start, 1e-9)
	assert.InDelta(t, 10.0, seg.End, 1e-9)
	assert.Greater(t, seg.NoSpeechProb, 0.6)
	assert.Equal(t, 0, model.attempt, "one attempt, no ladder climb")
}

func TestTranscribeUnclosedTailAdvancesFullWindow(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{tailScript()}, 10, 0)
	// 40 seconds: window one covers 30s despite its 2.00s final
	// timestamp, window two the remaining 10s.
	extractor := &memExtractor{total: 40 * audio.SampleRate, audio: audio}

	tr := New(model, testTok{})
	transcript, err := tr.Transcribe(context.Background(), extractor, DefaultTranscribeOptions())
	require.NoError(t, err)

	require.Len(t, transcript.Segments, 2)
	assert.Equal(t, 0, transcript.Segments[0].Seek)
	assert.Equal(t, 30*audio.SampleRate, transcript.Segments[1].Seek)
	assert.InDelta(t, 30.0, transcript.Segments[1].Start, 1e-9)
}

func TestTranscribeCarriesPromptAcrossWindows(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{tailScript()}, 10, 0)
	extractor := &memExtractor{total: 40 * audio.SampleRate, audio: audio}

	tr := New(model, testTok{})
	_, err := tr.Transcribe(context.Background(), extractor, DefaultTranscribeOptions())
	require.NoError(t, err)

	require.Len(t, model.firstStepTokens, 2)
	// Window one starts bare: [SOT].
	assert.Equal(t, int32(testSOT), model.firstStepTokens[0][0])
	// Window two carries the committed tokens behind a SOTPrev marker.
	second := model.firstStepTokens[1]
	require.Greater(t, len(second), len(model.firstStepTokens[0]))
	assert.Equal(t, int32(testSOTPrev), second[0])
	assert.Contains(t, second, int32(12), "previous window's text token")
}

func TestTranscribeWithoutConditioningKeepsWindowsBare(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{tailScript()}, 10, 0)
	extractor := &memExtractor{total: 40 * audio.SampleRate, audio: audio}

	opts := DefaultTranscribeOptions()
	opts.ConditionOnPreviousText = false

	tr := New(model, testTok{})
	_, err := tr.Transcribe(context.Background(), extractor, opts)
	require.NoError(t, err)

	require.Len(t, model.firstStepTokens, 2)
	assert.Equal(t, int32(testSOT), model.firstStepTokens[1][0])
}

func TestTranscribeInitialPromptSeedsFirstWindow(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{tailScript()}, 10, 0)
	extractor := &memExtractor{total: 10 * audio.SampleRate, audio: audio}

	opts := DefaultTranscribeOptions()
	opts.InitialPrompt = "one two"

	tr := New(model, testTok{})
	_, err := tr.Transcribe(context.Background(), extractor, opts)
	require.NoError(t, err)

	require.NotEmpty(t, model.firstStepTokens)
	first := model.firstStepTokens[0]
	assert.Equal(t, int32(testSOTPrev), first[0])
	assert.Contains(t, first, int32(10))
	assert.Contains(t, first, int32(11))
}

func TestTranscribeRejectsBadStreams(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	model := newScriptedModel([][]int32{cleanScript()}, 10, 0)
	tr := New(model, testTok{})

	_, err := tr.Transcribe(context.Background(), &memExtractor{total: 0, audio: audio}, DefaultTranscribeOptions())
	assert.Error(t, err, "zero-length stream")

	opts := DefaultTranscribeOptions()
	opts.Temperatures = []float64{0.8, 0.2}
	_, err = tr.Transcribe(context.Background(), &memExtractor{total: audio.SampleRate, audio: audio}, opts)
	assert.Error(t, err, "non-ascending ladder")
}

func TestTranscribeWordTimestampFailureIsNotFatal(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	// The scripted model cannot capture attention, so alignment is
	// skipped and segments come back without words.
	model := newScriptedModel([][]int32{tailScript()}, 10, 0)
	extractor := &memExtractor{total: 10 * audio.SampleRate, audio: audio}

	opts := DefaultTranscribeOptions()
	opts.WordTimestamps = true

	tr := New(model, testTok{})
	transcript, err := tr.Transcribe(context.Background(), extractor, opts)
	require.NoError(t, err)
	require.Len(t, transcript.Segments, 1)
	assert.Empty(t, transcript.Segments[0].Words)
	assert.Equal(t, " three", transcript.Segments[0].Text)
}

func TestOpenFeatureFileValidation(t *testing.T) {
	audio := backends.DefaultAudioConfig()
	_, err := OpenFeatureFile(t.TempDir()+"/missing.mel", audio)
	assert.Error(t, err)
}
