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

// Package tokenizer provides the text/token capability used by the
// decoding layer: BPE encode/decode plus the special-token layout
// (start-of-transcript, language tags, task tags, timestamps).
//
// Two variants exist, selected once at configuration time: a
// tiktoken-backed English-only tokenizer and a HuggingFace
// tokenizer.json-backed multilingual tokenizer. Both expose the same
// fixed interface; nothing downstream branches on the variant.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
)

// Task selects the decoding objective.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// SpecialTokens describes the id layout of the non-text vocabulary. The
// vocabulary is partitioned into text tokens [0, EOT], special tokens
// (EOT..TimestampBegin) and timestamp tokens [TimestampBegin, VocabSize).
type SpecialTokens struct {
	// EOT is the end-of-text token.
	EOT int
	// SOT is the start-of-transcript token.
	SOT int
	// LanguageBase is the first language tag; language tags occupy
	// [LanguageBase, LanguageBase+NumLanguages).
	LanguageBase int
	// NumLanguages is the number of language tags.
	NumLanguages int
	// Translate and Transcribe are the task tags.
	Translate  int
	Transcribe int
	// SOTPrev opens the carried-over prompt from the previous window.
	SOTPrev int
	// NoSpeech is the token whose probability at the SOT position
	// estimates that the window contains no speech.
	NoSpeech int
	// NoTimestamps disables timestamp decoding.
	NoTimestamps int
	// TimestampBegin is <|0.00|>; timestamp tokens run from here to the
	// end of the vocabulary at fixed 20 ms resolution.
	TimestampBegin int
	// VocabSize is the total vocabulary size.
	VocabSize int
}

// IsTimestamp reports whether id is a timestamp token.
func (s SpecialTokens) IsTimestamp(id int) bool {
	return id >= s.TimestampBegin && id < s.VocabSize
}

// IsText reports whether id is an ordinary text token.
func (s SpecialTokens) IsText(id int) bool {
	return id < s.EOT
}

// TimestampValue returns the offset in seconds encoded by a timestamp
// token at the given resolution.
func (s SpecialTokens) TimestampValue(id int, precision float64) float64 {
	return float64(id-s.TimestampBegin) * precision
}

// Tokenizer is the text capability required by the decoding layer.
type Tokenizer interface {
	// Encode converts text to token ids (text tokens only).
	Encode(text string) ([]int, error)
	// Decode converts token ids back to text, skipping non-text tokens.
	Decode(tokens []int) string
	// Specials returns the special-token layout.
	Specials() SpecialTokens
	// IsMultilingual reports whether the vocabulary carries language tags
	// beyond English.
	IsMultilingual() bool
	// LanguageToken returns the tag id for an ISO 639-1 code.
	LanguageToken(lang string) (int, error)
}

// languageCodes lists the supported language tags in vocabulary order.
var languageCodes = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr", "pl",
	"ca", "nl", "ar", "sv", "it", "id", "hi", "fi", "vi", "he", "uk",
	"el", "ms", "cs", "ro", "da", "hu", "ta", "no", "th", "ur", "hr",
	"bg", "lt", "la", "mi", "ml", "cy", "sk", "te", "fa", "lv", "bn",
	"sr", "az", "sl", "kn", "et", "mk", "br", "eu", "is", "hy", "ne",
	"mn", "bs", "kk", "sq", "sw", "gl", "mr", "pa", "si", "km", "sn",
	"yo", "so", "af", "oc", "ka", "be", "tg", "sd", "gu", "am", "yi",
	"lo", "uz", "fo", "ht", "ps", "tk", "nn", "mt", "sa", "lb", "my",
	"bo", "tl", "mg", "as", "tt", "haw", "ln", "ha", "ba", "jw", "su",
}

// NumLanguages is the size of the language tag block.
const NumLanguages = 99

// LanguageIndex returns the position of an ISO code in the tag block.
func LanguageIndex(lang string) (int, error) {
	lang = strings.ToLower(lang)
	for i, code := range languageCodes {
		if code == lang {
			return i, nil
		}
	}
	return 0, fmt.Errorf("tokenizer: unsupported language %q", lang)
}

// LanguageCode returns the ISO code at a tag-block position.
func LanguageCode(index int) (string, error) {
	if index < 0 || index >= len(languageCodes) {
		return "", fmt.Errorf("tokenizer: language index %d out of range", index)
	}
	return languageCodes[index], nil
}

// SOTSequence builds the forced opening of every attempt:
// <|startoftranscript|> [<|lang|> <|task|>] for multilingual models, the
// bare SOT token for English-only ones.
func SOTSequence(t Tokenizer, task Task, language string) ([]int, error) {
	s := t.Specials()
	seq := []int{s.SOT}
	if !t.IsMultilingual() {
		return seq, nil
	}
	langTok, err := t.LanguageToken(language)
	if err != nil {
		return nil, err
	}
	seq = append(seq, langTok)
	switch task {
	case TaskTranslate:
		seq = append(seq, s.Translate)
	case TaskTranscribe, "":
		seq = append(seq, s.Transcribe)
	default:
		return nil, fmt.Errorf("tokenizer: unknown task %q", task)
	}
	return seq, nil
}

// nonSpeechSymbols are artifacts the model should never emit mid-speech:
// bracketing, music notation and similar annotation glyphs.
var nonSpeechSymbols = []string{
	`"`, "#", "(", ")", "*", "+", "/", ":", ";", "<", "=", ">", "@",
	"[", "\\", "]", "^", "_", "`", "{", "|", "}", "~",
	"「", "」", "『", "』", "<<", ">>", "<<<", ">>>", "--", "---", "-(",
	"(\"", "(((", ")))", "i~", "♪", "♩", "♫", "♬", "♭", "♮", "♯",
}

// NonSpeechTokens derives the default suppression set: every symbol (bare
// and space-prefixed) that BPE-encodes to a single token, plus the
// tokens for "-" and "'" in their bare forms.
func NonSpeechTokens(t Tokenizer) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(text string) {
		ids, err := t.Encode(text)
		if err != nil || len(ids) != 1 {
			return
		}
		if !seen[ids[0]] {
			seen[ids[0]] = true
			out = append(out, ids[0])
		}
	}
	add(" -")
	add(" '")
	for _, sym := range nonSpeechSymbols {
		add(sym)
		add(" " + sym)
	}
	return out
}

// WordTokens is one whole word with the sub-word token ids that compose it.
type WordTokens struct {
	Word   string
	Tokens []int
}

// SplitToWords merges consecutive sub-word tokens into whole words. A new
// word starts at a token whose decoded text begins with a space or which
// is pure punctuation; special and timestamp tokens are skipped.
func SplitToWords(t Tokenizer, tokens []int) []WordTokens {
	s := t.Specials()
	var words []WordTokens
	for _, tok := range tokens {
		if !s.IsText(tok) {
			continue
		}
		piece := t.Decode([]int{tok})
		startsNew := len(words) == 0 ||
			strings.HasPrefix(piece, " ") ||
			isPunct(piece)
		if startsNew {
			words = append(words, WordTokens{Word: piece, Tokens: []int{tok}})
			continue
		}
		last := &words[len(words)-1]
		last.Word += piece
		last.Tokens = append(last.Tokens, tok)
	}
	return words
}

func isPunct(piece string) bool {
	trimmed := strings.TrimSpace(piece)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if !unicode.IsPunct(r) {
			return false
		}
	}
	return true
}
