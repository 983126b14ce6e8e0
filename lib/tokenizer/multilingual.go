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

package tokenizer

import (
	"fmt"
	"path/filepath"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// MultilingualTokenizer is backed by the model's tokenizer.json via the
// sugarme tokenizer library. The special-token layout is derived from the
// loaded vocabulary rather than hardcoded, so restricted vocabularies load
// the same way.
type MultilingualTokenizer struct {
	tk       *tokenizer.Tokenizer
	specials SpecialTokens
}

// NewMultilingualTokenizer loads tokenizer.json from a model directory.
func NewMultilingualTokenizer(modelPath string) (*MultilingualTokenizer, error) {
	path := filepath.Join(modelPath, "tokenizer.json")
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer.json from %s: %w", modelPath, err)
	}

	lookup := func(token string) (int, error) {
		id, ok := tk.TokenToId(token)
		if !ok {
			return 0, fmt.Errorf("tokenizer.json is missing %s", token)
		}
		return id, nil
	}

	var s SpecialTokens
	var errs []error
	get := func(token string) int {
		id, err := lookup(token)
		if err != nil {
			errs = append(errs, err)
		}
		return id
	}
	s.EOT = get("<|endoftext|>")
	s.SOT = get("<|startoftranscript|>")
	s.LanguageBase = get("<|en|>")
	s.NumLanguages = NumLanguages
	s.Translate = get("<|translate|>")
	s.Transcribe = get("<|transcribe|>")
	s.SOTPrev = get("<|startofprev|>")
	s.NoSpeech = get("<|nospeech|>")
	s.NoTimestamps = get("<|notimestamps|>")
	if len(errs) > 0 {
		return nil, errs[0]
	}
	// Timestamp tokens follow <|notimestamps|>; many tokenizer.json files
	// do not list them explicitly, so the range is derived.
	s.TimestampBegin = s.NoTimestamps + 1
	s.VocabSize = s.TimestampBegin + numTimestampTokens

	return &MultilingualTokenizer{tk: tk, specials: s}, nil
}

// Encode converts text to token ids without adding special tokens.
func (t *MultilingualTokenizer) Encode(text string) ([]int, error) {
	enc, err := t.tk.EncodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("encoding text: %w", err)
	}
	return enc.Ids, nil
}

// Decode converts token ids to text, skipping non-text tokens.
func (t *MultilingualTokenizer) Decode(tokens []int) string {
	kept := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if tok < t.specials.EOT {
			kept = append(kept, tok)
		}
	}
	return t.tk.Decode(kept, true)
}

// Specials returns the special-token layout.
func (t *MultilingualTokenizer) Specials() SpecialTokens { return t.specials }

// IsMultilingual reports true.
func (t *MultilingualTokenizer) IsMultilingual() bool { return true }

// LanguageToken returns the tag id for an ISO 639-1 code.
func (t *MultilingualTokenizer) LanguageToken(lang string) (int, error) {
	idx, err := LanguageIndex(lang)
	if err != nil {
		return 0, err
	}
	return t.specials.LanguageBase + idx, nil
}
