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

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// numTimestampTokens covers 0.00s..30.00s inclusive at 20 ms resolution.
const numTimestampTokens = 1501

// GPT2Tokenizer is the English-only variant backed by tiktoken's GPT-2
// BPE vocabulary (r50k_base). Special and timestamp tokens are appended
// after the base vocabulary.
type GPT2Tokenizer struct {
	bpe      *tiktoken.Tiktoken
	specials SpecialTokens
}

// NewGPT2Tokenizer creates the English-only tokenizer from the embedded
// BPE dictionary.
func NewGPT2Tokenizer() (*GPT2Tokenizer, error) {
	bpe, err := tiktoken.GetEncoding("r50k_base")
	if err != nil {
		return nil, fmt.Errorf("loading r50k_base encoding: %w", err)
	}
	// GPT-2's <|endoftext|> sits at the end of the base vocabulary;
	// everything after it is appended in a fixed order.
	return &GPT2Tokenizer{
		bpe:      bpe,
		specials: layoutSpecials(50256),
	}, nil
}

// layoutSpecials derives the appended special-token layout from the EOT id.
func layoutSpecials(eot int) SpecialTokens {
	sot := eot + 1
	langBase := sot + 1
	translate := langBase + NumLanguages
	transcribe := translate + 1
	sotLM := transcribe + 1
	sotPrev := sotLM + 1
	noSpeech := sotPrev + 1
	noTimestamps := noSpeech + 1
	timestampBegin := noTimestamps + 1
	return SpecialTokens{
		EOT:            eot,
		SOT:            sot,
		LanguageBase:   langBase,
		NumLanguages:   NumLanguages,
		Translate:      translate,
		Transcribe:     transcribe,
		SOTPrev:        sotPrev,
		NoSpeech:       noSpeech,
		NoTimestamps:   noTimestamps,
		TimestampBegin: timestampBegin,
		VocabSize:      timestampBegin + numTimestampTokens,
	}
}

// Encode converts text to BPE token ids.
func (t *GPT2Tokenizer) Encode(text string) ([]int, error) {
	return t.bpe.Encode(text, nil, nil), nil
}

// Decode converts token ids to text, skipping non-text tokens.
func (t *GPT2Tokenizer) Decode(tokens []int) string {
	kept := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if tok < t.specials.EOT {
			kept = append(kept, tok)
		}
	}
	return t.bpe.Decode(kept)
}

// Specials returns the special-token layout.
func (t *GPT2Tokenizer) Specials() SpecialTokens { return t.specials }

// IsMultilingual reports false: this variant transcribes English only.
func (t *GPT2Tokenizer) IsMultilingual() bool { return false }

// LanguageToken returns the tag id for an ISO 639-1 code. Only "en" is
// meaningful for this variant but the full tag block exists in the layout.
func (t *GPT2Tokenizer) LanguageToken(lang string) (int, error) {
	idx, err := LanguageIndex(lang)
	if err != nil {
		return 0, err
	}
	return t.specials.LanguageBase + idx, nil
}
