package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special tokens used by BERT vocabularies.
const (
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenUNK = "[UNK]"
	tokenPAD = "[PAD]"

	continuationPrefix = "##"

	// maxWordChars matches the HuggingFace BERT tokenizer: longer words map
	// straight to [UNK].
	maxWordChars = 100
)

var errEmptyVocab = errors.New("tokenizer has an empty vocabulary")

// wordPiece is an uncased BERT WordPiece tokenizer.
type wordPiece struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
	pad   int64
}

// loadWordPiece reads the vocabulary from a HuggingFace tokenizer.json.
func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errEmptyVocab)
	}
	return newWordPiece(doc.Model.Vocab), nil
}

func newWordPiece(vocab map[string]int64) *wordPiece {
	id := func(token string, fallback int64) int64 {
		if v, ok := vocab[token]; ok {
			return v
		}
		return fallback
	}
	return &wordPiece{
		vocab: vocab,
		cls:   id(tokenCLS, 101),
		sep:   id(tokenSEP, 102),
		unk:   id(tokenUNK, 100),
		pad:   id(tokenPAD, 0),
	}
}

// tokenize lowercases text, splits it on whitespace and punctuation, and
// maps every word to its greedy longest-match subwords.
func (t *wordPiece) tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		ids = append(ids, t.subwords(word)...)
	}
	return ids
}

func (t *wordPiece) subwords(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []int64{t.unk}
	}

	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		var match int64 = -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = continuationPrefix + piece
			}
			if id, ok := t.vocab[piece]; ok {
				match = id
				break
			}
		}
		// A word with any unmatched remainder is unknown as a whole.
		if match < 0 {
			return []int64{t.unk}
		}
		ids = append(ids, match)
		start = end
	}
	return ids
}

// splitWords splits on whitespace and emits every punctuation rune as its
// own word, like the BERT basic tokenizer.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// encoding is one padded model input.
type encoding struct {
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
	attended      int
}

// encode wraps the tokens of text in [CLS]/[SEP] and pads to seqLen.
func (t *wordPiece) encode(text string, seqLen int) encoding {
	tokens := t.tokenize(text)
	if len(tokens) > seqLen-2 {
		tokens = tokens[:seqLen-2]
	}

	enc := encoding{
		inputIDs:      make([]int64, seqLen),
		attentionMask: make([]int64, seqLen),
		tokenTypeIDs:  make([]int64, seqLen),
		attended:      len(tokens) + 2,
	}
	for i := range enc.inputIDs {
		enc.inputIDs[i] = t.pad
	}
	enc.inputIDs[0] = t.cls
	copy(enc.inputIDs[1:], tokens)
	enc.inputIDs[len(tokens)+1] = t.sep
	for i := 0; i < enc.attended; i++ {
		enc.attentionMask[i] = 1
	}
	return enc
}
