package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultMaxSeqLen is the longest sequence a BERT-style backbone accepts.
const DefaultMaxSeqLen = 512

// Tokenizer converts raw text to model-ready token IDs and attention masks.
// Every row of one Tokenize call has the same length: the longest encoded
// text, capped at MaxSeqLen.
type Tokenizer interface {
	Tokenize(texts []string) (inputIDs [][]int64, attentionMasks [][]int64, err error)
	MaxSeqLen() int
	Special() SpecialTokens
}

// Config holds basic tokenizer settings
type Config struct {
	Kind      string
	VocabPath string
	MaxSeqLen int
}

// SpecialTokens holds the ids of the BERT boundary and padding tokens.
type SpecialTokens struct {
	Pad int64
	Unk int64
	CLS int64
	SEP int64
}

// ErrUnsupported indicates the tokenizer could not be initialized
var ErrUnsupported = fmt.Errorf("unsupported tokenizer configuration")

// New builds the tokenizer named by cfg.Kind ("sugarme" or "wordpiece").
func New(cfg Config) (Tokenizer, error) {
	maxSeq := cfg.MaxSeqLen
	if maxSeq <= 0 {
		maxSeq = DefaultMaxSeqLen
	}
	if maxSeq < 2 {
		return nil, fmt.Errorf("%w: max sequence length %d leaves no room for [CLS] and [SEP]", ErrUnsupported, maxSeq)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "sugarme", "bert":
		return NewSugarWordPiece(cfg.VocabPath, maxSeq)
	case "wordpiece", "":
		return LoadWordPieceFromVocab(cfg.VocabPath, maxSeq)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupported, cfg.Kind)
	}
}

// readVocab returns vocab tokens in id order. Blank lines are kept so line
// numbers stay equal to ids.
func readVocab(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty vocab %s", ErrUnsupported, path)
	}
	return tokens, nil
}

// lookupSpecial finds the special token ids in a vocab, falling back to the
// bert-base-uncased positions.
func lookupSpecial(tokens []string) SpecialTokens {
	sp := SpecialTokens{Pad: 0, Unk: 100, CLS: 101, SEP: 102}
	for id, tok := range tokens {
		switch strings.TrimSpace(tok) {
		case "[PAD]":
			sp.Pad = int64(id)
		case "[UNK]":
			sp.Unk = int64(id)
		case "[CLS]":
			sp.CLS = int64(id)
		case "[SEP]":
			sp.SEP = int64(id)
		}
	}
	return sp
}

// frame wraps content ids with [CLS]/[SEP], truncating content so the framed
// sequence fits in maxSeq.
func frame(content []int64, sp SpecialTokens, maxSeq int) []int64 {
	if len(content) > maxSeq-2 {
		content = content[:maxSeq-2]
	}
	out := make([]int64, 0, len(content)+2)
	out = append(out, sp.CLS)
	out = append(out, content...)
	return append(out, sp.SEP)
}

// padBatch pads every row to the longest row with padID and builds masks.
func padBatch(rows [][]int64, padID int64) ([][]int64, [][]int64) {
	longest := 0
	for _, r := range rows {
		if len(r) > longest {
			longest = len(r)
		}
	}
	ids := make([][]int64, len(rows))
	masks := make([][]int64, len(rows))
	for i, r := range rows {
		rowIDs := make([]int64, longest)
		rowMask := make([]int64, longest)
		for j := range rowIDs {
			if j < len(r) {
				rowIDs[j] = r[j]
				rowMask[j] = 1
			} else {
				rowIDs[j] = padID
			}
		}
		ids[i] = rowIDs
		masks[i] = rowMask
	}
	return ids, masks
}
