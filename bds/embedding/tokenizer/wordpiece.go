package tokenizer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/armon/go-radix"
	"golang.org/x/text/unicode/norm"
)

const maxCharsPerWord = 100

// WordPiece is a BERT uncased WordPiece tokenizer. Greedy longest-match-first
// lookup runs against two radix trees: word-initial pieces and "##" pieces.
type WordPiece struct {
	vocab     []string
	starts    *radix.Tree
	conts     *radix.Tree
	special   SpecialTokens
	maxSeqLen int
}

// LoadWordPieceFromVocab reads a vocab.txt (one token per line, id = line number).
func LoadWordPieceFromVocab(path string, maxSeq int) (*WordPiece, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: vocab path is required", ErrUnsupported)
	}
	tokens, err := readVocab(path)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}
	if maxSeq <= 0 {
		maxSeq = DefaultMaxSeqLen
	}
	return NewWordPiece(tokens, maxSeq), nil
}

// NewWordPiece builds a tokenizer from vocab tokens in id order.
func NewWordPiece(tokens []string, maxSeq int) *WordPiece {
	w := &WordPiece{
		vocab:     tokens,
		starts:    radix.New(),
		conts:     radix.New(),
		special:   lookupSpecial(tokens),
		maxSeqLen: maxSeq,
	}
	for id, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(tok, "##"); ok && rest != "" {
			w.conts.Insert(rest, int64(id))
			continue
		}
		w.starts.Insert(tok, int64(id))
	}
	return w
}

func (w *WordPiece) MaxSeqLen() int { return w.maxSeqLen }

func (w *WordPiece) Special() SpecialTokens { return w.special }

// VocabSize returns the number of vocab entries.
func (w *WordPiece) VocabSize() int { return len(w.vocab) }

func (w *WordPiece) Tokenize(texts []string) ([][]int64, [][]int64, error) {
	rows := make([][]int64, len(texts))
	for i, t := range texts {
		rows[i] = frame(w.encode(t, w.maxSeqLen-2), w.special, w.maxSeqLen)
	}
	ids, masks := padBatch(rows, w.special.Pad)
	return ids, masks, nil
}

// encode returns content ids, stopping once limit ids are produced.
func (w *WordPiece) encode(text string, limit int) []int64 {
	var out []int64
	for _, word := range basicSplit(text) {
		out = append(out, w.pieces(word)...)
		if len(out) >= limit {
			return out[:limit]
		}
	}
	return out
}

func (w *WordPiece) pieces(word string) []int64 {
	if len([]rune(word)) > maxCharsPerWord {
		return []int64{w.special.Unk}
	}
	var out []int64
	rest := word
	tree := w.starts
	for rest != "" {
		match, id, ok := tree.LongestPrefix(rest)
		if !ok || match == "" {
			return []int64{w.special.Unk}
		}
		out = append(out, id.(int64))
		rest = rest[len(match):]
		tree = w.conts
	}
	return out
}

// basicSplit applies BERT uncased normalisation (lowercase, NFD with
// combining marks removed, control characters dropped) and splits on
// whitespace and punctuation. Punctuation runes and CJK ideographs each
// become their own word.
func basicSplit(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range norm.NFD.String(strings.ToLower(text)) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsControl(r) || r == unicode.ReplacementChar || unicode.Is(unicode.Mn, r):
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || isCJK(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
