package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
)

// SugarWordPiece wraps sugarme/tokenizer WordPiece (BERT-style)
type SugarWordPiece struct {
	t         *tk.Tokenizer
	vocab     []string
	special   SpecialTokens
	maxSeqLen int
}

// NewSugarWordPiece loads vocab.txt (or a directory holding one) and builds a
// BERT WordPiece tokenizer.
func NewSugarWordPiece(vocabPath string, maxSeq int) (*SugarWordPiece, error) {
	if fi, err := os.Stat(vocabPath); err == nil && fi.IsDir() {
		vocabPath = filepath.Join(vocabPath, "vocab.txt")
	}
	tokens, err := readVocab(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}
	wp, err := wordpiece.NewWordPieceFromFile(vocabPath, "[UNK]")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	special := lookupSpecial(tokens)
	// tokenizer.json next to the vocab wins when it disagrees
	overrideFromTokenizerJSON(filepath.Join(filepath.Dir(vocabPath), "tokenizer.json"), &special)

	template := processor.NewBertProcessing(
		processor.PostToken{Value: "[SEP]", Id: int(special.SEP)},
		processor.PostToken{Value: "[CLS]", Id: int(special.CLS)},
	)
	t.WithPostProcessor(template)
	// content budget only; frame adds [CLS] and [SEP]
	t.WithTruncation(&tk.TruncationParams{MaxLength: maxSeq - 2, Strategy: tk.OnlyFirst})
	return &SugarWordPiece{t: t, vocab: tokens, special: special, maxSeqLen: maxSeq}, nil
}

func (s *SugarWordPiece) MaxSeqLen() int { return s.maxSeqLen }

func (s *SugarWordPiece) Special() SpecialTokens { return s.special }

func (s *SugarWordPiece) Tokenize(texts []string) ([][]int64, [][]int64, error) {
	rows := make([][]int64, len(texts))
	for i, txt := range texts {
		if strings.TrimSpace(txt) == "" {
			rows[i] = frame(nil, s.special, s.maxSeqLen)
			continue
		}
		enc, err := s.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(txt)), false)
		if err != nil {
			return nil, nil, err
		}
		uids := enc.GetIds()
		content := make([]int64, len(uids))
		for j, id := range uids {
			content[j] = int64(id)
		}
		rows[i] = frame(content, s.special, s.maxSeqLen)
	}
	ids, masks := padBatch(rows, s.special.Pad)
	return ids, masks, nil
}

func overrideFromTokenizerJSON(path string, sp *SpecialTokens) {
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var doc struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return
	}
	set := func(name string, dst *int64) {
		if id, ok := doc.Model.Vocab[name]; ok {
			*dst = int64(id)
		}
	}
	set("[PAD]", &sp.Pad)
	set("[UNK]", &sp.Unk)
	set("[CLS]", &sp.CLS)
	set("[SEP]", &sp.SEP)
}
