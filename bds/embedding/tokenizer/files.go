package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	VocabFile         = "vocab.txt"
	ConfigFile        = "tokenizer_config.json"
	SpecialTokensFile = "special_tokens_map.json"
)

// savedConfig is the tokenizer_config.json layout.
type savedConfig struct {
	TokenizerClass string `json:"tokenizer_class"`
	Kind           string `json:"kind"`
	DoLowerCase    bool   `json:"do_lower_case"`
	ModelMaxLength int    `json:"model_max_length"`
	PadToken       string `json:"pad_token"`
	UnkToken       string `json:"unk_token"`
	ClsToken       string `json:"cls_token"`
	SepToken       string `json:"sep_token"`
}

// Save writes vocab.txt, tokenizer_config.json and special_tokens_map.json
// into dir so Load can rebuild the same tokenizer.
func Save(tok Tokenizer, dir string) error {
	vocab := Vocab(tok)
	if len(vocab) == 0 {
		return fmt.Errorf("%w: tokenizer %T has no vocab to save", ErrUnsupported, tok)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tokenizer dir: %w", err)
	}
	kind := "wordpiece"
	if _, ok := tok.(*SugarWordPiece); ok {
		kind = "sugarme"
	}
	if err := os.WriteFile(filepath.Join(dir, VocabFile), []byte(strings.Join(vocab, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write vocab: %w", err)
	}
	cfg := savedConfig{
		TokenizerClass: "BertTokenizer",
		Kind:           kind,
		DoLowerCase:    true,
		ModelMaxLength: tok.MaxSeqLen(),
		PadToken:       "[PAD]",
		UnkToken:       "[UNK]",
		ClsToken:       "[CLS]",
		SepToken:       "[SEP]",
	}
	if err := writeJSON(filepath.Join(dir, ConfigFile), cfg); err != nil {
		return err
	}
	special := map[string]string{
		"pad_token": cfg.PadToken,
		"unk_token": cfg.UnkToken,
		"cls_token": cfg.ClsToken,
		"sep_token": cfg.SepToken,
	}
	return writeJSON(filepath.Join(dir, SpecialTokensFile), special)
}

// Load rebuilds a tokenizer saved with Save.
func Load(dir string) (Tokenizer, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer config: %w", err)
	}
	var cfg savedConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse tokenizer config: %w", err)
	}
	return New(Config{Kind: cfg.Kind, VocabPath: filepath.Join(dir, VocabFile), MaxSeqLen: cfg.ModelMaxLength})
}

// Vocab returns the vocab tokens of a tokenizer loaded from a vocab file.
func Vocab(tok Tokenizer) []string {
	switch t := tok.(type) {
	case *WordPiece:
		return append([]string(nil), t.vocab...)
	case *SugarWordPiece:
		return append([]string(nil), t.vocab...)
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
