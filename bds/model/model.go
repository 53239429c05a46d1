// Package model holds the sequence classifier: a frozen pretrained backbone,
// a trainable head, the tokenizer and the label mapping, plus the on-disk
// artifact format.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding/tokenizer"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/labels"

	"gonum.org/v1/gonum/mat"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"

	architecture = "BackboneForSequenceClassification"
)

// Model is a sequence classifier ready for training or inference.
type Model struct {
	Backbone  embedding.Backbone
	Tokenizer tokenizer.Tokenizer
	Head      *Head
	Labels    *labels.Mapping
}

// Prediction is the classifier output for one text.
type Prediction struct {
	LabelID int
	Label   string
	Scores  []float64
}

// New builds a Model with a freshly initialised head sized for mapping.
func New(backbone embedding.Backbone, tok tokenizer.Tokenizer, mapping *labels.Mapping, hidden int, seed int64) *Model {
	if hidden <= 0 {
		hidden = backbone.Dimensions()
	}
	return &Model{
		Backbone:  backbone,
		Tokenizer: tok,
		Head:      NewHead(backbone.Dimensions(), hidden, mapping.Len(), seed),
		Labels:    mapping,
	}
}

// Features runs the backbone and returns pooled features as an [n, dims] matrix.
func (m *Model) Features(ctx context.Context, inputIDs, masks [][]int64) (*mat.Dense, error) {
	vecs, err := m.Backbone.Encode(ctx, inputIDs, masks)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	return ToDense(vecs, m.Backbone.Dimensions())
}

// ToDense packs feature rows into an [n, dims] matrix.
func ToDense(vecs [][]float32, dims int) (*mat.Dense, error) {
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no feature rows")
	}
	data := make([]float64, 0, len(vecs)*dims)
	for i, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("feature row %d has width %d, want %d", i, len(v), dims)
		}
		for _, x := range v {
			data = append(data, float64(x))
		}
	}
	return mat.NewDense(len(vecs), dims, data), nil
}

// PredictEncoded classifies already tokenized inputs.
func (m *Model) PredictEncoded(ctx context.Context, inputIDs, masks [][]int64) ([]Prediction, error) {
	x, err := m.Features(ctx, inputIDs, masks)
	if err != nil {
		return nil, err
	}
	act, err := m.Head.Forward(x)
	if err != nil {
		return nil, err
	}
	probs := Softmax(act.Logits)
	ids := Argmax(act.Logits)
	out := make([]Prediction, len(ids))
	for i, id := range ids {
		label, err := m.Labels.Decode(id)
		if err != nil {
			return nil, err
		}
		out[i] = Prediction{LabelID: id, Label: label, Scores: mat.Row(nil, i, probs)}
	}
	return out, nil
}

// Predict tokenizes and classifies texts.
func (m *Model) Predict(ctx context.Context, texts []string) ([]Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ids, masks, err := m.Tokenizer.Tokenize(texts)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	return m.PredictEncoded(ctx, ids, masks)
}

// Config is the config.json written next to the weights.
type Config struct {
	Architectures []string             `json:"architectures"`
	ModelType     string               `json:"model_type"`
	ProblemType   string               `json:"problem_type"`
	Backbone      embedding.Descriptor `json:"backbone"`
	HiddenSize    int                  `json:"hidden_size"`
	NumLabels     int                  `json:"num_labels"`
	ID2Label      map[int]string       `json:"id2label"`
	Label2ID      map[string]int       `json:"label2id"`
	MaxSeqLen     int                  `json:"max_position_embeddings"`
}

// Save writes config.json, model.safetensors and the tokenizer files into dir.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	cfg := Config{
		Architectures: []string{architecture},
		ModelType:     "bds-sentiment",
		ProblemType:   "single_label_classification",
		Backbone:      m.Backbone.Descriptor(),
		HiddenSize:    m.Head.Hidden(),
		NumLabels:     m.Labels.Len(),
		ID2Label:      m.Labels.ID2Label(),
		Label2ID:      m.Labels.Label2ID(),
		MaxSeqLen:     m.Tokenizer.MaxSeqLen(),
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), b, 0o644); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	if err := writeSafetensors(filepath.Join(dir, WeightsFile), m.Head.Params()); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := tokenizer.Save(m.Tokenizer, dir); err != nil {
		return fmt.Errorf("write tokenizer: %w", err)
	}
	slog.Debug("Saved model", "dir", dir, "labels", m.Labels.Len())
	return nil
}

// Load reads a model written by Save.
func Load(dir string) (*Model, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	mapping, err := labels.FromID2Label(cfg.ID2Label)
	if err != nil {
		return nil, fmt.Errorf("model labels: %w", err)
	}
	backbone, err := embedding.FromDescriptor(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, err
	}
	tensors, err := readSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}

	if cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("model config: hidden_size must be positive, got %d", cfg.HiddenSize)
	}
	if mapping.Len() == 0 || backbone.Dimensions() <= 0 {
		return nil, fmt.Errorf("model config: %d labels and %d backbone dims leave no head to load", mapping.Len(), backbone.Dimensions())
	}
	head := &Head{
		DenseW: mat.NewDense(cfg.HiddenSize, backbone.Dimensions(), nil),
		DenseB: make([]float64, cfg.HiddenSize),
		OutW:   mat.NewDense(mapping.Len(), cfg.HiddenSize, nil),
		OutB:   make([]float64, mapping.Len()),
	}
	for _, p := range head.Params() {
		t, ok := tensors[p.Name]
		if !ok {
			return nil, fmt.Errorf("weights: tensor %s missing", p.Name)
		}
		if len(t.Data) != len(p.Data) {
			return nil, fmt.Errorf("weights: tensor %s has %d values, want %d", p.Name, len(t.Data), len(p.Data))
		}
		copy(p.Data, t.Data)
	}
	return &Model{Backbone: backbone, Tokenizer: tok, Head: head, Labels: mapping}, nil
}
