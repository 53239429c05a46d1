package model

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding/tokenizer"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/labels"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const testVocabPath = "../embedding/tokenizer/testdata/vocab.txt"

func testModel(t *testing.T) *Model {
	t.Helper()
	tok, err := tokenizer.LoadWordPieceFromVocab(testVocabPath, 32)
	require.NoError(t, err)
	mapping, err := labels.Fit([]string{"positive", "negative", "neutral"})
	require.NoError(t, err)
	return New(embedding.NewHashBackbone(16), tok, mapping, 8, 42)
}

func TestHeadShapes(t *testing.T) {
	h := NewHead(6, 4, 3, 1)
	assert.Equal(t, 6, h.Dims())
	assert.Equal(t, 4, h.Hidden())
	assert.Equal(t, 3, h.NumLabels())

	x := mat.NewDense(2, 6, []float64{1, 0, 0, 0, 0, 1, 0, 1, 0, 1, 0, 0})
	act, err := h.Forward(x)
	require.NoError(t, err)
	r, c := act.Logits.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)

	_, err = h.Forward(mat.NewDense(1, 5, nil))
	assert.Error(t, err)
}

func TestHeadGradientsMatchFiniteDifferences(t *testing.T) {
	h := NewHead(5, 4, 3, 7)
	// larger weights so tanh is not in its linear regime
	for _, p := range h.Params() {
		for i := range p.Data {
			p.Data[i] *= 25
		}
	}
	x := mat.NewDense(3, 5, []float64{
		0.5, -0.2, 0.1, 0.9, -0.7,
		-0.3, 0.8, 0.4, -0.1, 0.2,
		0.0, 0.3, -0.9, 0.6, 0.5,
	})
	targets := []int{0, 2, 1}

	lossAt := func() float64 {
		act, err := h.Forward(x)
		require.NoError(t, err)
		loss, _, err := h.Backward(act, targets)
		require.NoError(t, err)
		return loss
	}

	act, err := h.Forward(x)
	require.NoError(t, err)
	_, grads, err := h.Backward(act, targets)
	require.NoError(t, err)

	const eps = 1e-6
	for pi, p := range h.Params() {
		require.Len(t, grads[pi], len(p.Data), p.Name)
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := lossAt()
			p.Data[i] = orig - eps
			down := lossAt()
			p.Data[i] = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, grads[pi][i], 1e-5, "%s[%d]", p.Name, i)
		}
	}
}

func TestBackwardRejectsBadTargets(t *testing.T) {
	h := NewHead(2, 2, 2, 1)
	act, err := h.Forward(mat.NewDense(1, 2, []float64{1, 1}))
	require.NoError(t, err)
	_, _, err = h.Backward(act, []int{2})
	assert.Error(t, err)
	_, _, err = h.Backward(act, []int{0, 1})
	assert.Error(t, err)
}

func TestSoftmaxAndArgmax(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{1, 3, 2, 5, 5, 0})
	probs := Softmax(logits)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += probs.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.Equal(t, []int{1, 0}, Argmax(logits))
}

func TestPredict(t *testing.T) {
	m := testModel(t)
	preds, err := m.Predict(context.Background(), []string{"i love it", "terrible service", ""})
	require.NoError(t, err)
	require.Len(t, preds, 3)
	for _, p := range preds {
		assert.Contains(t, []string{"negative", "neutral", "positive"}, p.Label)
		assert.Len(t, p.Scores, 3)
		assert.Equal(t, p.LabelID, Argmax(mat.NewDense(1, 3, p.Scores))[0])
	}
}

func TestSaveLoadReproducesPredictions(t *testing.T) {
	m := testModel(t)
	dir := filepath.Join(t.TempDir(), "bds_sentiment_model")
	require.NoError(t, m.Save(dir))

	for _, f := range []string{ConfigFile, WeightsFile, tokenizer.VocabFile, tokenizer.ConfigFile, tokenizer.SpecialTokensFile} {
		info, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
		assert.Positive(t, info.Size(), f)
	}

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Labels.Labels(), loaded.Labels.Labels())
	assert.Equal(t, m.Backbone.Descriptor(), loaded.Backbone.Descriptor())
	for i, p := range m.Head.Params() {
		assert.Equal(t, p.Data, loaded.Head.Params()[i].Data, p.Name)
	}

	texts := []string{"the movie was great!", "i hate this", "ok", "slow food and bad service"}
	want, err := m.Predict(context.Background(), texts)
	require.NoError(t, err)
	got, err := loaded.Predict(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)

	m := testModel(t)
	dir := t.TempDir()
	require.NoError(t, m.Save(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, WeightsFile), []byte{1, 2, 3}, 0o644))
	_, err = Load(dir)
	assert.Error(t, err)
}

func TestLoadRejectsDegenerateConfig(t *testing.T) {
	m := testModel(t)
	dir := t.TempDir()
	require.NoError(t, m.Save(dir))
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero hidden size", mutate: func(c *Config) { c.HiddenSize = 0 }},
		{name: "no labels", mutate: func(c *Config) { c.ID2Label = map[int]string{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			require.NoError(t, json.Unmarshal(raw, &cfg))
			tt.mutate(&cfg)
			b, err := json.Marshal(cfg)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), b, 0o644))

			assert.NotPanics(t, func() {
				_, err = Load(dir)
			})
			assert.Error(t, err)
		})
	}
}

func TestReadSafetensorsHugeHeaderLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[:8], math.MaxUint64-4)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var err error
	assert.NotPanics(t, func() {
		_, err = readSafetensors(path)
	})
	assert.Error(t, err)
}

func TestSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	params := []Param{
		{Name: "b", Shape: []int{2}, Data: []float64{0.1, -2.5}},
		{Name: "a", Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
	}
	require.NoError(t, writeSafetensors(path, params))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, (len(raw)-8-2*8-4*8)%8, "header is padded to 8 bytes")

	got, err := readSafetensors(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, params[0].Data, got["b"].Data)
	assert.Equal(t, []int{2, 2}, got["a"].Shape)
	assert.Equal(t, params[1].Data, got["a"].Data)

	err = writeSafetensors(path, []Param{{Name: "bad", Shape: []int{3}, Data: []float64{1}}})
	assert.Error(t, err)
}
