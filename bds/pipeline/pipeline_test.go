package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ZanzyTHEbar/bds-sentiment/bds/config"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/model"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/registry"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/trainer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVocab = "../embedding/tokenizer/testdata/vocab.txt"

const comments = `Comment,Sentiment
The movie was great!,positive
I love it,positive
good food and fast service,positive
this was terrible,negative
I hate this,negative
bad and slow service,negative
it was ok,neutral
the movie was fine,neutral
not very good not very bad,neutral
unbelievable play,positive
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "comments.csv")
	require.NoError(t, os.WriteFile(data, []byte(comments), 0o644))

	cfg := config.Default()
	cfg.Data.Path = data
	cfg.Tokenizer.VocabPath = testVocab
	cfg.Model.Dims = 32
	cfg.Model.Hidden = 16
	cfg.Output.Dir = filepath.Join(dir, "bds_sentiment_model")
	cfg.Output.LogDir = filepath.Join(dir, "logs")
	cfg.Registry.DSN = filepath.Join(dir, "registry.db")
	return &cfg
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)

	res, err := Run(context.Background(), cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	assert.Equal(t, 8, res.TrainSize)
	assert.Equal(t, 2, res.EvalSize)
	assert.Equal(t, []string{"negative", "neutral", "positive"}, res.Labels.Labels())
	assert.Equal(t, 3, res.Train.GlobalStep)
	require.NotNil(t, res.Accuracy())
	assert.GreaterOrEqual(t, *res.Accuracy(), 0.0)
	assert.LessOrEqual(t, *res.Accuracy(), 1.0)
	assert.Nil(t, res.Commit)

	entries, err := os.ReadDir(cfg.Output.Dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, trainer.ArgsFile))
	assert.FileExists(t, filepath.Join(cfg.Output.LogDir, trainer.ProgressFile))

	loaded, err := model.Load(cfg.Output.Dir)
	require.NoError(t, err)
	texts := []string{"I love this movie", "terrible and slow", ""}
	want, err := res.Model.Predict(context.Background(), texts)
	require.NoError(t, err)
	got, err := loaded.Predict(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	for _, p := range got {
		assert.Contains(t, res.Labels.Labels(), p.Label)
	}

	reg, err := registry.Open(cfg.Registry.DSN, "")
	require.NoError(t, err)
	defer reg.Close()
	run, err := reg.Get(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusSucceeded, run.Status)
	assert.Equal(t, res.Labels.Labels(), run.Labels)
	require.NotNil(t, run.Accuracy)
	assert.Equal(t, *res.Accuracy(), *run.Accuracy)
}

func TestRunPublishes(t *testing.T) {
	var commits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		switch r.URL.Path {
		case "/api/repos/create":
			w.WriteHeader(http.StatusConflict)
		case "/api/models/acme/bds-sentiment/commit/main":
			commits.Add(1)
			w.Write([]byte(`{"commitUrl":"u","commitOid":"c0ffee"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Hub.Enabled = true
	cfg.Hub.Endpoint = srv.URL
	cfg.Hub.Account = "acme"
	cfg.Hub.Token = "tok"

	res, err := Run(context.Background(), cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, "acme/bds-sentiment", res.Commit.RepoID)
	assert.Equal(t, "c0ffee", res.Commit.OID)
	assert.EqualValues(t, 1, commits.Load())

	reg, err := registry.Open(cfg.Registry.DSN, "")
	require.NoError(t, err)
	defer reg.Close()
	run, err := reg.Get(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "acme/bds-sentiment", run.RepoID)

	commit, err := Publish(context.Background(), cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", commit.OID)
	assert.EqualValues(t, 2, commits.Load())
}

func TestRunRecordsFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Path = filepath.Join(t.TempDir(), "missing.csv")

	_, err := Run(context.Background(), cfg, WithLogger(zerolog.Nop()))
	require.Error(t, err)

	reg, err := registry.Open(cfg.Registry.DSN, "")
	require.NoError(t, err)
	defer reg.Close()
	runs, err := reg.List()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, registry.StatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
	_, statErr := os.Stat(cfg.Output.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTrainingArguments(t *testing.T) {
	cfg := config.Default()
	args := TrainingArguments(&cfg)
	want := trainer.DefaultArguments()
	assert.Equal(t, want, args)
}

func TestPublishRequiresAccount(t *testing.T) {
	cfg := config.Default()
	_, err := Publish(context.Background(), &cfg)
	assert.Error(t, err)
}
