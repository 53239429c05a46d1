// Package pipeline wires the loader, preprocessor, trainer and publisher
// into one run.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/bds-sentiment/bds"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/config"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/dataset"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding/tokenizer"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/hub"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/labels"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/model"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/registry"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/trainer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Result summarises a pipeline run.
type Result struct {
	RunID     uuid.UUID
	OutputDir string
	Model     *model.Model
	Labels    *labels.Mapping
	TrainSize int
	EvalSize  int
	Train     *trainer.Result
	Commit    *hub.Commit
}

// Accuracy returns the final evaluation accuracy, or nil when no evaluation ran.
func (r *Result) Accuracy() *float64 {
	if r.Train == nil || r.Train.Eval == nil {
		return nil
	}
	acc := r.Train.Eval.Accuracy
	return &acc
}

// Option configures Run.
type Option func(*runner)

// WithLogger replaces the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *runner) { r.log = l }
}

// WithHubClient publishes through c instead of a client built from config.
func WithHubClient(c *hub.Client) Option {
	return func(r *runner) { r.hub = c }
}

type runner struct {
	cfg *config.Config
	log zerolog.Logger
	hub *hub.Client
}

// Run executes load, split, label fit, tokenize, train, save and the
// optional publish. When a registry DSN is configured the run and its
// outcome are recorded in the ledger.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) (*Result, error) {
	r := &runner{cfg: cfg, log: internal.GetLogger()}
	for _, opt := range opts {
		opt(r)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Registry.DSN == "" {
		return r.run(ctx)
	}
	reg, err := registry.Open(cfg.Registry.DSN, cfg.Registry.AuthToken)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	entry, err := reg.Start(cfg.Data.Path, cfg.Output.Dir)
	if err != nil {
		return nil, err
	}

	res, err := r.run(ctx)
	if err != nil {
		if ferr := reg.Fail(entry.ID, err); ferr != nil {
			r.log.Error().Err(ferr).Str("run", entry.ID.String()).Msg("Failed to record run failure")
		}
		return nil, err
	}
	res.RunID = entry.ID
	if err := reg.Finish(entry.ID, res.Labels.Labels(), res.Accuracy()); err != nil {
		return res, err
	}
	if res.Commit != nil {
		if err := reg.MarkPublished(entry.ID, res.Commit.RepoID); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	cfg := r.cfg
	start := time.Now()

	records, err := dataset.Load(cfg.Data.Path, cfg.Data.TextColumn, cfg.Data.LabelColumn)
	if err != nil {
		return nil, err
	}
	trainRecs, evalRecs, err := dataset.Split(records, cfg.Data.TestSize, cfg.Data.Seed)
	if err != nil {
		return nil, err
	}
	// fit once on every split so eval-only labels still get an id
	mapping, err := labels.Fit(dataset.Labels(trainRecs), dataset.Labels(evalRecs))
	if err != nil {
		return nil, err
	}
	r.log.Info().
		Int("rows", len(records)).
		Int("train", len(trainRecs)).
		Int("eval", len(evalRecs)).
		Strs("labels", mapping.Labels()).
		Msg("Loaded dataset")

	tok, err := NewTokenizer(cfg)
	if err != nil {
		return nil, err
	}
	trainEx, err := dataset.Encode(ctx, trainRecs, mapping, tok)
	if err != nil {
		return nil, fmt.Errorf("encode train split: %w", err)
	}
	evalEx, err := dataset.Encode(ctx, evalRecs, mapping, tok)
	if err != nil {
		return nil, fmt.Errorf("encode eval split: %w", err)
	}

	backbone, err := NewBackbone(cfg)
	if err != nil {
		return nil, err
	}
	m := model.New(backbone, tok, mapping, cfg.Model.Hidden, cfg.Training.Seed)
	tr, err := trainer.New(m, TrainingArguments(cfg), trainer.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	trainRes, err := tr.Train(ctx, trainEx, evalEx)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if err := tr.Save(); err != nil {
		return nil, err
	}

	res := &Result{
		OutputDir: cfg.Output.Dir,
		Model:     m,
		Labels:    mapping,
		TrainSize: len(trainEx),
		EvalSize:  len(evalEx),
		Train:     trainRes,
	}
	if cfg.Hub.Enabled {
		if res.Commit, err = r.publish(ctx); err != nil {
			return nil, err
		}
	}
	r.log.Info().Dur("elapsed", time.Since(start)).Str("output", cfg.Output.Dir).Msg("Pipeline finished")
	return res, nil
}

// Publish uploads cfg.Output.Dir to the configured hub repository.
func Publish(ctx context.Context, cfg *config.Config, opts ...Option) (*hub.Commit, error) {
	r := &runner{cfg: cfg, log: internal.GetLogger()}
	for _, opt := range opts {
		opt(r)
	}
	if strings.TrimSpace(cfg.Hub.Account) == "" {
		return nil, fmt.Errorf("hub.account is required to publish")
	}
	return r.publish(ctx)
}

func (r *runner) publish(ctx context.Context) (*hub.Commit, error) {
	cfg := r.cfg
	c := r.hub
	if c == nil {
		c = NewHubClient(cfg)
	}
	r.log.Info().Str("repo", hub.RepoID(cfg.Hub.Account, cfg.Hub.Repo)).Msg("Publishing model")
	commit, err := c.Publish(ctx, cfg.Output.Dir, cfg.Hub.Account, cfg.Hub.Repo, cfg.Hub.CommitMessage)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return commit, nil
}

// NewHubClient builds a hub client from cfg.Hub.
func NewHubClient(cfg *config.Config) *hub.Client {
	opts := []hub.Option{
		hub.WithPrivate(cfg.Hub.Private),
		hub.WithIgnorePatterns(cfg.Hub.IgnorePatterns...),
	}
	if cfg.Hub.TimeoutSeconds > 0 {
		opts = append(opts, hub.WithTimeout(time.Duration(cfg.Hub.TimeoutSeconds)*time.Second))
	}
	return hub.New(cfg.Hub.Endpoint, cfg.Hub.Token, opts...)
}

// NewTokenizer builds the tokenizer from cfg. Without a vocab path the
// vocab.txt next to the backbone model file is used.
func NewTokenizer(cfg *config.Config) (tokenizer.Tokenizer, error) {
	vocab := cfg.Tokenizer.VocabPath
	if vocab == "" && cfg.Model.Path != "" {
		vocab = filepath.Join(filepath.Dir(cfg.Model.Path), tokenizer.VocabFile)
	}
	return tokenizer.New(tokenizer.Config{
		Kind:      cfg.Tokenizer.Kind,
		VocabPath: vocab,
		MaxSeqLen: cfg.Tokenizer.MaxSeqLen,
	})
}

// NewBackbone builds the pretrained backbone from cfg.Model.
func NewBackbone(cfg *config.Config) (embedding.Backbone, error) {
	if strings.HasPrefix(strings.ToLower(cfg.Model.Backbone), "onnx") {
		embedding.ConfigureONNX(embedding.ONNXOptions{
			ExecutionProvider: cfg.Model.ExecutionProvider,
			DeviceID:          cfg.Model.DeviceID,
			BatchSize:         cfg.Training.EvalBatchSize,
		})
	}
	return embedding.NewBackbone(cfg.Model.Backbone, cfg.Model.Dims, cfg.Model.Path)
}

// TrainingArguments maps cfg onto trainer arguments.
func TrainingArguments(cfg *config.Config) trainer.Arguments {
	t := cfg.Training
	return trainer.Arguments{
		OutputDir:      cfg.Output.Dir,
		LoggingDir:     cfg.Output.LogDir,
		NumEpochs:      t.Epochs,
		TrainBatchSize: t.TrainBatchSize,
		EvalBatchSize:  t.EvalBatchSize,
		WarmupSteps:    t.WarmupSteps,
		WeightDecay:    t.WeightDecay,
		LearningRate:   t.LearningRate,
		MaxGradNorm:    1.0,
		LoggingSteps:   t.LoggingSteps,
		EvalStrategy:   trainer.ParseEvalStrategy(t.EvalStrategy),
		EvalSteps:      t.EvalSteps,
		Seed:           t.Seed,
		Workers:        t.Workers,
	}
}
