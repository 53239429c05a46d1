// Package trainer fine-tunes a model.Model on encoded examples.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/bds-sentiment/bds"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/dataset"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/model"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"
)

const (
	ProgressFile = "trainer_state.jsonl"
	StateFile    = "trainer_state.json"
	ArgsFile     = "training_args.json"
)

// EvalStrategy decides when evaluation runs during training.
type EvalStrategy string

const (
	EvalNo    EvalStrategy = "no"
	EvalSteps EvalStrategy = "steps"
	EvalEpoch EvalStrategy = "epoch"
)

// Arguments are the training hyperparameters and output locations.
type Arguments struct {
	OutputDir      string       `json:"output_dir"`
	LoggingDir     string       `json:"logging_dir"`
	NumEpochs      int          `json:"num_train_epochs"`
	TrainBatchSize int          `json:"per_device_train_batch_size"`
	EvalBatchSize  int          `json:"per_device_eval_batch_size"`
	WarmupSteps    int          `json:"warmup_steps"`
	WeightDecay    float64      `json:"weight_decay"`
	LearningRate   float64      `json:"learning_rate"`
	MaxGradNorm    float64      `json:"max_grad_norm"`
	LoggingSteps   int          `json:"logging_steps"`
	EvalStrategy   EvalStrategy `json:"evaluation_strategy"`
	EvalSteps      int          `json:"eval_steps,omitempty"`
	Seed           int64        `json:"seed"`
	Workers        int          `json:"dataloader_num_workers"`
}

// DefaultArguments returns the stock fine-tuning recipe: 3 epochs, batch 8
// for training and 16 for evaluation, 500 warmup steps, weight decay 0.01,
// a log record every 10 steps and one evaluation per epoch.
func DefaultArguments() Arguments {
	return Arguments{
		OutputDir:      internal.DefaultOutputDir,
		LoggingDir:     internal.DefaultLogDir,
		NumEpochs:      3,
		TrainBatchSize: 8,
		EvalBatchSize:  16,
		WarmupSteps:    500,
		WeightDecay:    0.01,
		LearningRate:   5e-5,
		MaxGradNorm:    1.0,
		LoggingSteps:   10,
		EvalStrategy:   EvalEpoch,
		Seed:           42,
		Workers:        4,
	}
}

// Validate rejects arguments the training loop cannot run with.
func (a Arguments) Validate() error {
	switch {
	case a.NumEpochs <= 0:
		return fmt.Errorf("num epochs must be positive, got %d", a.NumEpochs)
	case a.TrainBatchSize <= 0 || a.EvalBatchSize <= 0:
		return fmt.Errorf("batch sizes must be positive")
	case a.WarmupSteps < 0 || a.WeightDecay < 0 || a.LearningRate < 0:
		return fmt.Errorf("warmup steps, weight decay and learning rate cannot be negative")
	case a.OutputDir == "":
		return fmt.Errorf("output dir is required")
	}
	switch a.EvalStrategy {
	case EvalNo, EvalEpoch:
	case EvalSteps:
		if a.EvalSteps <= 0 {
			return fmt.Errorf("eval steps must be positive for the steps strategy")
		}
	default:
		return fmt.Errorf("unknown evaluation strategy %q", a.EvalStrategy)
	}
	return nil
}

// ParseEvalStrategy converts a config string to an EvalStrategy.
func ParseEvalStrategy(s string) EvalStrategy {
	return EvalStrategy(strings.ToLower(strings.TrimSpace(s)))
}

// LogEntry is one progress record. Eval is set for evaluation records.
type LogEntry struct {
	Step         int      `json:"step"`
	Epoch        float64  `json:"epoch"`
	Loss         float64  `json:"loss,omitempty"`
	LearningRate float64  `json:"learning_rate,omitempty"`
	GradNorm     float64  `json:"grad_norm,omitempty"`
	Eval         *Metrics `json:"eval,omitempty"`
}

// State is the trainer state saved next to the model.
type State struct {
	GlobalStep   int        `json:"global_step"`
	MaxSteps     int        `json:"max_steps"`
	Epoch        float64    `json:"epoch"`
	TrainingLoss float64    `json:"training_loss"`
	LogHistory   []LogEntry `json:"log_history"`
}

// Result summarises a finished training run.
type Result struct {
	GlobalStep   int
	TrainingLoss float64
	Eval         *Metrics
	History      []LogEntry
}

// Trainer runs the optimisation loop for one model.
type Trainer struct {
	model    *model.Model
	args     Arguments
	log      zerolog.Logger
	progress zerolog.Logger
	state    State
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger replaces the console logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Trainer) { t.log = l }
}

// New creates a Trainer for m.
func New(m *model.Model, args Arguments, opts ...Option) (*Trainer, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if args.Workers <= 0 {
		args.Workers = 1
	}
	t := &Trainer{model: m, args: args, log: internal.GetLogger(), progress: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Args returns the trainer's arguments.
func (t *Trainer) Args() Arguments { return t.args }

// State returns the state of the last Train call.
func (t *Trainer) State() State { return t.state }

// Train fine-tunes the model head on train, evaluating on eval per the
// evaluation strategy. eval may be empty. The model is updated in place.
func (t *Trainer) Train(ctx context.Context, train, eval []dataset.Example) (*Result, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("no training examples")
	}
	closeProgress, err := t.openProgress()
	if err != nil {
		return nil, err
	}
	defer closeProgress()

	head := t.model.Head
	trainX, err := t.features(ctx, train, t.args.TrainBatchSize)
	if err != nil {
		return nil, fmt.Errorf("extract train features: %w", err)
	}
	trainY := targets(train)
	var evalX *mat.Dense
	if len(eval) > 0 && t.args.EvalStrategy != EvalNo {
		if evalX, err = t.features(ctx, eval, t.args.EvalBatchSize); err != nil {
			return nil, fmt.Errorf("extract eval features: %w", err)
		}
	}
	evalY := targets(eval)

	bs := t.args.TrainBatchSize
	stepsPerEpoch := (len(train) + bs - 1) / bs
	total := stepsPerEpoch * t.args.NumEpochs
	t.state = State{MaxSteps: total}

	opt := newAdamW(head.Params(), t.args.WeightDecay)
	rng := rand.New(rand.NewSource(t.args.Seed))
	var (
		step         int
		runningLoss  float64
		runningSteps int
		totalLoss    float64
		last         *Metrics
	)

	t.log.Info().
		Int("examples", len(train)).
		Int("eval_examples", len(eval)).
		Int("epochs", t.args.NumEpochs).
		Int("total_steps", total).
		Msg("Starting training")

	for epoch := 0; epoch < t.args.NumEpochs; epoch++ {
		order := rng.Perm(len(train))
		for b := 0; b < stepsPerEpoch; b++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			idx := order[b*bs : min((b+1)*bs, len(train))]
			xb, yb := gather(trainX, trainY, idx)

			act, err := head.Forward(xb)
			if err != nil {
				return nil, err
			}
			loss, grads, err := head.Backward(act, yb)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", step+1, err)
			}
			norm := clipGradNorm(grads, t.args.MaxGradNorm)
			lr := linearSchedule(t.args.LearningRate, step, t.args.WarmupSteps, total)
			opt.step(grads, lr)
			step++

			runningLoss += loss
			runningSteps++
			totalLoss += loss
			epochPos := float64(epoch) + float64(b+1)/float64(stepsPerEpoch)
			t.state.GlobalStep = step
			t.state.Epoch = epochPos

			if t.args.LoggingSteps > 0 && step%t.args.LoggingSteps == 0 {
				t.record(LogEntry{Step: step, Epoch: epochPos, Loss: runningLoss / float64(runningSteps), LearningRate: lr, GradNorm: norm})
				runningLoss, runningSteps = 0, 0
			}
			if evalX != nil && t.args.EvalStrategy == EvalSteps && step%t.args.EvalSteps == 0 {
				if last, err = t.evaluateFeatures(evalX, evalY); err != nil {
					return nil, err
				}
				t.record(LogEntry{Step: step, Epoch: epochPos, Eval: last})
			}
		}
		if evalX != nil && t.args.EvalStrategy == EvalEpoch {
			if last, err = t.evaluateFeatures(evalX, evalY); err != nil {
				return nil, err
			}
			t.record(LogEntry{Step: step, Epoch: float64(epoch + 1), Eval: last})
			t.log.Info().
				Int("epoch", epoch+1).
				Float64("eval_accuracy", last.Accuracy).
				Float64("eval_loss", last.Loss).
				Msg("Evaluation finished")
		}
	}

	t.state.TrainingLoss = totalLoss / float64(step)
	t.log.Info().Int("global_step", step).Float64("training_loss", t.state.TrainingLoss).Msg("Training finished")
	return &Result{GlobalStep: step, TrainingLoss: t.state.TrainingLoss, Eval: last, History: t.state.LogHistory}, nil
}

// Evaluate computes loss and accuracy of the current model on examples.
func (t *Trainer) Evaluate(ctx context.Context, examples []dataset.Example) (*Metrics, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("no evaluation examples")
	}
	x, err := t.features(ctx, examples, t.args.EvalBatchSize)
	if err != nil {
		return nil, err
	}
	return t.evaluateFeatures(x, targets(examples))
}

func (t *Trainer) evaluateFeatures(x *mat.Dense, y []int) (*Metrics, error) {
	n, _ := x.Dims()
	preds := make([]int, 0, n)
	var lossSum float64
	for start := 0; start < n; start += t.args.EvalBatchSize {
		end := min(start+t.args.EvalBatchSize, n)
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		xb, yb := gather(x, y, idx)
		act, err := t.model.Head.Forward(xb)
		if err != nil {
			return nil, err
		}
		loss, _, err := t.model.Head.Backward(act, yb)
		if err != nil {
			return nil, err
		}
		lossSum += loss * float64(len(idx))
		preds = append(preds, model.Argmax(act.Logits)...)
	}
	acc, err := Accuracy(preds, y)
	if err != nil {
		return nil, err
	}
	return &Metrics{Loss: lossSum / float64(n), Accuracy: acc, Samples: n}, nil
}

// features runs the backbone over examples in batches, in parallel.
func (t *Trainer) features(ctx context.Context, examples []dataset.Example, batchSize int) (*mat.Dense, error) {
	rows := make([][]float32, len(examples))
	p := pool.New().WithMaxGoroutines(t.args.Workers).WithContext(ctx).WithCancelOnError()
	for start := 0; start < len(examples); start += batchSize {
		start, end := start, min(start+batchSize, len(examples))
		p.Go(func(ctx context.Context) error {
			batch := examples[start:end]
			ids := make([][]int64, len(batch))
			masks := make([][]int64, len(batch))
			for i, ex := range batch {
				ids[i], masks[i] = ex.InputIDs, ex.AttentionMask
			}
			vecs, err := t.model.Backbone.Encode(ctx, ids, masks)
			if err != nil {
				return err
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("backbone returned %d rows for a batch of %d", len(vecs), len(batch))
			}
			copy(rows[start:end], vecs)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return model.ToDense(rows, t.model.Backbone.Dimensions())
}

func (t *Trainer) record(e LogEntry) {
	t.state.LogHistory = append(t.state.LogHistory, e)
	ev := t.progress.Info().Int("step", e.Step).Float64("epoch", e.Epoch)
	if e.Eval != nil {
		ev.Float64("eval_loss", e.Eval.Loss).
			Float64("eval_accuracy", e.Eval.Accuracy).
			Int("eval_samples", e.Eval.Samples).
			Msg("eval")
		return
	}
	ev.Float64("loss", e.Loss).
		Float64("learning_rate", e.LearningRate).
		Float64("grad_norm", e.GradNorm).
		Msg("train")
}

// openProgress points the progress logger at <LoggingDir>/trainer_state.jsonl.
func (t *Trainer) openProgress() (func(), error) {
	if t.args.LoggingDir == "" {
		t.progress = zerolog.Nop()
		return func() {}, nil
	}
	if err := os.MkdirAll(t.args.LoggingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logging dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(t.args.LoggingDir, ProgressFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}
	t.progress = zerolog.New(f).With().Timestamp().Logger()
	return func() {
		t.progress = zerolog.Nop()
		f.Close()
	}, nil
}

// Save writes the model artifact plus training_args.json and
// trainer_state.json to the output dir.
func (t *Trainer) Save() error {
	dir := t.args.OutputDir
	if err := t.model.Save(dir); err != nil {
		return err
	}
	for name, v := range map[string]any{ArgsFile: t.args, StateFile: t.state} {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	t.log.Info().Str("dir", dir).Msg("Saved model")
	return nil
}

func targets(examples []dataset.Example) []int {
	out := make([]int, len(examples))
	for i, ex := range examples {
		out[i] = ex.LabelID
	}
	return out
}

func gather(x *mat.Dense, y []int, idx []int) (*mat.Dense, []int) {
	_, dims := x.Dims()
	xb := mat.NewDense(len(idx), dims, nil)
	yb := make([]int, len(idx))
	for i, j := range idx {
		xb.SetRow(i, x.RawRowView(j))
		yb[i] = y[j]
	}
	return xb, yb
}
