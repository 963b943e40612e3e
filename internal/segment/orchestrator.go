// Package segment runs one-shot segmentation of a session's volume.
//
// The Orchestrator validates the session, hands the run to a Dispatcher
// worker, and either attaches the complete result or leaves the session
// exactly as it was.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Veraticus/mriseg/internal/apperr"
	"github.com/Veraticus/mriseg/internal/classes"
	"github.com/Veraticus/mriseg/internal/inference"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

// Defaults for Config fields left zero.
const (
	DefaultInputSize   = 256
	DefaultDisplaySize = 512
	DefaultBatchSize   = 8
)

// Config controls preprocessing and batching.
type Config struct {
	InputSize   int           // Model input edge length
	DisplaySize int           // Display raster and mask edge length
	BatchSize   int           // Slices per model call
	NumClasses  int           // Labels must be below this
	Timeout     time.Duration // Bounds one run; zero means no bound beyond the caller's context
}

// Outcome summarizes a completed run.
type Outcome struct {
	SessionID  string
	NumSlices  int
	Statistics []classes.Stat
	Duration   time.Duration
}

// ProcessingTimeMS returns Duration in milliseconds rounded to two decimals.
func (o *Outcome) ProcessingTimeMS() float64 {
	ms := float64(o.Duration) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}

// Orchestrator runs segmentation for sessions.
type Orchestrator struct {
	store      *session.Store
	model      inference.Model
	dispatcher *Dispatcher
	config     Config
	logger     *slog.Logger
}

// NewOrchestrator creates an orchestrator. The dispatcher must be started
// before Run is called.
func NewOrchestrator(store *session.Store, model inference.Model, dispatcher *Dispatcher, config Config) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if config.InputSize <= 0 {
		config.InputSize = DefaultInputSize
	}
	if config.DisplaySize <= 0 {
		config.DisplaySize = DefaultDisplaySize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.NumClasses <= 0 {
		config.NumClasses = classes.Count
	}
	if config.NumClasses > classes.Count {
		return nil, fmt.Errorf("num classes %d exceeds the %d defined classes", config.NumClasses, classes.Count)
	}

	return &Orchestrator{
		store:      store,
		model:      model,
		dispatcher: dispatcher,
		config:     config,
		logger:     slog.Default().With(slog.String("component", "segment.orchestrator")),
	}, nil
}

// Run segments every slice of the session's volume and attaches the result.
//
// It fails with NotFound for unknown sessions, Conflict if the session was
// already segmented or a run is in flight, ResourceExhausted if the queue is
// full, and InferenceFailure if the model fails, panics, times out, or is
// canceled. On any failure the session is left without a result and may be
// run again.
func (o *Orchestrator) Run(ctx context.Context, id string) (*Outcome, error) {
	sess, err := o.store.BeginRun(id)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	var outcome *Outcome
	job := NewJob(runCtx, id, func(jobCtx context.Context) error {
		result, err := o.segment(jobCtx, sess)
		if err != nil {
			return err
		}
		if err := o.store.AttachResult(id, result); err != nil {
			return err
		}
		outcome = &Outcome{
			SessionID:  id,
			NumSlices:  result.NumSlices(),
			Statistics: result.Statistics,
			Duration:   result.Duration,
		}
		return nil
	})

	if err := o.dispatcher.Submit(job); err != nil {
		o.store.AbortRun(id)
		return nil, err
	}

	if err := job.Wait(); err != nil {
		o.store.AbortRun(id)
		err = o.classify(id, err)
		o.logger.WarnContext(ctx, "Segmentation failed",
			slog.String("session_id", id),
			slog.String("kind", apperr.KindOf(err).String()),
			slog.Any("error", err),
		)
		return nil, err
	}

	o.logger.InfoContext(ctx, "Segmentation completed",
		slog.String("session_id", id),
		slog.Int("slices", outcome.NumSlices),
		slog.Duration("duration", outcome.Duration),
	)
	return outcome, nil
}

// segment computes the full result without touching session state.
func (o *Orchestrator) segment(ctx context.Context, sess *session.Session) (*session.Result, error) {
	start := time.Now()

	prepared, err := volume.Preprocess(sess.Volume, o.config.InputSize, o.config.DisplaySize)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	n := len(prepared.Inputs)
	masks := make([]*volume.Mask, 0, n)
	for lo := 0; lo < n; lo += o.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hi := min(lo+o.config.BatchSize, n)
		batch := prepared.Inputs[lo:hi]

		predicted, err := o.model.Predict(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("predict slices %d-%d: %w", lo, hi-1, err)
		}
		if err := inference.CheckOutput(batch, predicted, o.config.NumClasses); err != nil {
			return nil, fmt.Errorf("slices %d-%d: %w", lo, hi-1, err)
		}

		for _, m := range predicted {
			masks = append(masks, m.Resize(o.config.DisplaySize, o.config.DisplaySize))
		}
	}

	return &session.Result{
		Masks:      masks,
		Display:    prepared.Display,
		Statistics: classes.Tally(masks...),
		Duration:   time.Since(start),
	}, nil
}

// classify maps a run failure onto the error taxonomy.
func (o *Orchestrator) classify(id string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.InferenceFailure, "segment.Run", err,
			"Segmentation timed out")
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.InferenceFailure, "segment.Run", err,
			"Segmentation canceled")
	default:
		return apperr.Wrap(apperr.InferenceFailure, "segment.Run", err,
			"Segmentation failed for session %s: %v", id, err)
	}
}

// Model returns the model runs are executed with.
func (o *Orchestrator) Model() inference.Model {
	return o.model
}

// Dispatcher returns the dispatcher runs are queued on.
func (o *Orchestrator) Dispatcher() *Dispatcher {
	return o.dispatcher
}
