// Package pipeline runs the ordered stages of a simulation and reports
// their progress through the run event service.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/service"
)

// CoordinatorID is the source id of events emitted by the runner itself.
const CoordinatorID = "Coordinator"

var errInterrupted = errors.New("pipeline interrupted by restart")

// Emitter is the narrow surface of the run event service used by stages.
type Emitter interface {
	Emit(ctx context.Context, runID, sourceID string, kind domain.EventKind, message string, payload any) (*service.EmitResult, error)
	EmitReport(ctx context.Context, runID string, report any) (*service.EmitResult, error)
	Terminate(ctx context.Context, runID string) (*service.TerminateResult, error)
}

// State is the working data of one run, passed from stage to stage.
type State struct {
	RunID   string
	Case    json.RawMessage
	Outputs map[string]string
}

// Progress lets a stage report intermediate status under its own name.
type Progress func(kind domain.EventKind, message string)

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State, progress Progress) (string, error)
}

// Report is the final document of a successful run.
type Report struct {
	RunID       string            `json:"run_id"`
	Summary     string            `json:"summary"`
	Stages      []string          `json:"stages"`
	Sections    map[string]string `json:"sections"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// StageError wraps the failure of one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runner executes the stages for each run in the background.
type Runner struct {
	emitter   Emitter
	stages    []Stage
	retention time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. retention is how long a finished run stays
// available to late subscribers and the report endpoint before teardown.
func NewRunner(emitter Emitter, stages []Stage, retention time.Duration, logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		emitter:   emitter,
		stages:    stages,
		retention: retention,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the pipeline for runID in the background. The run is always
// terminated afterwards, once the retention period has passed.
func (r *Runner) Start(runID string, caseDoc json.RawMessage) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(runID)

		if _, err := r.Execute(r.ctx, runID, caseDoc); err != nil {
			r.logger.Warn().Err(err).Str("run_id", runID).Msg("pipeline run failed")
		}
	}()
}

// Adopt takes ownership of a run recovered from the event store. A run
// whose history does not end in a terminal event was cut off by a restart
// and is closed with an ERROR event. Adopted runs are terminated after the
// retention period like started ones.
func (r *Runner) Adopt(ctx context.Context, runID string, last domain.Event) {
	if !last.Kind.Terminal() {
		r.logger.Warn().Str("run_id", runID).Int64("last_sequence_id", last.SequenceID).Msg("closing run interrupted by restart")
		r.emitError(ctx, runID, &StageError{Stage: CoordinatorID, Err: errInterrupted})
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.finish(runID)
	}()
}

func (r *Runner) finish(runID string) {
	if r.retention > 0 {
		timer := time.NewTimer(r.retention)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
		}
	}
	if _, err := r.emitter.Terminate(context.Background(), runID); err != nil {
		r.logger.Error().Err(err).Str("run_id", runID).Msg("failed to terminate run")
	}
}

// Shutdown cancels running pipelines and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs every stage in order and emits the final report. Any
// failure, including a panic, becomes exactly one terminal ERROR event.
func (r *Runner) Execute(ctx context.Context, runID string, caseDoc json.RawMessage) (report *Report, err error) {
	logger := r.logger.With().Str("run_id", runID).Logger()
	// emissions use their own context so a cancelled run still reports
	emitCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("pipeline panicked")
			err = fmt.Errorf("pipeline panic: %v", p)
			report = nil
		}
		if err != nil {
			r.emitError(emitCtx, runID, err)
		}
	}()

	r.emit(emitCtx, runID, CoordinatorID, domain.EventKindActive, "Initiating workflow", nil)

	st := &State{RunID: runID, Case: caseDoc, Outputs: make(map[string]string)}
	names := make([]string, 0, len(r.stages))
	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := stage.Name()
		names = append(names, name)

		r.emit(emitCtx, runID, CoordinatorID, domain.EventKindActive,
			"Handing over to "+name, map[string]string{"target_agent": name})
		r.emit(emitCtx, runID, name, domain.EventKindActive, "Starting "+name, nil)

		progress := func(kind domain.EventKind, message string) {
			r.emit(emitCtx, runID, name, kind, message, nil)
		}
		out, err := r.runStage(ctx, stage, st, progress)
		if err != nil {
			return nil, &StageError{Stage: name, Err: err}
		}
		st.Outputs[name] = out
		r.emit(emitCtx, runID, name, domain.EventKindDone, name+" finished", nil)
		logger.Info().Str("stage", name).Msg("stage finished")
	}

	r.emit(emitCtx, runID, CoordinatorID, domain.EventKindDone, "Pipeline finished successfully", nil)

	report = &Report{
		RunID:       runID,
		Summary:     fmt.Sprintf("Simulation complete after %d stages", len(names)),
		Stages:      names,
		Sections:    st.Outputs,
		GeneratedAt: time.Now().UTC(),
	}
	res, err := r.emitter.EmitReport(emitCtx, runID, report)
	if err != nil {
		return nil, fmt.Errorf("failed to emit report: %w", err)
	}
	if !res.Durable() {
		logger.Warn().Err(res.PersistErr).Msg("report delivered but not persisted")
	}
	return report, nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage, st *State, progress Progress) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return stage.Run(ctx, st, progress)
}

func (r *Runner) emit(ctx context.Context, runID, sourceID string, kind domain.EventKind, message string, payload any) {
	if _, err := r.emitter.Emit(ctx, runID, sourceID, kind, message, payload); err != nil {
		r.logger.Error().Err(err).Str("run_id", runID).Str("source_id", sourceID).Msg("failed to emit event")
	}
}

func (r *Runner) emitError(ctx context.Context, runID string, err error) {
	details := map[string]string{
		"error_type": fmt.Sprintf("%T", err),
		"error":      err.Error(),
	}
	source := CoordinatorID
	var se *StageError
	if errors.As(err, &se) {
		details["stage"] = se.Stage
		details["error_type"] = fmt.Sprintf("%T", se.Err)
		source = se.Stage
	}
	r.emit(ctx, runID, source, domain.EventKindError, "Pipeline failed: "+err.Error(), details)
}
