package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runstream/internal/adapter/llm"
	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/service"
	"github.com/xiaot623/gogo/runstream/internal/testutil"
)

type funcStage struct {
	name string
	fn   func(ctx context.Context, st *State, progress Progress) (string, error)
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Run(ctx context.Context, st *State, progress Progress) (string, error) {
	return s.fn(ctx, st, progress)
}

func okStage(name string) Stage {
	return funcStage{name: name, fn: func(ctx context.Context, st *State, progress Progress) (string, error) {
		return name + " output", nil
	}}
}

func newService(t *testing.T) *service.Service {
	t.Helper()
	svc := service.New(testutil.NewTestSQLiteStore(t), metrics.New(), zerolog.Nop(), service.Options{TombstoneTTL: time.Hour})
	t.Cleanup(svc.Close)
	return svc
}

func kinds(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.SourceID + "/" + string(ev.Kind)
	}
	return out
}

func TestExecuteSuccessEmitsOrderedProgressAndReport(t *testing.T) {
	svc := newService(t)
	runner := NewRunner(svc, []Stage{okStage("EHRAgent"), okStage("ImagingAgent")}, 0, zerolog.Nop())

	report, err := runner.Execute(context.Background(), "r1", json.RawMessage(`{"patient_id":"p1"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"EHRAgent", "ImagingAgent"}, report.Stages)
	require.Equal(t, "EHRAgent output", report.Sections["EHRAgent"])

	events := svc.Events("r1", nil)
	require.Equal(t, []string{
		"Coordinator/ACTIVE",
		"Coordinator/ACTIVE",
		"EHRAgent/ACTIVE",
		"EHRAgent/DONE",
		"Coordinator/ACTIVE",
		"ImagingAgent/ACTIVE",
		"ImagingAgent/DONE",
		"Coordinator/DONE",
		"report/REPORT",
	}, kinds(events))
	require.JSONEq(t, `{"target_agent":"EHRAgent"}`, string(events[1].Payload))

	last, ok := svc.LastReport("r1")
	require.True(t, ok)
	raw, ok := last.Report()
	require.True(t, ok)
	var got Report
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "r1", got.RunID)
}

func TestExecuteStageFailureBecomesOneErrorEvent(t *testing.T) {
	svc := newService(t)
	boom := funcStage{name: "PathologyAgent", fn: func(context.Context, *State, Progress) (string, error) {
		return "", errors.New("model unavailable")
	}}
	runner := NewRunner(svc, []Stage{okStage("EHRAgent"), boom, okStage("Never")}, 0, zerolog.Nop())

	_, err := runner.Execute(context.Background(), "r1", nil)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "PathologyAgent", stageErr.Stage)

	events := svc.Events("r1", nil)
	var errorsSeen int
	for _, ev := range events {
		require.NotEqual(t, "Never", ev.SourceID)
		require.NotEqual(t, domain.EventKindReport, ev.Kind)
		if ev.Kind == domain.EventKindError {
			errorsSeen++
		}
	}
	require.Equal(t, 1, errorsSeen)

	final := events[len(events)-1]
	require.Equal(t, domain.EventKindError, final.Kind)
	var details map[string]string
	require.NoError(t, json.Unmarshal(final.Payload, &details))
	require.Equal(t, "PathologyAgent", details["stage"])
	require.NotEmpty(t, details["error_type"])
}

func TestExecuteRecoversStagePanic(t *testing.T) {
	svc := newService(t)
	panicky := funcStage{name: "GuidelineAgent", fn: func(context.Context, *State, Progress) (string, error) {
		panic("index out of range")
	}}
	runner := NewRunner(svc, []Stage{panicky}, 0, zerolog.Nop())

	_, err := runner.Execute(context.Background(), "r1", nil)
	require.Error(t, err)

	events := svc.Events("r1", nil)
	require.Equal(t, domain.EventKindError, events[len(events)-1].Kind)
}

func TestStartTerminatesAfterRetention(t *testing.T) {
	svc := newService(t)
	runner := NewRunner(svc, []Stage{okStage("EHRAgent")}, 20*time.Millisecond, zerolog.Nop())

	runner.Start("r1", json.RawMessage(`{}`))
	require.Eventually(t, func() bool {
		return svc.State("r1") == domain.RunStateTerminated
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, runner.Shutdown(context.Background()))
}

func TestShutdownCancelsRunningPipeline(t *testing.T) {
	svc := newService(t)
	started := make(chan struct{})
	blocking := funcStage{name: "SpecialistAgent", fn: func(ctx context.Context, st *State, progress Progress) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	runner := NewRunner(svc, []Stage{blocking}, time.Hour, zerolog.Nop())
	runner.Start("r1", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))
	require.Equal(t, domain.RunStateTerminated, svc.State("r1"))
}

func TestModelStageRendersPromptWithPreviousOutputs(t *testing.T) {
	client := &recordingClient{}
	stage, err := NewModelStage("SpecialistAgent", client, "gpt-test")
	require.NoError(t, err)

	var progressed []domain.EventKind
	st := &State{
		RunID:   "r1",
		Case:    json.RawMessage(`{"patient_id":"p1"}`),
		Outputs: map[string]string{"EHRAgent": "history of smoking"},
	}
	out, err := stage.Run(context.Background(), st, func(kind domain.EventKind, _ string) {
		progressed = append(progressed, kind)
	})
	require.NoError(t, err)
	require.Equal(t, "assessment", out)
	require.Equal(t, []domain.EventKind{domain.EventKindWaiting}, progressed)

	require.Equal(t, "gpt-test", client.last.Model)
	prompt := client.last.Messages[0].Content
	require.True(t, strings.Contains(prompt, "SpecialistAgent"))
	require.True(t, strings.Contains(prompt, `"patient_id": "p1"`))
	require.True(t, strings.Contains(prompt, "Findings from EHRAgent"))
}

func TestModelStagesWithMockClient(t *testing.T) {
	svc := newService(t)
	stages, err := ModelStages([]string{"EHRAgent", "EvaluationAgent"}, llm.NewMockClient(), "mock")
	require.NoError(t, err)

	report, err := NewRunner(svc, stages, 0, zerolog.Nop()).Execute(context.Background(), "r1", json.RawMessage(`{"age":61}`))
	require.NoError(t, err)
	require.Contains(t, report.Sections["EvaluationAgent"], "## Summary")
}

type recordingClient struct {
	last *llm.ChatCompletionRequest
}

func (c *recordingClient) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	c.last = req
	return &llm.ChatCompletionResponse{Choices: []llm.Choice{{Message: &llm.ChatMessage{Role: "assistant", Content: " assessment "}}}}, nil
}

func TestAdoptClosesInterruptedRun(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	res, err := svc.Emit(ctx, "r1", "EHRAgent", domain.EventKindActive, "Starting EHRAgent", nil)
	require.NoError(t, err)

	runner := NewRunner(svc, nil, time.Hour, zerolog.Nop())
	runner.Adopt(ctx, "r1", res.Event)

	events := svc.Events("r1", nil)
	require.Len(t, events, 2)
	require.Equal(t, domain.EventKindError, events[1].Kind)

	require.NoError(t, runner.Shutdown(ctx))
	require.Equal(t, domain.RunStateTerminated, svc.State("r1"))
}

func TestAdoptKeepsFinishedRunUntilRetention(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	res, err := svc.EmitReport(ctx, "r1", map[string]string{"summary": "done"})
	require.NoError(t, err)

	runner := NewRunner(svc, nil, 20*time.Millisecond, zerolog.Nop())
	runner.Adopt(ctx, "r1", res.Event)
	require.Len(t, svc.Events("r1", nil), 1)

	require.Eventually(t, func() bool {
		return svc.State("r1") == domain.RunStateTerminated
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, runner.Shutdown(ctx))
}
