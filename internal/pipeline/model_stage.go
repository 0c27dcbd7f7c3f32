package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/xiaot623/gogo/runstream/internal/adapter/llm"
	"github.com/xiaot623/gogo/runstream/internal/domain"
)

const defaultPrompt = `You are the {{.Stage}} of a multidisciplinary review.

Case:
{{.Case}}
{{- range $name, $out := .Previous}}

Findings from {{$name}}:
{{$out}}
{{- end}}

Write your assessment with a "## Summary" section and a "## Findings" section.`

type promptData struct {
	Stage    string
	Case     string
	Previous map[string]string
}

// ModelStage renders a prompt from the run state and asks a chat model.
type ModelStage struct {
	name   string
	client llm.ChatClient
	model  string
	tmpl   *template.Template
}

// NewModelStage creates a stage using the default prompt template.
func NewModelStage(name string, client llm.ChatClient, model string) (*ModelStage, error) {
	return NewModelStageWithPrompt(name, client, model, defaultPrompt)
}

// NewModelStageWithPrompt creates a stage with a custom text/template prompt.
func NewModelStageWithPrompt(name string, client llm.ChatClient, model, prompt string) (*ModelStage, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt for %s: %w", name, err)
	}
	return &ModelStage{name: name, client: client, model: model, tmpl: tmpl}, nil
}

// Name implements Stage.
func (s *ModelStage) Name() string { return s.name }

// Run implements Stage.
func (s *ModelStage) Run(ctx context.Context, st *State, progress Progress) (string, error) {
	caseText := string(st.Case)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, st.Case, "", "  "); err == nil {
		caseText = pretty.String()
	}

	var prompt strings.Builder
	if err := s.tmpl.Execute(&prompt, promptData{Stage: s.name, Case: caseText, Previous: st.Outputs}); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	progress(domain.EventKindWaiting, "Awaiting model inference")
	resp, err := s.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: s.model,
		Messages: []llm.ChatMessage{
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("model returned an empty answer")
	}
	return text, nil
}

// ModelStages builds one ModelStage per name.
func ModelStages(names []string, client llm.ChatClient, model string) ([]Stage, error) {
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		st, err := NewModelStage(name, client, model)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}
