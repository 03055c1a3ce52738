// Package decompose turns a feature description into role-addressed
// subtasks. The control plane treats the decomposer as an opaque
// collaborator; the LLM-backed implementation prompts for a JSON array
// and parses it defensively.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mafkit/maf/llm"
)

// Subtask is one (role, description) pair produced by decomposition.
type Subtask struct {
	Role        string `json:"role"`
	Description string `json:"description"`
}

// Decomposer splits a feature description into subtasks.
type Decomposer interface {
	Decompose(ctx context.Context, description string) ([]Subtask, error)
}

// maxDecomposeTokens bounds the decomposition response.
const maxDecomposeTokens = 2048

const promptTemplate = `You are a software project planner. Break the following feature into
independent implementation tasks, one per specialist role.

Available roles: frontend, backend, database, devops, qa, docs, security, uxui.

Feature:
%s

Respond with ONLY a JSON array, no prose:
[{"role": "<role>", "description": "<what to build>"}]`

// LLM is the Decomposer backed by a text generator.
type LLM struct {
	gen    llm.Generator
	logger *slog.Logger
}

// NewLLM creates an LLM-backed decomposer.
func NewLLM(gen llm.Generator, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{gen: gen, logger: logger}
}

// Decompose prompts for subtasks and parses the JSON array out of the
// response. Entries missing a role or description are dropped.
func (d *LLM) Decompose(ctx context.Context, description string) ([]Subtask, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("decompose: empty feature description")
	}

	prompt := fmt.Sprintf(promptTemplate, description)
	raw, err := d.gen.Generate(ctx, prompt, maxDecomposeTokens)
	if err != nil {
		return nil, fmt.Errorf("decompose: generate: %w", err)
	}

	extracted := llm.ExtractJSONArray(raw)
	if extracted == "" {
		return nil, fmt.Errorf("decompose: no JSON array in response")
	}

	var subtasks []Subtask
	if err := json.Unmarshal([]byte(extracted), &subtasks); err != nil {
		return nil, fmt.Errorf("decompose: parse subtasks: %w", err)
	}

	valid := subtasks[:0]
	for _, st := range subtasks {
		st.Role = strings.TrimSpace(st.Role)
		st.Description = strings.TrimSpace(st.Description)
		if st.Role == "" || st.Description == "" {
			d.logger.Debug("dropping incomplete subtask", "role", st.Role)
			continue
		}
		valid = append(valid, st)
	}
	return valid, nil
}

// Static returns a fixed subtask list. Used in tests and dry runs.
type Static struct {
	Subtasks []Subtask
	Err      error
}

// Decompose returns the configured subtasks.
func (s *Static) Decompose(context.Context, string) ([]Subtask, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Subtasks, nil
}
