package decompose

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mafkit/maf/llm"
)

func TestDecomposeParsesArray(t *testing.T) {
	mock := &llm.Mock{Response: `Here you go:
` + "```json\n" + `[
  {"role": "frontend", "description": "Build the login form"},
  {"role": "backend", "description": "Implement the auth endpoint"},
]` + "\n```"}

	d := NewLLM(mock, nil)
	subtasks, err := d.Decompose(context.Background(), "Add login")
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, Subtask{Role: "frontend", Description: "Build the login form"}, subtasks[0])
	assert.Equal(t, "backend", subtasks[1].Role)

	require.Len(t, mock.Prompts, 1)
	assert.Contains(t, mock.Prompts[0], "Add login")
}

func TestDecomposeDropsIncompleteEntries(t *testing.T) {
	mock := &llm.Mock{Response: `[
		{"role": "qa", "description": "write tests"},
		{"role": "", "description": "orphaned"},
		{"role": "docs"}
	]`}

	d := NewLLM(mock, nil)
	subtasks, err := d.Decompose(context.Background(), "Add search")
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "qa", subtasks[0].Role)
}

func TestDecomposeNoArrayInResponse(t *testing.T) {
	mock := &llm.Mock{Response: "I could not produce tasks for this."}
	d := NewLLM(mock, nil)
	_, err := d.Decompose(context.Background(), "Add login")
	assert.Error(t, err)
}

func TestDecomposeMalformedJSON(t *testing.T) {
	mock := &llm.Mock{Response: `[{"role": backend}]`}
	d := NewLLM(mock, nil)
	_, err := d.Decompose(context.Background(), "Add login")
	assert.Error(t, err)
}

func TestDecomposeGeneratorError(t *testing.T) {
	mock := &llm.Mock{Err: errors.New("provider down")}
	d := NewLLM(mock, nil)
	_, err := d.Decompose(context.Background(), "Add login")
	assert.Error(t, err)
}

func TestDecomposeEmptyDescription(t *testing.T) {
	d := NewLLM(&llm.Mock{}, nil)
	_, err := d.Decompose(context.Background(), "   ")
	assert.Error(t, err)
}

func TestStaticDecomposer(t *testing.T) {
	s := &Static{Subtasks: []Subtask{{Role: "backend", Description: "API"}}}
	got, err := s.Decompose(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	s.Err = errors.New("boom")
	_, err = s.Decompose(context.Background(), "anything")
	assert.Error(t, err)
}
