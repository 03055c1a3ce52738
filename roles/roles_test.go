package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mafkit/maf/artifact"
	"github.com/mafkit/maf/event"
	"github.com/mafkit/maf/llm"
	"github.com/mafkit/maf/model"
)

func TestNames(t *testing.T) {
	names := Names()
	assert.Equal(t, []string{
		"backend", "database", "devops", "docs",
		"frontend", "qa", "security", "uxui",
	}, names)
	for _, name := range names {
		assert.True(t, Valid(name))
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"backend", "backend", true},
		{"Backend", "backend", true},
		{"backend_agent", "backend", true},
		{"Backend Developer Agent", "backend", true},
		{"Database Architect Agent", "database", true},
		{"database_architect_agent", "database", true},
		{"front-end", "frontend", true},
		{"DBA", "database", true},
		{"UX/UI", "uxui", true},
		{"ux designer", "uxui", true},
		{"Quality Assurance", "qa", true},
		{"QA Engineer", "qa", true},
		{"documentation", "docs", true},
		{"Docs Writer", "docs", true},
		{"infrastructure", "devops", true},
		{"Security Specialist", "security", true},
		{"", "", false},
		{"astrologer", "", false},
		{"agent", "", false},
	}
	for _, tt := range tests {
		got, ok := Normalize(tt.in)
		assert.Equal(t, tt.ok, ok, "Normalize(%q)", tt.in)
		assert.Equal(t, tt.want, got, "Normalize(%q)", tt.in)
	}
}

func TestNewUnknownRole(t *testing.T) {
	_, err := New("astrologer", &llm.Mock{}, nil, nil)
	assert.Error(t, err)
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	r, err := New("backend", &llm.Mock{}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "api_route", r.classify("Build the REST Endpoint for users").Name)
	assert.Equal(t, "service", r.classify("background WORKER for emails").Name)
	assert.Equal(t, "logic", r.classify("implement password hashing").Name, "default subtype")
}

func TestClassifyPerRoleTables(t *testing.T) {
	tests := []struct {
		role        string
		description string
		want        string
	}{
		{"frontend", "Add a login form component", "component"},
		{"frontend", "Create the settings page", "page"},
		{"database", "Write the migration for the users table", "schema"},
		{"database", "Optimize the slow report query", "query"},
		{"devops", "Set up the deploy pipeline", "pipeline"},
		{"devops", "Write the Dockerfile and container setup", "infra"},
		{"qa", "Add integration coverage for checkout", "e2e"},
		{"qa", "Unit test the tax calculator", "unit_tests"},
		{"docs", "Document the REST API reference", "api_docs"},
		{"security", "Audit the payment flow", "audit"},
		{"security", "Add token rotation", "hardening"},
		{"uxui", "Produce a wireframe for onboarding", "wireframe"},
		{"uxui", "Define the color palette", "styleguide"},
	}
	for _, tt := range tests {
		r, err := New(tt.role, &llm.Mock{}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.classify(tt.description).Name,
			"%s: %q", tt.role, tt.description)
	}
}

func TestProcessPlacesArtifact(t *testing.T) {
	mock := &llm.Mock{Response: "```go\npackage api\n```"}
	sink := artifact.NewFSSink(t.TempDir(), nil)
	r, err := New("backend", mock, sink, nil)
	require.NoError(t, err)

	result, err := r.Process(context.Background(), "t-1", event.Data{
		Description: "Build the users endpoint",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "backend/api/t-1.go", result.Path)
	assert.Equal(t, string(artifact.ActionCreated), result.Action)
	assert.NotEmpty(t, result.Message)

	// The fence wrapper is stripped before placement.
	require.Len(t, mock.Prompts, 1)
	assert.Contains(t, mock.Prompts[0], "Build the users endpoint")
}

func TestProcessGeneratorFailure(t *testing.T) {
	mock := &llm.Mock{Err: errors.New("provider down")}
	sink := artifact.NewFSSink(t.TempDir(), nil)
	r, err := New("frontend", mock, sink, nil)
	require.NoError(t, err)

	_, err = r.Process(context.Background(), "t-1", event.Data{Description: "Add a form component"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate")
}

func TestProcessSinkFailure(t *testing.T) {
	r, err := New("docs", &llm.Mock{Response: "content"}, failingSink{}, nil)
	require.NoError(t, err)

	_, err = r.Process(context.Background(), "t-1", event.Data{Description: "Write the guide"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "place artifact")
}

func TestProcessEmptyDescription(t *testing.T) {
	r, err := New("qa", &llm.Mock{}, nil, nil)
	require.NoError(t, err)
	_, err = r.Process(context.Background(), "t-1", event.Data{})
	assert.Error(t, err)
}

func TestProcessIdempotentAcrossRetry(t *testing.T) {
	mock := &llm.Mock{Response: "SELECT 1;"}
	sink := artifact.NewFSSink(t.TempDir(), nil)
	r, err := New("database", mock, sink, nil)
	require.NoError(t, err)

	data := event.Data{Description: "Write the report query"}
	first, err := r.Process(context.Background(), "t-9", data)
	require.NoError(t, err)
	second, err := r.Process(context.Background(), "t-9", data)
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path, "retries land on the same artifact path")
}

func TestCapabilityPerRole(t *testing.T) {
	r, err := New("docs", &llm.Mock{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CapabilityWriting, r.Capability())
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, "plain", stripCodeFences("plain"))
	assert.Equal(t, "code\n", stripCodeFences("```go\ncode\n```"))
	assert.Equal(t, "a\nb\n", stripCodeFences("```\na\nb\n```\n"))
}

// failingSink always errors.
type failingSink struct{}

func (failingSink) Place(context.Context, string, artifact.Strategy) (*artifact.Placement, error) {
	return nil, errors.New("disk full")
}
