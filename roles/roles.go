// Package roles implements the specialized agent shells. Each role is a
// thin layer over the agent runtime: a fixed name, a keyword table that
// classifies task descriptions into subtypes, a prompt per subtype, and a
// placement strategy for the generated artifact.
package roles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mafkit/maf/agent"
	"github.com/mafkit/maf/artifact"
	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/event"
	"github.com/mafkit/maf/llm"
	"github.com/mafkit/maf/model"
)

// maxGenerateTokens bounds a single artifact generation.
const maxGenerateTokens = 8192

// Subtype is one classification bucket within a role. Keywords are
// matched case-insensitively against the task description; the first
// subtype with a hit wins and the last subtype of a role is the default.
type Subtype struct {
	Name     string
	Keywords []string
	Prompt   string
	Strategy artifact.Strategy
}

// Role is a specialized agent shell.
type Role struct {
	name       string
	capability model.Capability
	subtypes   []Subtype
	gen        llm.Generator
	sink       artifact.Sink
	logger     *slog.Logger
}

// New builds a role shell by canonical name.
func New(name string, gen llm.Generator, sink artifact.Sink, logger *slog.Logger) (*Role, error) {
	subtypes, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("roles: unknown role %q", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Role{
		name:       name,
		capability: model.CapabilityForRole(name),
		subtypes:   subtypes,
		gen:        gen,
		sink:       sink,
		logger:     logger.With("role", name),
	}, nil
}

// Name returns the canonical role name.
func (r *Role) Name() string { return r.name }

// Capability returns the model capability this role generates with.
func (r *Role) Capability() model.Capability { return r.capability }

// NewAgent binds the role to a bus as a runnable agent.
func (r *Role) NewAgent(b bus.EventBus, logger *slog.Logger) *agent.Base {
	return agent.NewBase(r.name, b, r.Process, logger)
}

// Process is the role's task worker: classify, generate, place, report.
func (r *Role) Process(ctx context.Context, taskID string, data event.Data) (*event.TaskResult, error) {
	if strings.TrimSpace(data.Description) == "" {
		return nil, fmt.Errorf("task %s has no description", taskID)
	}

	subtype := r.classify(data.Description)
	r.logger.Debug("task classified", "task_id", taskID, "subtype", subtype.Name)

	prompt := fmt.Sprintf(subtype.Prompt, data.Description)
	content, err := r.gen.Generate(ctx, prompt, maxGenerateTokens)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	content = stripCodeFences(content)

	strategy := subtype.Strategy
	if strategy.NamingHints == nil || strategy.NamingHints["base_name"] == "" {
		hints := map[string]string{"base_name": taskID}
		for k, v := range strategy.NamingHints {
			hints[k] = v
		}
		strategy.NamingHints = hints
	}

	placement, err := r.sink.Place(ctx, content, strategy)
	if err != nil {
		return nil, fmt.Errorf("place artifact: %w", err)
	}

	return &event.TaskResult{
		Status: "completed",
		Path:   placement.Path,
		Action: string(placement.Action),
		Message: fmt.Sprintf("%s %s artifact at %s",
			r.name, subtype.Name, placement.Path),
	}, nil
}

// classify picks the first subtype whose keyword appears in the
// description; the role's last subtype is the default.
func (r *Role) classify(description string) Subtype {
	lowered := strings.ToLower(description)
	for _, st := range r.subtypes {
		for _, kw := range st.Keywords {
			if strings.Contains(lowered, kw) {
				return st
			}
		}
	}
	return r.subtypes[len(r.subtypes)-1]
}

// stripCodeFences removes a single wrapping markdown code fence.
func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[len(lines)-1], "```") {
		return content
	}
	return strings.Join(lines[1:len(lines)-1], "\n") + "\n"
}

// Names returns the canonical role names, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Valid reports whether name is a canonical role.
func Valid(name string) bool {
	_, ok := catalog[name]
	return ok
}

// roleAliases maps non-derivable spellings to canonical names. Suffixes
// like "agent", "developer", "engineer" are stripped before lookup.
var roleAliases = map[string]string{
	"db":                "database",
	"dba":               "database",
	"front_end":         "frontend",
	"back_end":          "backend",
	"ui_ux":             "uxui",
	"ux_ui":             "uxui",
	"ux":                "uxui",
	"designer":          "uxui",
	"quality_assurance": "qa",
	"testing":           "qa",
	"tester":            "qa",
	"documentation":     "docs",
	"doc":               "docs",
	"infrastructure":    "devops",
	"ops":               "devops",
	"sec":               "security",
}

var roleSuffixes = []string{"_agent", "_developer", "_engineer", "_architect", "_specialist", "_writer", "_designer"}

// Normalize maps a role alias to its canonical snake_case name. It
// accepts spellings like "Database Architect Agent" and
// "database_architect_agent".
func Normalize(raw string) (string, bool) {
	key := normalizeKey(raw)
	if key == "" {
		return "", false
	}

	for {
		if Valid(key) {
			return key, true
		}
		if canonical, ok := roleAliases[key]; ok {
			return canonical, true
		}
		stripped := key
		for _, suffix := range roleSuffixes {
			if strings.HasSuffix(stripped, suffix) {
				stripped = strings.TrimSuffix(stripped, suffix)
				break
			}
		}
		if stripped == key {
			return "", false
		}
		key = stripped
	}
}

// normalizeKey lowercases and converts separator runs to underscores.
func normalizeKey(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	lastUnderscore := true
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
