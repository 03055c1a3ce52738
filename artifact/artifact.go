// Package artifact places generated content into the project workspace.
// The sink is idempotent: placing identical content with an identical
// strategy a second time returns the same path and leaves the workspace
// unchanged.
package artifact

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode selects the placement behavior.
type Mode string

const (
	// ModeCreate writes a new file, deriving a name when none is given.
	ModeCreate Mode = "create"

	// ModeModify targets an existing file, by exact path or glob.
	ModeModify Mode = "modify"
)

// Action describes what the sink did.
type Action string

const (
	ActionCreated      Action = "created"
	ActionModified     Action = "modified"
	ActionConsolidated Action = "consolidated"
)

// Strategy directs where and how content is placed.
type Strategy struct {
	Mode Mode `json:"mode"`

	// TargetFile is the file path relative to the project root. In
	// modify mode it may be a doublestar glob; the lexically first
	// match wins.
	TargetFile string `json:"target_file,omitempty"`

	// TargetDir is the directory for derived file names.
	TargetDir string `json:"target_dir,omitempty"`

	// NamingHints influence derived names: "base_name", "extension",
	// "prefix".
	NamingHints map[string]string `json:"naming_hints,omitempty"`
}

// Placement is the successful result of Place.
type Placement struct {
	// Path is relative to the project root.
	Path   string `json:"path"`
	Action Action `json:"action"`
}

// Sink writes artifacts into the workspace.
type Sink interface {
	Place(ctx context.Context, content string, strategy Strategy) (*Placement, error)
}

// Errors returned by the filesystem sink.
var (
	ErrInvalidMode  = errors.New("artifact: invalid mode")
	ErrNoMatch      = errors.New("artifact: no file matches target pattern")
	ErrOutsideRoot  = errors.New("artifact: target escapes project root")
	ErrEmptyContent = errors.New("artifact: empty content")
)

// FSSink is the filesystem Sink rooted at the project directory.
type FSSink struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFSSink creates a sink rooted at root.
func NewFSSink(root string, logger *slog.Logger) *FSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSSink{root: root, logger: logger}
}

// Place writes content per the strategy and reports the path relative to
// the project root.
func (s *FSSink) Place(_ context.Context, content string, strategy Strategy) (*Placement, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strategy.Mode {
	case ModeCreate:
		return s.placeCreate(content, strategy)
	case ModeModify:
		return s.placeModify(content, strategy)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, strategy.Mode)
	}
}

func (s *FSSink) placeCreate(content string, strategy Strategy) (*Placement, error) {
	rel := strategy.TargetFile
	if rel == "" {
		rel = filepath.Join(strategy.TargetDir, s.deriveName(content, strategy.NamingHints))
	}
	rel, err := s.cleanRel(rel)
	if err != nil {
		return nil, err
	}

	existing, exists, err := s.read(rel)
	if err != nil {
		return nil, err
	}
	switch {
	case !exists:
		if err := s.write(rel, content); err != nil {
			return nil, err
		}
		s.logger.Debug("artifact created", "path", rel)
		return &Placement{Path: rel, Action: ActionCreated}, nil
	case existing == content:
		return &Placement{Path: rel, Action: ActionCreated}, nil
	default:
		// Divergent content at the create target is folded in by safe
		// overwrite.
		if err := s.write(rel, content); err != nil {
			return nil, err
		}
		s.logger.Debug("artifact consolidated", "path", rel)
		return &Placement{Path: rel, Action: ActionConsolidated}, nil
	}
}

func (s *FSSink) placeModify(content string, strategy Strategy) (*Placement, error) {
	if strategy.TargetFile == "" {
		return nil, fmt.Errorf("artifact: modify requires target_file")
	}

	rel, err := s.resolveTarget(strategy.TargetFile)
	if err != nil {
		return nil, err
	}

	existing, exists, err := s.read(rel)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := s.write(rel, content); err != nil {
			return nil, err
		}
		s.logger.Debug("artifact created", "path", rel)
		return &Placement{Path: rel, Action: ActionCreated}, nil
	}
	if existing == content {
		return &Placement{Path: rel, Action: ActionModified}, nil
	}
	if err := s.write(rel, content); err != nil {
		return nil, err
	}
	s.logger.Debug("artifact modified", "path", rel)
	return &Placement{Path: rel, Action: ActionModified}, nil
}

// resolveTarget maps a literal path or doublestar glob to one relative
// path. Glob resolution is deterministic: matches are sorted and the
// first wins.
func (s *FSSink) resolveTarget(target string) (string, error) {
	if !strings.ContainsAny(target, "*?[{") {
		return s.cleanRel(target)
	}

	matches, err := doublestar.Glob(os.DirFS(s.root), target)
	if err != nil {
		return "", fmt.Errorf("artifact: bad target pattern %q: %w", target, err)
	}
	files := matches[:0]
	for _, m := range matches {
		info, err := fs.Stat(os.DirFS(s.root), m)
		if err == nil && !info.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoMatch, target)
	}
	sort.Strings(files)
	return s.cleanRel(files[0])
}

// deriveName builds a file name from naming hints and a content digest.
func (s *FSSink) deriveName(content string, hints map[string]string) string {
	base := hints["base_name"]
	if base == "" {
		sum := sha256.Sum256([]byte(content))
		base = fmt.Sprintf("artifact-%x", sum[:6])
	}
	ext := hints["extension"]
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return hints["prefix"] + base + ext
}

// cleanRel normalizes a relative path and rejects escapes from the root.
func (s *FSSink) cleanRel(rel string) (string, error) {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || rel == "" {
		return "", fmt.Errorf("artifact: empty target path")
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return filepath.ToSlash(rel), nil
}

func (s *FSSink) read(rel string) (string, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("artifact: read %s: %w", rel, err)
	}
	return string(raw), true, nil
}

func (s *FSSink) write(rel, content string) error {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("artifact: create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", rel, err)
	}
	return nil
}
