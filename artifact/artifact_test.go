package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) (*FSSink, string) {
	t.Helper()
	root := t.TempDir()
	return NewFSSink(root, nil), root
}

func readBack(t *testing.T, root, rel string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(raw)
}

func TestCreateWithExplicitFile(t *testing.T) {
	s, root := newSink(t)

	p, err := s.Place(context.Background(), "package api\n", Strategy{
		Mode:       ModeCreate,
		TargetFile: "api/users.go",
	})
	require.NoError(t, err)
	assert.Equal(t, "api/users.go", p.Path)
	assert.Equal(t, ActionCreated, p.Action)
	assert.Equal(t, "package api\n", readBack(t, root, "api/users.go"))
}

func TestCreateDerivesNameFromHints(t *testing.T) {
	s, _ := newSink(t)

	p, err := s.Place(context.Background(), "body {}", Strategy{
		Mode:      ModeCreate,
		TargetDir: "styles",
		NamingHints: map[string]string{
			"base_name": "main",
			"extension": "css",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "styles/main.css", p.Path)
}

func TestCreateDerivesNameFromContentDigest(t *testing.T) {
	s, _ := newSink(t)

	p1, err := s.Place(context.Background(), "same content", Strategy{Mode: ModeCreate, TargetDir: "out"})
	require.NoError(t, err)
	p2, err := s.Place(context.Background(), "same content", Strategy{Mode: ModeCreate, TargetDir: "out"})
	require.NoError(t, err)
	assert.Equal(t, p1.Path, p2.Path, "derived names are content-addressed")
}

func TestPlaceIdempotent(t *testing.T) {
	s, root := newSink(t)
	strategy := Strategy{Mode: ModeCreate, TargetFile: "README.md"}

	p1, err := s.Place(context.Background(), "# hello\n", strategy)
	require.NoError(t, err)
	p2, err := s.Place(context.Background(), "# hello\n", strategy)
	require.NoError(t, err)

	assert.Equal(t, p1.Path, p2.Path)
	assert.Equal(t, "# hello\n", readBack(t, root, "README.md"))
}

func TestCreateOverExistingDifferentContentConsolidates(t *testing.T) {
	s, root := newSink(t)
	strategy := Strategy{Mode: ModeCreate, TargetFile: "config.json"}

	_, err := s.Place(context.Background(), `{"v": 1}`, strategy)
	require.NoError(t, err)
	p, err := s.Place(context.Background(), `{"v": 2}`, strategy)
	require.NoError(t, err)

	assert.Equal(t, ActionConsolidated, p.Action)
	assert.Equal(t, `{"v": 2}`, readBack(t, root, "config.json"))
}

func TestModifyExistingFile(t *testing.T) {
	s, root := newSink(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("old"), 0o644))

	p, err := s.Place(context.Background(), "new", Strategy{Mode: ModeModify, TargetFile: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, ActionModified, p.Action)
	assert.Equal(t, "new", readBack(t, root, "main.go"))
}

func TestModifyMissingFileCreatesIt(t *testing.T) {
	s, _ := newSink(t)

	p, err := s.Place(context.Background(), "fresh", Strategy{Mode: ModeModify, TargetFile: "docs/notes.md"})
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, p.Action)
}

func TestModifyGlobTarget(t *testing.T) {
	s, root := newSink(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src/api"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/api/routes.go"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/api/users.go"), []byte("b"), 0o644))

	p, err := s.Place(context.Background(), "patched", Strategy{
		Mode:       ModeModify,
		TargetFile: "src/**/*.go",
	})
	require.NoError(t, err)
	// Deterministic pick: lexically first match.
	assert.Equal(t, "src/api/routes.go", p.Path)
	assert.Equal(t, "patched", readBack(t, root, "src/api/routes.go"))
}

func TestModifyGlobNoMatch(t *testing.T) {
	s, _ := newSink(t)
	_, err := s.Place(context.Background(), "x", Strategy{
		Mode:       ModeModify,
		TargetFile: "missing/**/*.py",
	})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestRejectsEscapeFromRoot(t *testing.T) {
	s, _ := newSink(t)
	_, err := s.Place(context.Background(), "x", Strategy{
		Mode:       ModeCreate,
		TargetFile: "../outside.txt",
	})
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestRejectsInvalidMode(t *testing.T) {
	s, _ := newSink(t)
	_, err := s.Place(context.Background(), "x", Strategy{Mode: "append"})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestRejectsEmptyContent(t *testing.T) {
	s, _ := newSink(t)
	_, err := s.Place(context.Background(), "", Strategy{Mode: ModeCreate, TargetFile: "a.txt"})
	assert.ErrorIs(t, err, ErrEmptyContent)
}
