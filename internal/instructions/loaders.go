package instructions

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

// Defaults returns the bundled instruction documents keyed by stage name.
func Defaults() (map[string]string, error) {
	entries, err := fs.ReadDir(defaultsFS, "defaults")
	if err != nil {
		return nil, fmt.Errorf("reading bundled instructions: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		b, err := defaultsFS.ReadFile("defaults/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), ".md")] = string(b)
	}
	return out, nil
}

// DocumentStore is the subset of storage.Store used by StoreLoader.
type DocumentStore interface {
	GetInstruction(ctx context.Context, name string) (string, error)
}

// StoreLoader reads documents from the stage_instructions table.
type StoreLoader struct {
	Store DocumentStore
}

func (l StoreLoader) Load(ctx context.Context, name string) (string, error) {
	doc, err := l.Store.GetInstruction(ctx, name)
	if err != nil {
		return "", fmt.Errorf("loading instruction %q: %w", name, err)
	}
	return doc, nil
}

// DirLoader reads <Dir>/<name>.md.
type DirLoader struct {
	Dir string
}

func (l DirLoader) Load(_ context.Context, name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid instruction name %q", name)
	}
	b, err := os.ReadFile(filepath.Join(l.Dir, name+".md"))
	if err != nil {
		return "", fmt.Errorf("loading instruction %q: %w", name, err)
	}
	return string(b), nil
}
