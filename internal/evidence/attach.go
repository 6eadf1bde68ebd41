package evidence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/appraise/internal/storage"
)

// MetadataStore records evidence file metadata.
type MetadataStore interface {
	SaveEvidenceFile(ctx context.Context, f storage.EvidenceFile) error
}

// ObjectStore keeps evidence files under <root>/<tenant>/<case>/.
type ObjectStore struct {
	root string
}

func NewObjectStore(root string) *ObjectStore {
	return &ObjectStore{root: root}
}

// Put copies r into the case directory and returns the stored path and size.
func (o *ObjectStore) Put(tenantID, caseID, name string, r io.Reader) (string, int64, error) {
	for _, part := range []string{tenantID, caseID} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == ".." || part == "." {
			return "", 0, fmt.Errorf("invalid path component %q", part)
		}
	}
	dir := filepath.Join(o.root, tenantID, caseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating case directory: %w", err)
	}

	dst := filepath.Join(dir, uuid.New().String()+"-"+filepath.Base(name))
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("creating object: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", 0, fmt.Errorf("writing object: %w", err)
	}
	return dst, n, nil
}

// Attacher uploads local files as case evidence.
type Attacher struct {
	objects *ObjectStore
	store   MetadataStore
	logger  *slog.Logger
}

func NewAttacher(objects *ObjectStore, store MetadataStore, logger *slog.Logger) *Attacher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Attacher{objects: objects, store: store, logger: logger}
}

// Attach stores each file, extracts an excerpt and records its metadata.
// Files are processed concurrently; the first error cancels the rest.
func (a *Attacher) Attach(ctx context.Context, tenantID, caseID string, paths []string) ([]storage.EvidenceFile, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	results := make([]storage.EvidenceFile, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, path := range paths {
		g.Go(func() error {
			f, err := a.attachOne(gCtx, tenantID, caseID, path)
			if err != nil {
				return fmt.Errorf("attaching %s: %w", path, err)
			}
			results[i] = f
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Attacher) attachOne(ctx context.Context, tenantID, caseID, path string) (storage.EvidenceFile, error) {
	if err := ctx.Err(); err != nil {
		return storage.EvidenceFile{}, err
	}
	src, err := os.Open(path)
	if err != nil {
		return storage.EvidenceFile{}, err
	}
	defer src.Close()

	stored, size, err := a.objects.Put(tenantID, caseID, filepath.Base(path), src)
	if err != nil {
		return storage.EvidenceFile{}, err
	}

	contentType := DetectContentType(path)
	excerpt, err := ExtractText(stored, contentType, DefaultExcerptChars)
	if err != nil {
		a.logger.Warn("evidence: text extraction failed", "file", path, "content_type", contentType, "error", err)
		excerpt = ""
	}

	f := storage.EvidenceFile{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		CaseID:      caseID,
		Name:        filepath.Base(path),
		ContentType: contentType,
		SizeBytes:   size,
		StoragePath: stored,
		TextExcerpt: excerpt,
	}
	if err := a.store.SaveEvidenceFile(ctx, f); err != nil {
		return storage.EvidenceFile{}, fmt.Errorf("saving metadata: %w", err)
	}
	return f, nil
}
