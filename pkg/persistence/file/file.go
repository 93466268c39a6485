// Package file provides file-based persistence for local development and
// tests. All repositories share one process-wide mutex, which is what makes
// the queue claim atomic within a single process; multi-process deployments
// use the postgres backend.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/postlane/postlane/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file system.
type Persistence struct {
	root  string
	store *store

	automations *AutomationRepository
	contacts    *ContactRepository
	queue       *QueueRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	st := &store{root: cleanRoot}

	return &Persistence{
		root:        cleanRoot,
		store:       st,
		automations: &AutomationRepository{store: st},
		contacts:    &ContactRepository{store: st},
		queue:       &QueueRepository{store: st},
	}
}

// AutomationRepository returns the automation repository.
func (p *Persistence) AutomationRepository() persistence.AutomationRepository {
	return p.automations
}

// ContactRepository returns the contact repository.
func (p *Persistence) ContactRepository() persistence.ContactRepository {
	return p.contacts
}

// QueueRepository returns the execution queue repository.
func (p *Persistence) QueueRepository() persistence.QueueRepository {
	return p.queue
}

// HealthCheck verifies the root directory exists or can be created.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return os.MkdirAll(p.root, 0o755)
}

// Close performs any necessary cleanup. Nothing to clean up for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// store serializes access to the document tree.
type store struct {
	root string
	mu   sync.Mutex
}

func (s *store) path(collection, id string) string {
	return filepath.Join(s.root, collection, id+".json")
}

// read loads one document. Callers hold the mutex.
func (s *store) read(collection, id string, out any) error {
	data, err := os.ReadFile(s.path(collection, id))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

// write stores one document via a temp file and rename so a crash never
// leaves a half-written document behind. Callers hold the mutex.
func (s *store) write(collection, id string, doc any) error {
	dir := filepath.Join(s.root, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	tmp, err := os.CreateTemp(dir, id+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write document: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(collection, id)); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace document: %w", err)
	}

	return nil
}

// ids lists document IDs in a collection. Callers hold the mutex.
func (s *store) ids(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list collection %s: %w", collection, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}
