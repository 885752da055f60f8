// Package file provides file-based persistence for single-process deployments and tests.
//
// Documents are stored as JSON under <root>/<tenant>/<collection>/. Conditional
// writes are serialized by a process-wide mutex, so the file backend gives the
// same compare-and-swap guarantees as PostgreSQL only within one process.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/datachoreography/choreo/pkg/persistence"
)

var errInvalidSegment = errors.New("identifier contains invalid characters")

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string
	mu   sync.Mutex

	chainLocksMu sync.Mutex
	chainLocks   map[string]*sync.Mutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{
		root:       strings.Replace(root, "file://", "", 1),
		chainLocks: make(map[string]*sync.Mutex),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return &workflowRepository{p}
}

func (p *Persistence) RunRepository() persistence.RunRepository {
	return &runRepository{p}
}

func (p *Persistence) ApprovalRepository() persistence.ApprovalRepository {
	return &approvalRepository{p}
}

func (p *Persistence) ComplianceRepository() persistence.ComplianceRepository {
	return &complianceRepository{p}
}

func (p *Persistence) IdempotencyRepository() persistence.IdempotencyRepository {
	return &idempotencyRepository{p}
}

func (p *Persistence) ConnectionRepository() persistence.ConnectionRepository {
	return &connectionRepository{p}
}

func (p *Persistence) SecretRepository() persistence.SecretRepository {
	return &secretRepository{p}
}

// chainLock returns the append mutex of a tenant chain.
func (p *Persistence) chainLock(tenantID string) *sync.Mutex {
	p.chainLocksMu.Lock()
	defer p.chainLocksMu.Unlock()

	l, ok := p.chainLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		p.chainLocks[tenantID] = l
	}

	return l
}

// path joins validated segments under the root.
func (p *Persistence) path(segments ...string) (string, error) {
	for _, s := range segments {
		if s == "" || s == "." || strings.Contains(s, "..") || strings.ContainsAny(s, `/\`) {
			return "", fmt.Errorf("%w: %q", errInvalidSegment, s)
		}
	}

	return filepath.Join(append([]string{p.root}, segments...)...), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}

	return nil
}

// writeJSON writes v atomically through a temporary file and rename.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	return os.Rename(tmp, path)
}

func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// readDir decodes every JSON document in dir, sorted by file name.
func readDir[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*T{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	items := make([]*T, 0, len(names))
	for _, name := range names {
		item := new(T)
		if err := readJSON(filepath.Join(dir, name), item); err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, nil
}

// tenants lists the tenant directories under the root.
func (p *Persistence) tenants() ([]string, error) {
	entries, err := os.ReadDir(p.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tenants := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			tenants = append(tenants, e.Name())
		}
	}

	return tenants, nil
}

// notFound maps a missing file to the given sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return sentinel
	}

	return err
}
