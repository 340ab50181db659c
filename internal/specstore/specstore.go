// Package specstore holds the registry of Specs: the immutable,
// tenant-scoped inputs a Plan is generated from. It follows the same
// journal-backed, in-memory-map shape as internal/registry, kept as a
// separate store because a Spec's lifecycle (created once, read many times,
// never mutated) is simpler than a Build's.
package specstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/forgebase/orchestrator/internal/apierr"
	"github.com/forgebase/orchestrator/internal/journal"
	"github.com/forgebase/orchestrator/internal/model"
	"github.com/forgebase/orchestrator/internal/tenancy"
)

type key struct {
	tenant string
	specID string
}

// Store is the tenant-scoped spec registry.
type Store struct {
	mu    sync.Mutex
	specs map[key]*model.Spec
	j     *journal.Journal
}

// Open opens the journal at path and replays it into a fresh Store.
func Open(path string, schemaVersion int) (*Store, error) {
	j, err := journal.Open(path, schemaVersion)
	if err != nil {
		return nil, err
	}
	s := &Store{specs: make(map[key]*model.Spec), j: j}

	err = journal.Replay(path, schemaVersion, func(env journal.Envelope) error {
		var spec model.Spec
		if err := json.Unmarshal(env.Record, &spec); err != nil {
			return nil // corrupt record already logged by journal.Replay's own scan
		}
		k := key{tenant: spec.TenantID, specID: spec.ID}
		s.specs[k] = &spec
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	return s, nil
}

// Create inserts a new, immutable spec. Specs have no update path: a
// changed requirement is a new spec, not a mutation of an old one.
func (s *Store) Create(spec model.Spec) (model.Spec, error) {
	_, canonical := tenancy.Normalize(spec.TenantID)
	spec.TenantID = canonical

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{tenant: canonical, specID: spec.ID}
	if _, exists := s.specs[k]; exists {
		return model.Spec{}, apierr.Conflictf("spec %s already exists", spec.ID)
	}
	stored := spec
	s.specs[k] = &stored
	if err := s.j.Append(canonical+"/"+spec.ID, time.Now().Unix(), stored); err != nil {
		return model.Spec{}, err
	}
	return stored, nil
}

// Get returns a spec by (tenantID, specID). Tenant mismatch and absence
// both surface as NotFound, matching internal/registry's anti existence-leak
// convention.
func (s *Store) Get(tenantID, specID string) (model.Spec, error) {
	_, canonical := tenancy.Normalize(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.specs[key{tenant: canonical, specID: specID}]
	if !ok {
		return model.Spec{}, apierr.NotFoundf("spec %s not found", specID)
	}
	return *spec, nil
}

// Close flushes and closes the underlying journal.
func (s *Store) Close() error {
	return s.j.Close()
}
