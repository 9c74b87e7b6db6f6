package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gemcap/gemcap/libs/log"
)

// Manager matches, edits and generates identities over a metadata Store and
// a KeyStore. It is safe for concurrent use.
type Manager struct {
	store  Store
	keys   KeyStore
	logger log.Logger
	now    func() time.Time

	// mtx serializes read-modify-write sequences on the store.
	mtx sync.Mutex
}

// Option sets a parameter for the Manager.
type Option func(*Manager)

// Logger sets the logger.
func Logger(l log.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Clock overrides the time source, mainly for tests.
func Clock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager over s and keys.
func NewManager(s Store, keys KeyStore, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		keys:   keys,
		logger: log.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// KeyStore returns the key storage backing the Manager.
func (m *Manager) KeyStore() KeyStore {
	return m.keys
}

// List returns all identities, newest first.
func (m *Manager) List() ([]Identity, error) {
	return m.store.List()
}

// Get returns the identity with the given alias.
func (m *Manager) Get(alias string) (Identity, error) {
	return m.store.Get(alias)
}

// FindMatching returns the active, unexpired identities with at least one
// scope covering host and path, most specific first. Ties keep store order.
func (m *Manager) FindMatching(host, path string) ([]Identity, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}

	now := m.now()
	type match struct {
		id          Identity
		specificity int
	}
	var matches []match
	for _, id := range all {
		if s, ok := id.BestScope(host, path, now); ok {
			matches = append(matches, match{id, s.Specificity()})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].specificity > matches[j].specificity
	})

	out := make([]Identity, len(matches))
	for i, mt := range matches {
		out[i] = mt.id
	}
	return out, nil
}

// FindBestMatch returns the first result of FindMatching.
func (m *Manager) FindBestMatch(host, path string) (Identity, bool, error) {
	ids, err := m.FindMatching(host, path)
	if err != nil || len(ids) == 0 {
		return Identity{}, false, err
	}
	return ids[0], true, nil
}

// AddUsage adds scope to the identity, replacing any scope with the same host
// and path.
func (m *Manager) AddUsage(alias string, scope UsageScope) error {
	return m.update(alias, func(id *Identity) {
		usages := id.Usages[:0:0]
		for _, s := range id.Usages {
			if !s.sameTarget(scope) {
				usages = append(usages, s)
			}
		}
		id.Usages = append(usages, scope)
	})
}

// RemoveUsage removes the scope with the same host, type and path.
func (m *Manager) RemoveUsage(alias string, scope UsageScope) error {
	return m.update(alias, func(id *Identity) {
		usages := id.Usages[:0:0]
		for _, s := range id.Usages {
			if !s.equal(scope) {
				usages = append(usages, s)
			}
		}
		id.Usages = usages
	})
}

// SetActive enables or disables the identity without deleting it.
func (m *Manager) SetActive(alias string, active bool) error {
	return m.update(alias, func(id *Identity) {
		id.Active = active
	})
}

// Delete removes both the key entry and the metadata.
func (m *Manager) Delete(alias string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	// Metadata first: an identity must never outlive its key entry.
	if err := m.store.Delete(alias); err != nil {
		return fmt.Errorf("delete identity %s: %w", alias, err)
	}
	if err := m.keys.Delete(alias); err != nil {
		m.logger.Error("identity deleted but its key entry remains", "alias", alias, "err", err)
		return fmt.Errorf("delete key entry %s: %w", alias, err)
	}
	m.logger.Info("deleted identity", "alias", alias)
	return nil
}

func (m *Manager) update(alias string, fn func(*Identity)) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	id, err := m.store.Get(alias)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("load identity %s: %w", alias, err)
	}
	fn(&id)
	if err := m.store.Save(id); err != nil {
		return fmt.Errorf("save identity %s: %w", alias, err)
	}
	m.logger.Debug("updated identity", "identity", id)
	return nil
}
