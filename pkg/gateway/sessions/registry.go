package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrExists   = errors.New("session already exists")
	ErrNotFound = errors.New("session not found")
)

// Registry is the single source of truth for "is this session active". It is
// an in-memory, process-lifetime store keyed by connection/call id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup

	now func() time.Time
}

type entry struct {
	session *Session
	cancel  func()
	once    sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Create registers a new session. It fails with ErrExists when the id is
// already present.
func (r *Registry) Create(id string, kind TransportKind, propertyID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, ErrExists
	}
	now := r.now()
	s := &Session{
		ID:             id,
		TransportKind:  kind,
		State:          StateUnauthenticated,
		PropertyID:     propertyID,
		GuestName:      defaultGuestName,
		ToolConfig:     make(map[string]bool),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.entries[id] = &entry{session: s}
	r.wg.Add(1)
	return s, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Update applies mutate under the registry lock. An update racing a removal
// returns ErrNotFound instead of resurrecting the session.
func (r *Registry) Update(id string, mutate func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	mutate(e.session)
	e.session.LastActivityAt = r.now()
	return nil
}

// SetCancel installs the cancel hook invoked by CancelAll on drain.
func (r *Registry) SetCancel(id string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.cancel = cancel
	}
}

// Remove drops the session. Removal is idempotent: re-removal is a no-op,
// not an error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		// Terminal state is written under the lock, before unpublishing.
		e.session.State = StateEnded
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	e.once.Do(func() {
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll invokes each session's cancel hook; used on server drain.
func (r *Registry) CancelAll() (canceled int) {
	var cancels []func()
	r.mu.Lock()
	for _, e := range r.entries {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every session has been removed or ctx expires.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		r.wg.Wait()
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
