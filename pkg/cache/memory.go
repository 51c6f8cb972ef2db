package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

type memoryEntry struct {
	verdict   contracts.Verdict
	tags      []string
	expiresAt time.Time
}

// DefaultSweepInterval is how often the janitor drops expired entries.
const DefaultSweepInterval = time.Minute

// MemoryStore is an in-process Store. Expired entries are dropped when read
// and by the janitor started with StartJanitor.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, fingerprint string) (contracts.Verdict, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fingerprint]
	if !ok {
		return contracts.Verdict{}, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(fingerprint)
		return contracts.Verdict{}, false, nil
	}
	return e.verdict.Clone(), true, nil
}

func (s *MemoryStore) Put(_ context.Context, fingerprint string, verdict contracts.Verdict, ttl time.Duration, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(fingerprint)
	s.entries[fingerprint] = memoryEntry{
		verdict:   verdict.Clone(),
		tags:      append([]string(nil), tags...),
		expiresAt: s.now().Add(ttl),
	}
	for _, tag := range tags {
		set, ok := s.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			s.tags[tag] = set
		}
		set[fingerprint] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) InvalidateTag(_ context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.tags[tag]
	n := 0
	for fp := range set {
		if _, ok := s.entries[fp]; ok {
			s.removeLocked(fp)
			n++
		}
	}
	delete(s.tags, tag)
	return n, nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for fp, e := range s.entries {
		if !now.Before(e.expiresAt) {
			s.removeLocked(fp)
			n++
		}
	}
	return n
}

// StartJanitor sweeps expired entries every interval until Close. Calling it
// again while a janitor runs is a no-op.
func (s *MemoryStore) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					slog.Debug("swept expired verdicts", "component", "judgment_cache", "entries", n)
				}
			}
		}
	}()
}

// Close stops the janitor and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) removeLocked(fp string) {
	e, ok := s.entries[fp]
	if !ok {
		return
	}
	delete(s.entries, fp)
	for _, tag := range e.tags {
		if set, ok := s.tags[tag]; ok {
			delete(set, fp)
			if len(set) == 0 {
				delete(s.tags, tag)
			}
		}
	}
}
