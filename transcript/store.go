// Package transcript persists the append-only Turn log that is the source of
// truth for every work. Sequence numbers are assigned at append time and are
// strictly monotonic per work with no gaps; readers reconstruct both history
// and resume state purely from the log.
package transcript

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
)

// ErrWorkNotFound is returned for operations against an unknown work.
var ErrWorkNotFound = errors.New("work not found")

// Work is one persistent collaboration with its own transcript and
// directory.
type Work struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable transcript log. Append assigns the next sequence
// number; Update rewrites a turn already holding one (used to freeze a
// cancelled streaming turn and to attach late structured blocks).
type Store interface {
	CreateWork(ctx context.Context, work Work) error
	GetWork(ctx context.Context, id string) (*Work, error)
	ListWorks(ctx context.Context) ([]Work, error)
	SetTitle(ctx context.Context, id, title string) error
	DeleteWork(ctx context.Context, id string) error

	Append(ctx context.Context, workID string, turn *core.Turn) (uint64, error)
	Update(ctx context.Context, workID string, turn *core.Turn) error
	List(ctx context.Context, workID string, fromSeq uint64) ([]core.Turn, error)
	LastSeq(ctx context.Context, workID string) (uint64, error)
}

// MemoryStore is the in-memory Store used by tests and ephemeral sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	works map[string]Work
	turns map[string][]core.Turn
}

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		works: map[string]Work{},
		turns: map[string][]core.Turn{},
	}
}

// CreateWork registers a work; creating an existing id is an error.
func (s *MemoryStore) CreateWork(_ context.Context, work Work) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.works[work.ID]; exists {
		return errors.New("work already exists: " + work.ID)
	}
	if work.CreatedAt.IsZero() {
		work.CreatedAt = time.Now().UTC()
	}
	s.works[work.ID] = work
	s.turns[work.ID] = nil
	return nil
}

// GetWork returns work metadata.
func (s *MemoryStore) GetWork(_ context.Context, id string) (*Work, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	work, ok := s.works[id]
	if !ok {
		return nil, ErrWorkNotFound
	}
	return &work, nil
}

// ListWorks returns all works ordered by creation time.
func (s *MemoryStore) ListWorks(_ context.Context) ([]Work, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	works := make([]Work, 0, len(s.works))
	for _, w := range s.works {
		works = append(works, w)
	}
	sort.Slice(works, func(i, j int) bool { return works[i].CreatedAt.Before(works[j].CreatedAt) })
	return works, nil
}

// SetTitle updates the work title.
func (s *MemoryStore) SetTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work, ok := s.works[id]
	if !ok {
		return ErrWorkNotFound
	}
	work.Title = title
	s.works[id] = work
	return nil
}

// DeleteWork removes a work and its transcript.
func (s *MemoryStore) DeleteWork(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[id]; !ok {
		return ErrWorkNotFound
	}
	delete(s.works, id)
	delete(s.turns, id)
	return nil
}

// Append stores a deep copy of the turn under the next sequence number and
// reports the number assigned. The caller's turn is updated too.
func (s *MemoryStore) Append(_ context.Context, workID string, turn *core.Turn) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.works[workID]; !ok {
		return 0, ErrWorkNotFound
	}
	seq := uint64(len(s.turns[workID])) + 1
	turn.Seq = seq
	s.turns[workID] = append(s.turns[workID], turn.Clone())
	return seq, nil
}

// Update rewrites the stored copy of a turn identified by its sequence.
func (s *MemoryStore) Update(_ context.Context, workID string, turn *core.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.turns[workID]
	if !ok {
		return ErrWorkNotFound
	}
	if turn.Seq == 0 || turn.Seq > uint64(len(log)) {
		return errors.New("no turn with that sequence")
	}
	log[turn.Seq-1] = turn.Clone()
	return nil
}

// List returns turns with Seq > fromSeq in sequence order. Pass 0 for the
// full transcript.
func (s *MemoryStore) List(_ context.Context, workID string, fromSeq uint64) ([]core.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.turns[workID]
	if !ok {
		return nil, ErrWorkNotFound
	}
	var out []core.Turn
	for i := range log {
		if log[i].Seq > fromSeq {
			out = append(out, log[i].Clone())
		}
	}
	return out, nil
}

// LastSeq returns the highest assigned sequence number, 0 for an empty log.
func (s *MemoryStore) LastSeq(_ context.Context, workID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.turns[workID]
	if !ok {
		return 0, ErrWorkNotFound
	}
	return uint64(len(log)), nil
}
