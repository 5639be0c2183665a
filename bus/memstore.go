package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petal-labs/runrelay/runtime"
)

type memHistory struct {
	events  []runtime.Event
	lastSeq uint64
}

// MemEventStore keeps run history in process memory. It backs the relay
// when no SQLite path is configured; history is lost on restart.
type MemEventStore struct {
	mu   sync.RWMutex
	runs map[string]*memHistory
}

// NewMemEventStore returns an empty store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{runs: make(map[string]*memHistory)}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	if event.Seq == 0 {
		return fmt.Errorf("bus: event for run %s has no sequence number", event.RunID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.runs[event.RunID]
	if h == nil {
		h = &memHistory{}
		s.runs[event.RunID] = h
	}
	// Seqs normally arrive in order; keep the slice sorted when they don't.
	i := sort.Search(len(h.events), func(i int) bool { return h.events[i].Seq >= event.Seq })
	if i < len(h.events) && h.events[i].Seq == event.Seq {
		return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEvent, event.RunID, event.Seq)
	}
	h.events = append(h.events, runtime.Event{})
	copy(h.events[i+1:], h.events[i:])
	h.events[i] = event
	if event.Seq > h.lastSeq {
		h.lastSeq = event.Seq
	}
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.runs[runID]
	if h == nil {
		return nil, nil
	}
	start := sort.Search(len(h.events), func(i int) bool { return h.events[i].Seq > afterSeq })
	end := len(h.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil, nil
	}
	out := make([]runtime.Event, end-start)
	copy(out, h.events[start:end])
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.runs[runID]; h != nil {
		return h.lastSeq, nil
	}
	return 0, nil
}

func (s *MemEventStore) RunIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ EventStore = (*MemEventStore)(nil)
