package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/taskpulse/internal/events"
)

const (
	defaultEventHistoryLimit = 512
	defaultTasksPerUser      = 256
)

// InMemoryStore is a bounded in-process event history for local/dev use.
// Each task keeps its most recent events; each user keeps its most recently
// touched tasks.
type InMemoryStore struct {
	mu           sync.RWMutex
	perTaskMax   int
	tasksPerUser int
	users        map[string]*userHistory
}

type userHistory struct {
	tasks map[string]*taskHistory
	tick  uint64
}

type taskHistory struct {
	events  []events.Event
	touched uint64
}

func NewInMemoryStore(perTaskMax, tasksPerUser int) *InMemoryStore {
	if perTaskMax <= 0 {
		perTaskMax = defaultEventHistoryLimit
	}
	if tasksPerUser <= 0 {
		tasksPerUser = defaultTasksPerUser
	}
	return &InMemoryStore{
		perTaskMax:   perTaskMax,
		tasksPerUser: tasksPerUser,
		users:        make(map[string]*userHistory),
	}
}

func (s *InMemoryStore) AppendEvent(_ context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[evt.UserID]
	if !ok {
		u = &userHistory{tasks: make(map[string]*taskHistory)}
		s.users[evt.UserID] = u
	}
	u.tick++
	th, ok := u.tasks[evt.TaskID]
	if !ok {
		th = &taskHistory{}
		u.tasks[evt.TaskID] = th
		s.evictLocked(u)
	}
	th.touched = u.tick

	// Retried writes arrive with a seq already stored.
	idx := sort.Search(len(th.events), func(i int) bool { return th.events[i].Seq >= evt.Seq })
	if idx < len(th.events) && th.events[idx].Seq == evt.Seq {
		return nil
	}
	th.events = append(th.events, events.Event{})
	copy(th.events[idx+1:], th.events[idx:])
	th.events[idx] = evt.Clone()
	if len(th.events) > s.perTaskMax {
		th.events = append([]events.Event(nil), th.events[len(th.events)-s.perTaskMax:]...)
	}
	return nil
}

func (s *InMemoryStore) evictLocked(u *userHistory) {
	for len(u.tasks) > s.tasksPerUser {
		var (
			oldestID string
			oldest   uint64
		)
		for id, th := range u.tasks {
			if oldestID == "" || th.touched < oldest {
				oldestID, oldest = id, th.touched
			}
		}
		delete(u.tasks, oldestID)
	}
}

func (s *InMemoryStore) ListEvents(_ context.Context, userID, taskID string, afterSeq uint64, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	th, ok := u.tasks[taskID]
	if !ok {
		return nil, ErrStoreNotFound
	}
	out := make([]events.Event, 0, len(th.events))
	for _, evt := range th.events {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
