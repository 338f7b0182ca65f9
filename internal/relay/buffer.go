package relay

import (
	"context"
	"sync"
	"time"

	"makeover/internal/events"
	"makeover/internal/timer"
)

// DefaultRetention is how long a project's events stay replayable.
const DefaultRetention = 2 * time.Minute

// EventBuffer keeps recent events per project so that late subscribers can
// replay them. Each append extends the project's retention.
type EventBuffer interface {
	Append(ctx context.Context, projectID string, ev events.Event) error
	Replay(ctx context.Context, projectID string) ([]events.Event, error)
	Close() error
}

type bufferedProject struct {
	events  []events.Event
	expires time.Time
}

// MemoryBuffer is the single-instance EventBuffer.
type MemoryBuffer struct {
	retention time.Duration
	clock     timer.Clock

	mu       sync.Mutex
	projects map[string]*bufferedProject
}

func NewMemoryBuffer(retention time.Duration, clock timer.Clock) *MemoryBuffer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clock == nil {
		clock = timer.Real()
	}
	return &MemoryBuffer{
		retention: retention,
		clock:     clock,
		projects:  make(map[string]*bufferedProject),
	}
}

func (b *MemoryBuffer) Append(_ context.Context, projectID string, ev events.Event) error {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweep(now)

	p, ok := b.projects[projectID]
	if !ok {
		p = &bufferedProject{}
		b.projects[projectID] = p
	}
	p.events = append(p.events, ev)
	p.expires = now.Add(b.retention)
	return nil
}

func (b *MemoryBuffer) Replay(_ context.Context, projectID string) ([]events.Event, error) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.projects[projectID]
	if !ok {
		return nil, nil
	}
	if !now.Before(p.expires) {
		delete(b.projects, projectID)
		return nil, nil
	}
	return append([]events.Event(nil), p.events...), nil
}

// Len reports how many projects are buffered, expired ones included.
func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.projects)
}

func (b *MemoryBuffer) Close() error { return nil }

func (b *MemoryBuffer) sweep(now time.Time) {
	for id, p := range b.projects {
		if !now.Before(p.expires) {
			delete(b.projects, id)
		}
	}
}
