package progress

import (
	"testing"
	"time"

	"makeover/internal/events"
	"makeover/internal/timer"
	"makeover/internal/vendor"
)

type updates struct {
	values []GenerationProgress
}

func (u *updates) record(p GenerationProgress) { u.values = append(u.values, p) }

func (u *updates) last() GenerationProgress { return u.values[len(u.values)-1] }

func newMachine(t *testing.T, expected int) (*Machine, *updates, *timer.Fake) {
	t.Helper()
	clock := timer.NewFake(time.Unix(0, 0))
	u := &updates{}
	m := New(Options{
		ProjectID:    "p1",
		ExpectedJobs: expected,
		Clock:        clock,
		OnUpdate:     u.record,
	})
	return m, u, clock
}

func stepEvent(job string, step, count int) events.Event {
	return events.Event{
		Type:      events.TypeProgress,
		ProjectID: "p1",
		JobID:     job,
		Step:      step,
		StepCount: count,
		Progress:  events.Float(float64(step) / float64(count)),
	}
}

func TestScenarioHappyPath(t *testing.T) {
	m, u, _ := newMachine(t, 1)

	m.Apply(events.Event{Type: events.TypeQueued, ProjectID: "p1", QueuePosition: events.Int(1)})
	if s := m.Snapshot(); s.Status != StatusQueued || s.QueuePosition != 1 {
		t.Fatalf("after queued: %+v", s)
	}

	m.Apply(events.Event{Type: events.TypeStarted, ProjectID: "p1", JobID: "J1", JobIndex: events.Int(0), WorkerName: "gpu"})
	if s := m.Snapshot(); s.Status != StatusGenerating || s.WorkerName != "gpu" {
		t.Fatalf("after started: %+v", s)
	}

	m.Apply(stepEvent("J1", 2, 4))
	if p := m.Snapshot().Progress; p != 48 {
		t.Errorf("progress at 2/4 = %v, want 48", p)
	}
	m.Apply(stepEvent("J1", 4, 4))
	if p := m.Snapshot().Progress; p != generatingCeiling {
		t.Errorf("progress at 4/4 = %v, want %d", p, generatingCeiling)
	}

	m.Apply(events.Event{Type: events.TypeJobCompleted, ProjectID: "p1", JobID: "J1", ResultURL: "U"})
	if p := m.Snapshot().Progress; p >= 100 {
		t.Fatalf("progress reached %v before terminal event", p)
	}

	m.Apply(events.Event{Type: events.TypeCompleted, ProjectID: "p1"})
	final := u.last()
	if final.Status != StatusCompleted || final.Progress != 100 || final.ResultURL != "U" {
		t.Fatalf("final state %+v", final)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	terminals := map[string]func(m *Machine){
		"completed": func(m *Machine) { m.Apply(events.Event{Type: events.TypeCompleted, ProjectID: "p1"}) },
		"error":     func(m *Machine) { m.Fail(vendor.ErrorCodeAuth, "") },
		"cancelled": func(m *Machine) { m.Cancel() },
		"timeout":   func(m *Machine) { m.Timeout() },
	}
	followUps := []events.Event{
		{Type: events.TypeQueued, ProjectID: "p1", QueuePosition: events.Int(3)},
		stepEvent("J1", 1, 4),
		{Type: events.TypeCompleted, ProjectID: "p1"},
		{Type: events.TypeError, ProjectID: "p1", ErrorCode: "api_error_500"},
	}

	for name, finish := range terminals {
		t.Run(name, func(t *testing.T) {
			m, u, _ := newMachine(t, 1)
			m.Apply(stepEvent("J1", 1, 4))
			finish(m)
			want := m.Snapshot()
			count := len(u.values)

			for _, ev := range followUps {
				if m.Apply(ev) {
					t.Errorf("event %s accepted after terminal state", ev.Type)
				}
			}
			if m.Cancel() || m.Fail("x", "y") {
				t.Error("local transitions accepted after terminal state")
			}
			if got := m.Snapshot(); got.Status != want.Status || got.Progress != want.Progress {
				t.Errorf("state changed after terminal: %+v -> %+v", want, got)
			}
			if len(u.values) != count {
				t.Errorf("updates published after terminal state")
			}
		})
	}
}

func TestProgressClampedAndMonotonic(t *testing.T) {
	m, u, clock := newMachine(t, 2)
	seq := []events.Event{
		stepEvent("a", 3, 4),
		stepEvent("a", 1, 4),
		stepEvent("b", 4, 4),
		stepEvent("a", 4, 4),
		{Type: events.TypeJobCompleted, ProjectID: "p1", JobID: "a"},
		{Type: events.TypeJobCompleted, ProjectID: "p1", JobID: "b"},
		{Type: events.TypeProgress, ProjectID: "p1", JobID: "a", Progress: events.Float(7)},
	}
	prev := 0.0
	for _, ev := range seq {
		m.Apply(ev)
		clock.Advance(time.Second)
		p := m.Snapshot().Progress
		if p < prev {
			t.Fatalf("progress decreased from %v to %v", prev, p)
		}
		if p < 0 || p > generatingCeiling {
			t.Fatalf("progress %v outside generating range", p)
		}
		prev = p
	}
	for _, v := range u.values {
		if v.Progress == 100 {
			t.Fatal("100 published before terminal completion")
		}
	}
}

func TestThrottle(t *testing.T) {
	m, u, clock := newMachine(t, 1)
	m.Apply(events.Event{Type: events.TypeStarted, ProjectID: "p1", JobID: "J1"})
	base := len(u.values)

	for step := 1; step <= 5; step++ {
		m.Apply(stepEvent("J1", step, 20))
		clock.Advance(50 * time.Millisecond)
	}
	if got := len(u.values) - base; got != 0 {
		t.Fatalf("throttled updates published: %d", got)
	}

	clock.Advance(time.Second)
	if got := len(u.values) - base; got != 1 {
		t.Fatalf("expected one trailing flush, got %d", got)
	}
	if p := u.last().Progress; p != 24 {
		t.Errorf("trailing flush carried %v, want latest value 24", p)
	}
	if m.Updates() != len(u.values) {
		t.Errorf("Updates() = %d, callbacks = %d", m.Updates(), len(u.values))
	}

	m.Apply(events.Event{Type: events.TypeCompleted, ProjectID: "p1"})
	if u.last().Progress != 100 {
		t.Error("100 must pass the throttle immediately")
	}
}

func TestDuplicateEventProducesOneUpdate(t *testing.T) {
	m, u, clock := newMachine(t, 1)
	m.Apply(events.Event{Type: events.TypeStarted, ProjectID: "p1", JobID: "J1"})
	clock.Advance(time.Second)

	ev := stepEvent("J1", 2, 4)
	if !m.Apply(ev) {
		t.Fatal("first delivery ignored")
	}
	if m.Apply(ev) {
		t.Error("second delivery should be ignored")
	}
	clock.Advance(time.Second)
	count := 0
	for _, v := range u.values {
		if v.Progress == 48 {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one update at 48, got %d", count)
	}
}

func TestCancelViaErrorCode(t *testing.T) {
	m, _, _ := newMachine(t, 1)
	m.Apply(events.Event{Type: events.TypeError, ProjectID: "p1", ErrorCode: vendor.ErrorCodeCancelled})
	if s := m.Snapshot(); s.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", s.Status)
	}
}

func TestErrorPublishesExactlyOnce(t *testing.T) {
	m, u, _ := newMachine(t, 1)
	m.Apply(events.Event{Type: events.TypeFailed, ProjectID: "p1", ErrorCode: vendor.ErrorCodeInsufficientFunds, Message: "Insufficient funds"})
	m.Apply(events.Event{Type: events.TypeFailed, ProjectID: "p1", ErrorCode: vendor.ErrorCodeInsufficientFunds})

	n := 0
	for _, v := range u.values {
		if v.Status == StatusError {
			n++
			if v.Message == "" || v.ErrorCode != vendor.ErrorCodeInsufficientFunds {
				t.Errorf("unexpected error update %+v", v)
			}
		}
	}
	if n != 1 {
		t.Errorf("error published %d times", n)
	}
}

func TestUploadFlow(t *testing.T) {
	m := New(Options{Clock: timer.NewFake(time.Unix(0, 0))})
	m.UploadProgress(0.5)
	if s := m.Snapshot(); s.Status != StatusUploading || s.UploadPercent != 50 {
		t.Fatalf("after upload progress: %+v", s)
	}
	m.UploadComplete("p9")
	s := m.Snapshot()
	if s.Status != StatusQueued || s.ProjectID != "p9" || s.Progress != 0 {
		t.Fatalf("after upload complete: %+v", s)
	}
	if m.Apply(events.Event{Type: events.TypeQueued, ProjectID: "other"}) {
		t.Error("event for another project accepted")
	}
}
