package reconcile

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"makeover/internal/events"
	"makeover/internal/timer"
	"makeover/internal/vendor"
)

type recorder struct {
	events []events.Event
}

func (r *recorder) emit(ev events.Event) { r.events = append(r.events, ev) }

func (r *recorder) ofType(typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTracker(t *testing.T, expected int, mutate func(*Options)) (*Tracker, *recorder, *timer.Fake) {
	t.Helper()
	clock := timer.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	opts := Options{
		ProjectID:    "p1",
		ExpectedJobs: expected,
		Clock:        clock,
		Emit:         rec.emit,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), rec, clock
}

func jobDone(id, url string) events.Event {
	return events.Event{Type: events.TypeJobCompleted, ProjectID: "p1", JobID: id, ResultURL: url}
}

func projectDone() events.Event {
	return events.Event{Type: events.TypeCompleted, ProjectID: "p1"}
}

func permutations(items []events.Event) [][]events.Event {
	if len(items) <= 1 {
		return [][]events.Event{append([]events.Event(nil), items...)}
	}
	var out [][]events.Event
	for i := range items {
		rest := make([]events.Event, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]events.Event{items[i]}, p...))
		}
	}
	return out
}

func TestTerminalEmittedExactlyOnceForAnyOrder(t *testing.T) {
	for n := 1; n <= 3; n++ {
		for _, dup := range []bool{false, true} {
			t.Run(fmt.Sprintf("jobs=%d/duplicate=%v", n, dup), func(t *testing.T) {
				var items []events.Event
				for i := 0; i < n; i++ {
					items = append(items, jobDone(fmt.Sprintf("j%d", i), fmt.Sprintf("u%d", i)))
				}
				items = append(items, projectDone())
				if dup {
					items = append(items, projectDone())
				}

				for _, order := range permutations(items) {
					tr, rec, _ := newTracker(t, n, nil)
					for _, ev := range order {
						tr.Handle(ev)
					}

					if got := len(rec.ofType(events.TypeCompleted)); got != 1 {
						t.Fatalf("order %v: terminal emitted %d times", order, got)
					}
					stats := tr.Stats()
					if stats.SentJobCompletions != n {
						t.Fatalf("sentJobCompletions = %d, want %d", stats.SentJobCompletions, n)
					}
					if dup && stats.IgnoredCompletions != 1 {
						t.Fatalf("ignored completions = %d, want 1", stats.IgnoredCompletions)
					}
				}
			})
		}
	}
}

func TestOrderIndependence(t *testing.T) {
	before, recBefore, _ := newTracker(t, 2, nil)
	before.Handle(projectDone())
	before.Handle(jobDone("a", "ua"))
	before.Handle(jobDone("b", "ub"))

	after, recAfter, _ := newTracker(t, 2, nil)
	after.Handle(jobDone("a", "ua"))
	after.Handle(jobDone("b", "ub"))
	after.Handle(projectDone())

	tb := recBefore.ofType(events.TypeCompleted)
	ta := recAfter.ofType(events.TypeCompleted)
	if len(tb) != 1 || len(ta) != 1 {
		t.Fatalf("expected one terminal event each, got %d and %d", len(tb), len(ta))
	}
	if !reflect.DeepEqual(tb[0], ta[0]) {
		t.Errorf("terminal events differ:\n%+v\n%+v", tb[0], ta[0])
	}
	if before.Stats().SentJobCompletions != after.Stats().SentJobCompletions {
		t.Error("sentJobCompletions differ between orders")
	}
	if want := []string{"ua", "ub"}; !reflect.DeepEqual(ta[0].ImageURLs, want) {
		t.Errorf("imageUrls = %v, want %v", ta[0].ImageURLs, want)
	}
}

func TestNSFWJobCountsAsCompletion(t *testing.T) {
	tr, rec, _ := newTracker(t, 2, nil)
	tr.Handle(jobDone("a", "ua"))
	tr.Handle(events.Event{Type: events.TypeJobCompleted, JobID: "b", IsNSFW: true})
	tr.Handle(projectDone())

	if got := tr.Stats().SentJobCompletions; got != 2 {
		t.Fatalf("sentJobCompletions = %d, want 2", got)
	}
	if len(rec.ofType(events.TypeCompleted)) != 1 {
		t.Fatal("terminal event not emitted")
	}
}

func TestDuplicateJobCompletionIgnored(t *testing.T) {
	tr, rec, _ := newTracker(t, 2, nil)
	tr.Handle(jobDone("a", "ua"))
	tr.Handle(jobDone("a", "ua"))
	tr.Handle(projectDone())

	stats := tr.Stats()
	if stats.SentJobCompletions != 1 || stats.IgnoredJobCompletions != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(rec.ofType(events.TypeCompleted)) != 0 {
		t.Fatal("terminal event must wait for the second job")
	}
}

func progressAt(job string, step, count int) events.Event {
	return events.Event{
		Type:      events.TypeProgress,
		JobID:     job,
		Step:      step,
		StepCount: count,
		Progress:  events.Float(float64(step) / float64(count)),
	}
}

func TestFallbackSuppressedByRealCompletion(t *testing.T) {
	tr, rec, clock := newTracker(t, 1, nil)
	tr.Handle(progressAt("a", 4, 4))
	if clock.Pending() != 1 {
		t.Fatalf("expected fallback timer armed, pending=%d", clock.Pending())
	}
	tr.Handle(jobDone("a", "ua"))
	clock.Advance(DefaultFallbackDelay + time.Second)

	for _, ev := range rec.ofType(events.TypeJobCompleted) {
		if ev.Fallback {
			t.Fatal("fallback completion emitted after real completion")
		}
	}
	if tr.Stats().SyntheticCompletions != 0 {
		t.Error("no synthetic completion expected")
	}
}

func TestFallbackNotArmedBelowThreshold(t *testing.T) {
	tr, _, clock := newTracker(t, 1, nil)
	tr.Handle(progressAt("a", 3, 4))
	if clock.Pending() != 0 {
		t.Fatalf("fallback armed at 75%%")
	}
}

func TestFallbackFiresAfterSilence(t *testing.T) {
	tr, rec, clock := newTracker(t, 1, nil)
	tr.Handle(events.Event{Type: events.TypeStarted, JobID: "J1", JobIndex: events.Int(0), WorkerName: "w"})
	tr.Handle(progressAt("J1", 4, 4))

	clock.Advance(DefaultFallbackDelay - time.Millisecond)
	if len(rec.ofType(events.TypeJobCompleted)) != 0 {
		t.Fatal("fallback fired early")
	}
	clock.Advance(time.Millisecond)

	completions := rec.ofType(events.TypeJobCompleted)
	if len(completions) != 1 {
		t.Fatalf("expected one synthetic completion, got %d", len(completions))
	}
	got := completions[0]
	if !got.Fallback || got.ResultURL != "" || got.JobID != "J1" || got.WorkerName != "w" {
		t.Errorf("unexpected synthetic completion %+v", got)
	}

	tr.Handle(projectDone())
	if len(rec.ofType(events.TypeCompleted)) != 1 {
		t.Fatal("terminal event should follow the project completion")
	}
}

func TestFallbackCompletesAlreadyFinishedProjectInSameTick(t *testing.T) {
	tr, rec, clock := newTracker(t, 1, func(o *Options) { o.FailsafeDelay = time.Minute })
	tr.Handle(progressAt("J1", 4, 4))
	tr.Handle(projectDone())
	if len(rec.ofType(events.TypeCompleted)) != 0 {
		t.Fatal("terminal emitted before job accounted for")
	}

	clock.Advance(DefaultFallbackDelay)

	n := len(rec.events)
	if n < 2 || rec.events[n-2].Type != events.TypeJobCompleted || !rec.events[n-2].Fallback {
		t.Fatalf("expected synthetic completion before terminal, got %+v", rec.events)
	}
	if rec.events[n-1].Type != events.TypeCompleted {
		t.Fatalf("expected terminal completion last, got %s", rec.events[n-1].Type)
	}
	if clock.Pending() != 0 {
		t.Errorf("timers left armed: %d", clock.Pending())
	}
}

func TestFailsafeClosesGapForFailedJobs(t *testing.T) {
	tr, rec, clock := newTracker(t, 2, nil)
	tr.Handle(jobDone("a", "ua"))
	tr.Handle(events.Event{Type: events.TypeJobFailed, JobID: "b", ErrorCode: "api_error_500"})
	tr.Handle(projectDone())
	if len(rec.ofType(events.TypeCompleted)) != 0 {
		t.Fatal("terminal emitted before failsafe")
	}

	clock.Advance(DefaultFailsafeDelay)

	var synthetic []events.Event
	for _, ev := range rec.ofType(events.TypeJobCompleted) {
		if ev.Fallback {
			synthetic = append(synthetic, ev)
		}
	}
	if len(synthetic) != 1 || synthetic[0].JobID != "b" {
		t.Fatalf("expected synthetic completion for job b, got %+v", synthetic)
	}
	if len(rec.ofType(events.TypeCompleted)) != 1 {
		t.Fatal("failsafe did not force the terminal event")
	}
	if got := tr.Stats().SentJobCompletions; got != 2 {
		t.Errorf("sentJobCompletions = %d, want 2", got)
	}
}

func TestFailsafeForcesTerminalWithUnknownJobs(t *testing.T) {
	tr, rec, clock := newTracker(t, 3, nil)
	tr.Handle(jobDone("a", "ua"))
	tr.Handle(projectDone())
	clock.Advance(DefaultFailsafeDelay)

	terminal := rec.ofType(events.TypeCompleted)
	if len(terminal) != 1 {
		t.Fatal("project must not hang once the vendor declared it done")
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestProjectFailure(t *testing.T) {
	tests := []struct {
		name     string
		ev       events.Event
		wantCode string
	}{
		{
			name:     "insufficient funds",
			ev:       events.Event{Type: events.TypeFailed, ErrorCode: vendor.ErrorCodeInsufficientFunds, Message: "Insufficient funds"},
			wantCode: vendor.ErrorCodeInsufficientFunds,
		},
		{
			name:     "auth",
			ev:       events.Event{Type: events.TypeError, ErrorCode: vendor.ErrorCodeAuth},
			wantCode: vendor.ErrorCodeAuth,
		},
		{
			name:     "unclassified",
			ev:       events.Event{Type: events.TypeFailed},
			wantCode: vendor.ErrorCodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, rec, clock := newTracker(t, 1, nil)
			tr.Handle(progressAt("a", 4, 4))
			tr.Handle(tt.ev)
			tr.Handle(jobDone("a", "ua"))
			tr.Handle(projectDone())
			clock.Advance(time.Hour)

			errs := rec.ofType(events.TypeError)
			if len(errs) != 1 {
				t.Fatalf("expected one terminal error, got %d", len(errs))
			}
			if errs[0].ErrorCode != tt.wantCode {
				t.Errorf("errorCode = %q, want %q", errs[0].ErrorCode, tt.wantCode)
			}
			if errs[0].Message == "" {
				t.Error("terminal error needs a message")
			}
			if len(rec.ofType(events.TypeCompleted)) != 0 {
				t.Error("completed must never follow a failure")
			}
			if len(rec.ofType(events.TypeJobCompleted)) != 0 {
				t.Error("events after the terminal error must be dropped")
			}
		})
	}
}

func TestLifetimeTimeout(t *testing.T) {
	tr, rec, clock := newTracker(t, 1, func(o *Options) { o.Lifetime = ServerLifetime })
	tr.Handle(events.Event{Type: events.TypeQueued, QueuePosition: events.Int(1)})

	clock.Advance(ServerLifetime)

	errs := rec.ofType(events.TypeError)
	if len(errs) != 1 || errs[0].ErrorCode != vendor.ErrorCodeTimeout {
		t.Fatalf("expected timeout error, got %+v", errs)
	}
	if !tr.Stats().Terminal {
		t.Error("tracker should be terminal")
	}
}

func TestCloseStopsTimersSilently(t *testing.T) {
	tr, rec, clock := newTracker(t, 1, func(o *Options) { o.Lifetime = ClientLifetime })
	tr.Handle(progressAt("a", 4, 4))
	before := len(rec.events)
	tr.Close()
	clock.Advance(time.Hour)

	if len(rec.events) != before {
		t.Errorf("events emitted after Close: %+v", rec.events[before:])
	}
	if clock.Pending() != 0 {
		t.Errorf("timers left armed: %d", clock.Pending())
	}
}
