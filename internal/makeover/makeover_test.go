package makeover

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"makeover/internal/entity/dto"
	"makeover/internal/events"
	"makeover/internal/progress"
	"makeover/internal/storage"
	"makeover/internal/timer"
	"makeover/internal/transport"
	"makeover/internal/vendor"
)

var (
	sourceJPEG = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00source-pixels")
	resultPNG  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRresult-pixels")
	watercolor = dto.Transformation{ID: "watercolor", Name: "Watercolor", Prompt: "as a watercolor portrait"}
)

type fakeGeneration struct {
	id        string
	done      chan struct{}
	cancel    chan struct{}
	once      sync.Once
	cancelled bool
	err       error
}

func (g *fakeGeneration) ProjectID() string     { return g.id }
func (g *fakeGeneration) Done() <-chan struct{} { return g.done }
func (g *fakeGeneration) Err() error            { <-g.done; return g.err }

func (g *fakeGeneration) Cancel(context.Context) error {
	g.once.Do(func() {
		g.cancelled = true
		close(g.cancel)
	})
	return nil
}

// fakeTransport 在 Start 后按脚本投递事件。
type fakeTransport struct {
	name     string
	script   []events.Event
	startErr error
	endErr   error
	hold     bool

	mu     sync.Mutex
	starts []dto.GenerationRequest
	gens   []*fakeGeneration
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Start(_ context.Context, req dto.GenerationRequest, handler transport.Handler) (transport.Generation, error) {
	f.mu.Lock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		f.mu.Unlock()
		return nil, f.startErr
	}
	g := &fakeGeneration{id: "P" + string(rune('0'+len(f.starts))), done: make(chan struct{}), cancel: make(chan struct{})}
	f.gens = append(f.gens, g)
	f.mu.Unlock()

	go func() {
		defer close(g.done)
		for _, ev := range f.script {
			ev.ProjectID = g.id
			handler(ev)
		}
		if f.hold {
			<-g.cancel
			g.err = &transport.SubscriptionError{Reason: transport.ReasonCancelled}
			return
		}
		g.err = f.endErr
	}()
	return g, nil
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func scenarioA(resultURL string) []events.Event {
	return []events.Event{
		{Type: events.TypeQueued, QueuePosition: events.Int(1)},
		{Type: events.TypeStarted, JobID: "J1", JobIndex: events.Int(0)},
		{Type: events.TypeProgress, JobID: "J1", Step: 2, StepCount: 4},
		{Type: events.TypeProgress, JobID: "J1", Step: 4, StepCount: 4},
		{Type: events.TypeJobCompleted, JobID: "J1", ResultURL: resultURL},
		{Type: events.TypeCompleted},
	}
}

func newOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = timer.NewFake(time.Unix(1000, 0))
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestScenarioHappyPathRecordsHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(resultPNG)
	}))
	defer srv.Close()
	resultURL := srv.URL + "/result.png"

	dir := t.TempDir()
	local, err := storage.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	relay := &fakeTransport{name: "relay", script: scenarioA(resultURL)}
	o := newOrchestrator(t, Options{Relay: relay, Storage: local})

	var statuses []progress.Status
	res, err := o.Generate(context.Background(), Input{
		Source:         sourceJPEG,
		SourceRef:      "selfie.jpg",
		Transformation: watercolor,
		OnProgress: func(p progress.GenerationProgress) {
			if len(statuses) == 0 || statuses[len(statuses)-1] != p.Status {
				statuses = append(statuses, p.Status)
			}
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if res.Progress.Status != progress.StatusCompleted || res.Progress.Progress != 100 {
		t.Fatalf("unexpected final progress %+v", res.Progress)
	}
	if res.Transport != "relay" {
		t.Errorf("transport = %q", res.Transport)
	}
	want := []progress.Status{progress.StatusUploading, progress.StatusQueued, progress.StatusGenerating, progress.StatusCompleted}
	if strings.Join(statusStrings(statuses), ",") != strings.Join(statusStrings(want), ",") {
		t.Errorf("status sequence = %v", statuses)
	}

	history, err := o.History(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history item, got %d", len(history))
	}
	item := history[0]
	if item.ResultImage != resultURL || item.ProjectID != "P1" || item.SourceImage != "selfie.jpg" {
		t.Errorf("unexpected history item %+v", item)
	}
	if item.Transformation.ID != "watercolor" {
		t.Errorf("transformation = %+v", item.Transformation)
	}
	if !strings.HasPrefix(item.ArchivedSource, storage.CategorySource+"/") || !strings.HasSuffix(item.ArchivedSource, ".jpg") {
		t.Errorf("archived source = %q", item.ArchivedSource)
	}
	if !strings.HasPrefix(item.ArchivedResult, storage.CategoryResult+"/") || !strings.HasSuffix(item.ArchivedResult, "p1.png") {
		t.Errorf("archived result = %q", item.ArchivedResult)
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(item.ArchivedResult)))
	if err != nil || string(data) != string(resultPNG) {
		t.Errorf("archived result content mismatch: %v", err)
	}

	if used, _ := o.DemoCount(context.Background()); used != 1 {
		t.Errorf("demo count = %d", used)
	}
	if req := relay.starts[0]; req.Prompt != watercolor.Prompt || len(req.ContextImages) != 1 {
		t.Errorf("unexpected request %+v", req)
	}
}

func statusStrings(in []progress.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func TestDemoQuotaShortCircuits(t *testing.T) {
	store := NewMemoryStore()
	store.Set(context.Background(), KeyDemoCount, "3")
	relay := &fakeTransport{name: "relay", script: scenarioA("U")}
	o := newOrchestrator(t, Options{Store: store, Relay: relay})

	var updates []progress.GenerationProgress
	res, err := o.Generate(context.Background(), Input{
		Source:         sourceJPEG,
		Transformation: watercolor,
		OnProgress:     func(p progress.GenerationProgress) { updates = append(updates, p) },
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if relay.startCount() != 0 {
		t.Fatal("transport contacted after quota exhausted")
	}
	if res.Progress.Status != progress.StatusError || res.Progress.ErrorCode != ErrorCodeDemoLimit {
		t.Fatalf("unexpected progress %+v", res.Progress)
	}
	if res.Progress.Message != demoLimitMessage {
		t.Errorf("message = %q", res.Progress.Message)
	}
	if last := updates[len(updates)-1]; last.Status != progress.StatusError {
		t.Errorf("last published status = %s", last.Status)
	}
	if remaining, _ := o.DemoRemaining(context.Background()); remaining != 0 {
		t.Errorf("remaining = %d", remaining)
	}
}

func TestAuthenticatedUsesDirectTransport(t *testing.T) {
	store := NewMemoryStore()
	store.Set(context.Background(), KeyDemoCount, "3")
	relay := &fakeTransport{name: "relay", script: scenarioA("U")}
	direct := &fakeTransport{name: "sdk", script: scenarioA("U")}
	o := newOrchestrator(t, Options{Store: store, Relay: relay, Direct: direct})

	res, err := o.Generate(context.Background(), Input{Source: sourceJPEG, Transformation: watercolor})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Progress.Status != progress.StatusCompleted || res.Transport != "sdk" {
		t.Fatalf("unexpected result %+v", res)
	}
	if relay.startCount() != 0 || direct.startCount() != 1 {
		t.Errorf("relay=%d direct=%d", relay.startCount(), direct.startCount())
	}
	if used, _ := o.DemoCount(context.Background()); used != 3 {
		t.Errorf("authenticated run counted against demo quota: %d", used)
	}
	if remaining, _ := o.DemoRemaining(context.Background()); remaining != -1 {
		t.Errorf("remaining = %d", remaining)
	}
	// 没有配置存储时不归档，源图引用为空
	if res.History == nil || res.History.ArchivedSource != "" || res.History.ArchivedResult != "" {
		t.Errorf("unexpected history %+v", res.History)
	}
}

func TestFailuresDoNotRecordHistory(t *testing.T) {
	cases := []struct {
		name     string
		tr       *fakeTransport
		wantCode string
	}{
		{
			name:     "relay insufficient funds",
			tr:       &fakeTransport{name: "relay", startErr: &transport.RelayError{Status: http.StatusPaymentRequired, Code: "ERR_INSUFFICIENT_FUNDS", Message: "Insufficient funds"}},
			wantCode: vendor.ErrorCodeInsufficientFunds,
		},
		{
			name: "project failed",
			tr: &fakeTransport{name: "relay", script: []events.Event{
				{Type: events.TypeQueued, QueuePosition: events.Int(1)},
				{Type: events.TypeError, ErrorCode: "api_error_500", Message: "worker crashed"},
			}},
			wantCode: "api_error_500",
		},
		{
			name:     "subscription timeout",
			tr:       &fakeTransport{name: "relay", script: []events.Event{{Type: events.TypeQueued}}, endErr: &transport.SubscriptionError{Reason: transport.ReasonTimeout, Retryable: true}},
			wantCode: vendor.ErrorCodeTimeout,
		},
		{
			name:     "retries exhausted",
			tr:       &fakeTransport{name: "relay", endErr: &transport.SubscriptionError{Reason: transport.ReasonNetwork, Retryable: true}},
			wantCode: ErrorCodeNetwork,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newOrchestrator(t, Options{Relay: tc.tr})
			res, err := o.Generate(context.Background(), Input{Source: sourceJPEG, Transformation: watercolor})
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if res.Progress.Status != progress.StatusError || res.Progress.ErrorCode != tc.wantCode {
				t.Fatalf("unexpected progress %+v", res.Progress)
			}
			if res.History != nil {
				t.Error("history recorded for failed generation")
			}
			if used, _ := o.DemoCount(context.Background()); used != 0 {
				t.Errorf("failed generation counted: %d", used)
			}
		})
	}
}

func TestContextCancellationCancelsGeneration(t *testing.T) {
	relay := &fakeTransport{name: "relay", script: []events.Event{{Type: events.TypeQueued, QueuePosition: events.Int(2)}}, hold: true}
	o := newOrchestrator(t, Options{Relay: relay})

	queued := make(chan struct{})
	var once sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resCh := make(chan Result, 1)
	go func() {
		res, _ := o.Generate(ctx, Input{
			Source:         sourceJPEG,
			Transformation: watercolor,
			OnProgress: func(p progress.GenerationProgress) {
				if p.Status == progress.StatusQueued {
					once.Do(func() { close(queued) })
				}
			},
		})
		resCh <- res
	}()

	select {
	case <-queued:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never queued")
	}
	cancel()

	select {
	case res := <-resCh:
		if res.Progress.Status != progress.StatusCancelled {
			t.Fatalf("status = %s", res.Progress.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("generate did not return after cancellation")
	}
	<-relay.gens[0].done
	if !relay.gens[0].cancelled {
		t.Error("transport generation not cancelled")
	}
}

func TestHistoryIsCappedNewestFirst(t *testing.T) {
	direct := &fakeTransport{name: "sdk", script: scenarioA("U")}
	o := newOrchestrator(t, Options{Direct: direct, HistoryLimit: 2})

	for i := 0; i < 3; i++ {
		if _, err := o.Generate(context.Background(), Input{Source: sourceJPEG, Transformation: watercolor}); err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}
	history, _ := o.History(context.Background())
	if len(history) != 2 {
		t.Fatalf("expected 2 items, got %d", len(history))
	}
	if history[0].ProjectID != "P3" || history[1].ProjectID != "P2" {
		t.Errorf("unexpected order %s, %s", history[0].ProjectID, history[1].ProjectID)
	}

	if err := o.ClearHistory(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if history, _ := o.History(context.Background()); len(history) != 0 {
		t.Errorf("history not cleared: %d", len(history))
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	o := newOrchestrator(t, Options{Relay: &fakeTransport{name: "relay"}})
	if _, err := o.Generate(context.Background(), Input{Transformation: watercolor}); !errors.Is(err, errEmptySource) {
		t.Errorf("err = %v", err)
	}
	if _, err := o.Generate(context.Background(), Input{Source: sourceJPEG}); err == nil {
		t.Error("expected error for a transformation without prompt")
	}
}

// vendor 侧的最小假实现，用于走真实的 SDK 传输与对账
type fakeProject struct {
	id         string
	mu         sync.Mutex
	handler    func(vendor.Event)
	subscribed chan struct{}
}

func (p *fakeProject) ID() string { return "vendor-" + p.id }

func (p *fakeProject) Subscribe(h func(vendor.Event)) func() {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	close(p.subscribed)
	return func() {
		p.mu.Lock()
		p.handler = nil
		p.mu.Unlock()
	}
}

func (p *fakeProject) Cancel(context.Context) error { return nil }

func (p *fakeProject) emit(evs ...vendor.Event) {
	for _, ev := range evs {
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}

type fakeVendor struct {
	created chan *fakeProject
}

func (f *fakeVendor) CreateProject(_ context.Context, params vendor.ProjectParams) (vendor.Project, error) {
	p := &fakeProject{id: params.ProjectID, subscribed: make(chan struct{})}
	f.created <- p
	return p, nil
}

func (f *fakeVendor) Balance(context.Context) (vendor.Balance, error) { return vendor.Balance{}, nil }

func (f *fakeVendor) EstimateCost(context.Context, vendor.ProjectParams) (vendor.CostEstimate, error) {
	return vendor.CostEstimate{}, nil
}

func (f *fakeVendor) Close() error { return nil }

func TestScenarioFallbackCompletion(t *testing.T) {
	clock := timer.NewFake(time.Unix(1000, 0))
	fv := &fakeVendor{created: make(chan *fakeProject, 1)}
	manager := vendor.NewManager(func(context.Context) (vendor.Client, error) { return fv, nil })
	sdk := transport.NewSDKTransport(manager, transport.SDKOptions{Clock: clock})
	o := newOrchestrator(t, Options{Direct: sdk, Clock: clock})

	resCh := make(chan Result, 1)
	go func() {
		res, err := o.Generate(context.Background(), Input{Source: sourceJPEG, Transformation: watercolor})
		if err != nil {
			t.Errorf("generate: %v", err)
		}
		resCh <- res
	}()

	var p *fakeProject
	select {
	case p = <-fv.created:
	case <-time.After(5 * time.Second):
		t.Fatal("vendor project never created")
	}
	<-p.subscribed

	p.emit(
		vendor.JobQueued{QueuePosition: 1},
		vendor.JobStarted{JobID: "J1", WorkerName: "gpu-1"},
		vendor.JobProgress{JobID: "J1", Step: 4, StepCount: 4},
	)
	// 网络没有发出 jobCompleted，20 秒后由对账补发
	clock.Advance(20 * time.Second)
	p.emit(vendor.ProjectCompleted{})

	select {
	case res := <-resCh:
		if res.Progress.Status != progress.StatusCompleted || res.Progress.Progress != 100 {
			t.Fatalf("unexpected final progress %+v", res.Progress)
		}
		if res.History == nil || res.History.ResultImage != "" {
			t.Fatalf("unexpected history %+v", res.History)
		}
		if res.History.Cost == nil {
			t.Error("cost quote not recorded for the direct transport")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not complete after fallback")
	}
}

func TestEstimateCostRequiresQuotingTransport(t *testing.T) {
	o := newOrchestrator(t, Options{Relay: &fakeTransport{name: "relay"}})
	if _, err := o.EstimateCost(context.Background(), watercolor, sourceJPEG); err == nil {
		t.Error("expected error from a transport without quotes")
	}
}
