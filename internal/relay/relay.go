package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"makeover/internal/entity"
	"makeover/internal/entity/db"
	"makeover/internal/entity/dto"
	"makeover/internal/events"
	"makeover/internal/metrics"
	"makeover/internal/timer"
	"makeover/internal/transport"
	"makeover/internal/vendor"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDisconnectDedup = 3 * time.Second
	bufferWriteTimeout     = 2 * time.Second
	recordTimeout          = 5 * time.Second
)

var ErrProjectNotFound = errors.New("project not found")

// ProjectRecorder persists the lifecycle of relayed projects.
type ProjectRecorder interface {
	CreateProject(ctx context.Context, project *entity.DbProject) error
	FinishProject(ctx context.Context, projectID string, outcome entity.ProjectOutcome) error
}

// Options configures a Relay. Zero values take the defaults.
type Options struct {
	Buffer          EventBuffer
	Recorder        ProjectRecorder
	DisconnectDedup time.Duration
	Clock           timer.Clock
}

// Relay runs generations over the shared vendor connection and fans the
// reconciled events out to SSE subscribers.
type Relay struct {
	sdk      *transport.SDKTransport
	buffer   EventBuffer
	recorder ProjectRecorder
	hub      *hub
	clock    timer.Clock
	dedup    time.Duration

	mu          sync.Mutex
	sessions    map[string]*session
	disconnects map[string]time.Time
}

type session struct {
	id          string
	clientAppID string
	started     time.Time
	gen         atomic.Pointer[transport.SDKGeneration]
	finished    atomic.Bool
	cancelled   atomic.Bool
	log         logrus.FieldLogger
}

// New builds a relay on top of sdk, which should be configured with the
// server-side project lifetime.
func New(sdk *transport.SDKTransport, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = timer.Real()
	}
	if opts.Buffer == nil {
		opts.Buffer = NewMemoryBuffer(DefaultRetention, opts.Clock)
	}
	if opts.DisconnectDedup <= 0 {
		opts.DisconnectDedup = DefaultDisconnectDedup
	}
	return &Relay{
		sdk:         sdk,
		buffer:      opts.Buffer,
		recorder:    opts.Recorder,
		hub:         newHub(),
		clock:       opts.Clock,
		dedup:       opts.DisconnectDedup,
		sessions:    make(map[string]*session),
		disconnects: make(map[string]time.Time),
	}
}

// Generate starts a project for clientAppID. An empty clientAppID gets a
// fresh one, returned in the response.
func (r *Relay) Generate(ctx context.Context, clientAppID string, req dto.GenerationRequest) (dto.GenerateResponse, error) {
	if clientAppID == "" {
		clientAppID = uuid.NewString()
	}
	projectID := uuid.NewString()
	s := &session{
		id:          projectID,
		clientAppID: clientAppID,
		started:     r.clock.Now(),
		log: logrus.WithFields(logrus.Fields{
			"project_id":    projectID,
			"client_app_id": clientAppID,
		}),
	}

	// 先登记，vendor 可能在 StartProject 返回前就推送事件
	r.mu.Lock()
	r.sessions[projectID] = s
	r.mu.Unlock()

	r.record(func(ctx context.Context, rec ProjectRecorder) error {
		return rec.CreateProject(ctx, &entity.DbProject{
			ID:          projectID,
			ClientAppID: clientAppID,
			ModelID:     req.ModelID,
			Prompt:      req.Prompt,
			ImageCount:  req.NumberOfImages,
			Status:      db.ProjectStatusProcessing,
		})
	})

	metrics.ProjectStarted()
	gen, err := r.sdk.StartProject(ctx, projectID, req, func(ev events.Event) {
		r.relayEvent(s, ev)
	})
	if err != nil {
		r.removeSession(projectID)
		metrics.ProjectFinished("error", r.clock.Now().Sub(s.started).Seconds())
		code := vendor.ErrorCode(err)
		r.record(func(ctx context.Context, rec ProjectRecorder) error {
			return rec.FinishProject(ctx, projectID, entity.ProjectOutcome{
				Status:       db.ProjectStatusFailed,
				ErrorCode:    code,
				ErrorMessage: vendor.UserMessage(code, err),
				CompletedAt:  r.clock.Now(),
			})
		})
		s.log.WithError(err).WithField("error_code", code).Warn("generation start failed")
		return dto.GenerateResponse{}, err
	}

	s.gen.Store(gen)
	if s.cancelled.Load() {
		// Cancel 抢在 StartProject 返回之前
		gen.Cancel(ctx)
	}
	s.log.Info("generation started")

	return dto.GenerateResponse{
		Status:      "processing",
		ProjectID:   projectID,
		ClientAppID: clientAppID,
	}, nil
}

// relayEvent runs under the generation's tracker lock.
func (r *Relay) relayEvent(s *session, ev events.Event) {
	if s.finished.Load() {
		return
	}
	if ev.IsTerminal() && !s.finished.CompareAndSwap(false, true) {
		return
	}
	r.broadcast(s, ev)
	if ev.IsTerminal() {
		r.finish(s, ev)
	}
}

func (r *Relay) broadcast(s *session, ev events.Event) {
	ev = ev.ForWire()

	ctx, cancel := context.WithTimeout(context.Background(), bufferWriteTimeout)
	if err := r.buffer.Append(ctx, s.id, ev); err != nil {
		s.log.WithError(err).Warn("buffer event failed")
	}
	cancel()

	r.hub.publish(projectKey(s.id), ev)
	r.hub.publish(clientKey(s.clientAppID), ev)
	metrics.EventRelayed(string(ev.Type))
}

func (r *Relay) finish(s *session, ev events.Event) {
	r.removeSession(s.id)

	outcome := entity.ProjectOutcome{
		Status:       db.ProjectStatusCompleted,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.Message,
		ResultURLs:   ev.ImageURLs,
		CompletedAt:  r.clock.Now(),
	}
	label := "completed"
	if ev.Type != events.TypeCompleted {
		outcome.Status = db.ProjectStatusFailed
		label = "error"
		switch ev.ErrorCode {
		case vendor.ErrorCodeCancelled:
			outcome.Status = db.ProjectStatusCancelled
			label = "cancelled"
		case vendor.ErrorCodeTimeout:
			label = "timeout"
		}
	}
	if gen := s.gen.Load(); gen != nil {
		outcome.VendorProjectID = gen.VendorProjectID()
	}

	metrics.ProjectFinished(label, r.clock.Now().Sub(s.started).Seconds())
	r.record(func(ctx context.Context, rec ProjectRecorder) error {
		return rec.FinishProject(ctx, s.id, outcome)
	})
	s.log.WithFields(logrus.Fields{
		"outcome":    label,
		"error_code": ev.ErrorCode,
		"images":     len(ev.ImageURLs),
	}).Info("generation finished")
}

func (r *Relay) record(fn func(ctx context.Context, rec ProjectRecorder) error) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx, r.recorder); err != nil {
		logrus.WithError(err).Warn("record project failed")
	}
}

// Cancel stops a running project and publishes a cancelled error. Projects
// that already ended, or never existed, give ErrProjectNotFound.
func (r *Relay) Cancel(ctx context.Context, projectID string) error {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	r.mu.Unlock()
	if !ok {
		return ErrProjectNotFound
	}
	if !s.finished.CompareAndSwap(false, true) {
		return nil
	}
	s.cancelled.Store(true)
	if gen := s.gen.Load(); gen != nil {
		if err := gen.Cancel(ctx); err != nil {
			s.log.WithError(err).Warn("cancel generation failed")
		}
	}

	ev := events.Event{
		Type:      events.TypeError,
		ProjectID: projectID,
		ErrorCode: vendor.ErrorCodeCancelled,
		Message:   vendor.UserMessage(vendor.ErrorCodeCancelled, nil),
	}
	r.broadcast(s, ev)
	r.finish(s, ev)
	return nil
}

// EstimateCost quotes req on the shared connection.
func (r *Relay) EstimateCost(ctx context.Context, req dto.GenerationRequest) (dto.CostEstimateResponse, error) {
	return r.sdk.EstimateCost(ctx, req)
}

// Stream is one SSE subscription: the buffered events first, then live ones.
// Live events may repeat replayed ones; consumers dedup by Event.Key.
type Stream struct {
	Replay []events.Event
	Events <-chan events.Event

	once  sync.Once
	close func()
}

// NewStream wraps a replay slice and live channel; closeFn runs once on
// Close.
func NewStream(replay []events.Event, live <-chan events.Event, closeFn func()) *Stream {
	return &Stream{Replay: replay, Events: live, close: closeFn}
}

func (s *Stream) Close() {
	s.once.Do(s.close)
}

// SubscribeProject opens a stream for one project. Unknown projects with
// nothing buffered yield ErrProjectNotFound.
func (r *Relay) SubscribeProject(ctx context.Context, projectID string) (*Stream, error) {
	key := projectKey(projectID)
	ch := r.hub.register(key)

	replay, err := r.buffer.Replay(ctx, projectID)
	if err != nil {
		logrus.WithError(err).WithField("project_id", projectID).Warn("replay buffered events failed")
	}
	if len(replay) == 0 && !r.isActive(projectID) {
		r.hub.unregister(key, ch)
		return nil, ErrProjectNotFound
	}

	metrics.SSEOpened("project")
	return NewStream(replay, ch, func() {
		r.hub.unregister(key, ch)
		metrics.SSEClosed("project")
	}), nil
}

// SubscribeClient opens the multiplexed stream for every project of a
// client app, replaying what is buffered for its running projects.
func (r *Relay) SubscribeClient(ctx context.Context, clientAppID string) (*Stream, error) {
	key := clientKey(clientAppID)
	ch := r.hub.register(key)

	r.mu.Lock()
	delete(r.disconnects, clientAppID)
	var ids []string
	for id, s := range r.sessions {
		if s.clientAppID == clientAppID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var replay []events.Event
	for _, id := range ids {
		evs, err := r.buffer.Replay(ctx, id)
		if err != nil {
			logrus.WithError(err).WithField("project_id", id).Warn("replay buffered events failed")
			continue
		}
		replay = append(replay, evs...)
	}

	metrics.SSEOpened("client")
	return NewStream(replay, ch, func() {
		r.hub.unregister(key, ch)
		metrics.SSEClosed("client")
	}), nil
}

// Disconnect drops the client app's streams. It reports false when the
// same client already disconnected within the dedup window.
func (r *Relay) Disconnect(clientAppID string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	if last, ok := r.disconnects[clientAppID]; ok && now.Sub(last) < r.dedup {
		r.mu.Unlock()
		return false
	}
	r.disconnects[clientAppID] = now
	for id, at := range r.disconnects {
		if now.Sub(at) >= r.dedup {
			delete(r.disconnects, id)
		}
	}
	r.mu.Unlock()

	dropped := r.hub.drop(clientKey(clientAppID))
	logrus.WithFields(logrus.Fields{
		"client_app_id": clientAppID,
		"streams":       dropped,
	}).Info("client disconnected")
	return true
}

// ActiveProjects reports how many projects have not reached a terminal
// event.
func (r *Relay) ActiveProjects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close cancels every running project and releases the buffer.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Cancel(ctx, id); err != nil && !errors.Is(err, ErrProjectNotFound) {
			logrus.WithError(err).WithField("project_id", id).Warn("cancel on shutdown failed")
		}
	}
	return r.buffer.Close()
}

func (r *Relay) isActive(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[projectID]
	return ok
}

func (r *Relay) removeSession(projectID string) {
	r.mu.Lock()
	delete(r.sessions, projectID)
	r.mu.Unlock()
}
