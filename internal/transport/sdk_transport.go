package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"makeover/internal/entity/dto"
	"makeover/internal/events"
	"makeover/internal/reconcile"
	"makeover/internal/timer"
	"makeover/internal/vendor"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SDKOptions tunes the direct vendor transport.
type SDKOptions struct {
	Network       string
	MaxImages     int
	Lifetime      time.Duration
	FallbackDelay time.Duration
	FailsafeDelay time.Duration
	Clock         timer.Clock
}

// SDKTransport talks to the vendor network directly over a shared,
// authenticated connection and reconciles its events locally.
type SDKTransport struct {
	manager *vendor.Manager
	opts    SDKOptions
}

// NewSDKTransport returns a transport using manager's connection. A zero
// Lifetime uses the client-side default.
func NewSDKTransport(manager *vendor.Manager, opts SDKOptions) *SDKTransport {
	if opts.Lifetime == 0 {
		opts.Lifetime = reconcile.ClientLifetime
	}
	return &SDKTransport{manager: manager, opts: opts}
}

func (t *SDKTransport) Name() string { return "sdk" }

// Start creates a vendor project under a fresh local id.
func (t *SDKTransport) Start(ctx context.Context, req dto.GenerationRequest, handler Handler) (Generation, error) {
	return t.StartProject(ctx, uuid.NewString(), req, handler)
}

// StartProject creates a vendor project under projectID and streams its
// reconciled events to handler.
func (t *SDKTransport) StartProject(ctx context.Context, projectID string, req dto.GenerationRequest, handler Handler) (*SDKGeneration, error) {
	req = req.Normalize(t.opts.MaxImages)
	params, err := ProjectParams(projectID, req, t.opts.Network)
	if err != nil {
		return nil, err
	}

	g := &SDKGeneration{
		id:      projectID,
		handler: handler,
		jobs:    events.NewJobRegistry(),
		done:    make(chan struct{}),
		log:     logrus.WithField("project_id", projectID),
	}
	g.tracker = reconcile.New(reconcile.Options{
		ProjectID:     projectID,
		ExpectedJobs:  req.NumberOfImages,
		FallbackDelay: t.opts.FallbackDelay,
		FailsafeDelay: t.opts.FailsafeDelay,
		Lifetime:      t.opts.Lifetime,
		Clock:         t.opts.Clock,
		Emit:          g.deliver,
	})

	err = t.manager.Do(ctx, func(ctx context.Context, c vendor.Client) error {
		project, err := c.CreateProject(ctx, params)
		if err != nil {
			return err
		}
		g.project = project
		return nil
	})
	if err != nil {
		g.tracker.Close()
		return nil, err
	}

	g.unsubscribe = g.project.Subscribe(func(ev vendor.Event) {
		g.tracker.Handle(events.FromVendor(projectID, ev, g.jobs))
	})
	go g.watch()

	g.log.WithFields(logrus.Fields{
		"vendor_project_id": g.project.ID(),
		"expected_jobs":     req.NumberOfImages,
	}).Info("vendor project created")
	return g, nil
}

// EstimateCost asks the network for a quote on req.
func (t *SDKTransport) EstimateCost(ctx context.Context, req dto.GenerationRequest) (dto.CostEstimateResponse, error) {
	req = req.Normalize(t.opts.MaxImages)
	params, err := ProjectParams("", req, t.opts.Network)
	if err != nil {
		return dto.CostEstimateResponse{}, err
	}
	var out vendor.CostEstimate
	err = t.manager.Do(ctx, func(ctx context.Context, c vendor.Client) error {
		est, err := c.EstimateCost(ctx, params)
		if err != nil {
			return err
		}
		out = est
		return nil
	})
	if err != nil {
		return dto.CostEstimateResponse{}, err
	}
	return dto.CostEstimateResponse{Token: out.Token, USD: out.USD}, nil
}

// ProjectParams converts a normalized request into the vendor payload.
func ProjectParams(projectID string, req dto.GenerationRequest, network string) (vendor.ProjectParams, error) {
	images, err := req.DecodeContextImages()
	if err != nil {
		return vendor.ProjectParams{}, err
	}
	return vendor.ProjectParams{
		ProjectID:        projectID,
		ModelID:          req.ModelID,
		PositivePrompt:   req.Prompt,
		NegativePrompt:   req.NegativePrompt,
		StylePrompt:      req.StylePrompt,
		ContextImages:    images,
		Width:            req.Width,
		Height:           req.Height,
		Sampler:          req.Sampler,
		Scheduler:        req.Scheduler,
		Guidance:         req.Guidance,
		Steps:            req.Steps,
		StartingStrength: req.DenoisingStrength,
		NumberOfImages:   req.NumberOfImages,
		OutputFormat:     req.OutputFormat,
		TokenType:        req.TokenType,
		Network:          network,
	}, nil
}

// SDKGeneration is one vendor project followed through a local tracker.
type SDKGeneration struct {
	id          string
	project     vendor.Project
	tracker     *reconcile.Tracker
	jobs        *events.JobRegistry
	unsubscribe func()
	log         logrus.FieldLogger

	mu        sync.Mutex
	handler   Handler
	cancelled atomic.Bool

	done chan struct{}
}

func (g *SDKGeneration) ProjectID() string     { return g.id }
func (g *SDKGeneration) Done() <-chan struct{} { return g.done }

// VendorProjectID is the id the network assigned.
func (g *SDKGeneration) VendorProjectID() string { return g.project.ID() }

// Stats exposes the tracker's accounting.
func (g *SDKGeneration) Stats() reconcile.Stats { return g.tracker.Stats() }

func (g *SDKGeneration) Err() error {
	select {
	case <-g.done:
	default:
		return nil
	}
	if g.cancelled.Load() {
		return &SubscriptionError{Reason: ReasonCancelled}
	}
	return nil
}

// Handle feeds an event straight into the tracker. The relay uses it to
// inject locally originated events.
func (g *SDKGeneration) Handle(ev events.Event) {
	g.tracker.Handle(ev)
}

// Cancel stops delivery immediately and cancels the vendor project in the
// background.
func (g *SDKGeneration) Cancel(ctx context.Context) error {
	if !g.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	g.mu.Lock()
	g.mu.Unlock()
	g.tracker.Close()

	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelRequestTimeout)
		defer cancel()
		if err := g.project.Cancel(cctx); err != nil {
			g.log.WithError(err).Warn("vendor cancel failed")
		}
	}()
	return nil
}

func (g *SDKGeneration) deliver(ev events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled.Load() {
		return
	}
	g.handler(ev)
}

func (g *SDKGeneration) watch() {
	<-g.tracker.Done()
	g.unsubscribe()
	close(g.done)
}
