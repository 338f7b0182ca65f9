package makeover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"makeover/internal/entity/dto"
	"makeover/internal/events"
	"makeover/internal/progress"
	"makeover/internal/storage"
	"makeover/internal/timer"
	"makeover/internal/transport"
	"makeover/internal/vendor"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultDemoLimit 是未登录用户可免费生成的次数。
const DefaultDemoLimit = 3

// 本地产生的错误码
const (
	ErrorCodeDemoLimit = "demo_limit_reached"
	ErrorCodeNetwork   = "network_error"
)

const (
	demoLimitMessage = "You have used all free demo generations. Sign in to keep creating."
	networkMessage   = "Lost connection to the generation service."
)

// Options 配置 Orchestrator。
type Options struct {
	Store Store
	// Relay 是未登录时使用的后端中转。
	Relay transport.Transport
	// Direct 仅在存在已认证的 vendor 客户端时设置。
	Direct       transport.Transport
	Storage      storage.Storage
	HTTPClient   *http.Client
	DemoLimit    int
	HistoryLimit int
	Throttle     time.Duration
	Clock        timer.Clock
}

// Input 描述一次生成。
type Input struct {
	Source []byte
	// SourceRef 记录到历史中的源图引用，例如文件路径。
	SourceRef      string
	Transformation dto.Transformation
	OnProgress     func(progress.GenerationProgress)
}

// Result 是一次生成的终态。
type Result struct {
	Progress  progress.GenerationProgress
	Transport string
	History   *dto.HistoryItem
}

// Orchestrator 选择传输方式、驱动进度状态机，并在完成后写入历史。
type Orchestrator struct {
	store        Store
	relay        transport.Transport
	direct       transport.Transport
	archive      *archiver
	demoLimit    int
	historyLimit int
	throttle     time.Duration
	clock        timer.Clock

	// 历史与计数的读改写需要串行
	mu sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errNilStore
	}
	if opts.Relay == nil && opts.Direct == nil {
		return nil, errors.New("no transport configured")
	}
	if opts.DemoLimit <= 0 {
		opts.DemoLimit = DefaultDemoLimit
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = dto.HistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = timer.Real()
	}
	return &Orchestrator{
		store:        opts.Store,
		relay:        opts.Relay,
		direct:       opts.Direct,
		archive:      &archiver{storage: opts.Storage, client: opts.HTTPClient},
		demoLimit:    opts.DemoLimit,
		historyLimit: opts.HistoryLimit,
		throttle:     opts.Throttle,
		clock:        opts.Clock,
	}, nil
}

// Authenticated 表示是否直连 vendor。
func (o *Orchestrator) Authenticated() bool { return o.direct != nil }

func (o *Orchestrator) pick() transport.Transport {
	if o.direct != nil {
		return o.direct
	}
	return o.relay
}

// Generate 运行一次生成直到终态。只有无法开始的本地错误会通过 error 返回，
// 生成失败、取消和额度耗尽都体现在 Result.Progress 中。
func (o *Orchestrator) Generate(ctx context.Context, in Input) (Result, error) {
	if !o.Authenticated() {
		used, err := o.DemoCount(ctx)
		if err != nil {
			return Result{}, err
		}
		if used >= o.demoLimit {
			m := progress.New(progress.Options{Clock: o.clock, OnUpdate: in.OnProgress})
			m.Fail(ErrorCodeDemoLimit, demoLimitMessage)
			logrus.WithFields(logrus.Fields{
				"demo_used":  used,
				"demo_limit": o.demoLimit,
			}).Info("demo quota exhausted")
			return Result{Progress: m.Snapshot()}, nil
		}
	}

	settings, err := LoadSettings(ctx, o.store)
	if err != nil {
		return Result{}, err
	}
	req, err := BuildRequest(in.Transformation, settings, in.Source)
	if err != nil {
		return Result{}, err
	}

	tr := o.pick()
	cost := o.quote(ctx, tr, req)
	started := o.clock.Now()
	m := progress.New(progress.Options{
		ExpectedJobs: req.NumberOfImages,
		Throttle:     o.throttle,
		Clock:        o.clock,
		OnUpdate:     in.OnProgress,
	})
	defer m.Close()

	terminal := make(chan struct{})
	var once sync.Once
	handler := func(ev events.Event) {
		m.Apply(ev)
		if ev.IsTerminal() {
			once.Do(func() { close(terminal) })
		}
	}

	log := logrus.WithFields(logrus.Fields{
		"transport":      tr.Name(),
		"transformation": in.Transformation.ID,
		"images":         req.NumberOfImages,
	})

	gen, err := tr.Start(ctx, req, handler)
	if err != nil {
		if ctx.Err() != nil {
			m.Cancel()
		} else {
			code, msg := startFailure(err)
			m.Fail(code, msg)
		}
		log.WithError(err).Warn("generation start failed")
		return Result{Progress: m.Snapshot(), Transport: tr.Name()}, nil
	}
	m.UploadComplete(gen.ProjectID())
	log = log.WithField("project_id", gen.ProjectID())
	log.Info("generation started")

	select {
	case <-terminal:
	case <-gen.Done():
	case <-ctx.Done():
		if err := gen.Cancel(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("cancel failed")
		}
		m.Cancel()
	}
	settle(m, gen)

	res := Result{Progress: m.Snapshot(), Transport: tr.Name()}
	log.WithFields(logrus.Fields{
		"status":     res.Progress.Status,
		"error_code": res.Progress.ErrorCode,
	}).Info("generation finished")
	if res.Progress.Status != progress.StatusCompleted {
		return res, nil
	}

	item := o.buildHistoryItem(context.WithoutCancel(ctx), in, res.Progress, started)
	item.Cost = cost
	if err := o.recordCompletion(context.WithoutCancel(ctx), item); err != nil {
		log.WithError(err).Error("failed to persist history")
		return res, err
	}
	res.History = &item
	return res, nil
}

// costEstimator 由能报价的传输实现
type costEstimator interface {
	EstimateCost(ctx context.Context, req dto.GenerationRequest) (dto.CostEstimateResponse, error)
}

// EstimateCost 按当前设置为一次生成报价。
func (o *Orchestrator) EstimateCost(ctx context.Context, t dto.Transformation, source []byte) (dto.CostEstimateResponse, error) {
	settings, err := LoadSettings(ctx, o.store)
	if err != nil {
		return dto.CostEstimateResponse{}, err
	}
	req, err := BuildRequest(t, settings, source)
	if err != nil {
		return dto.CostEstimateResponse{}, err
	}
	est, ok := o.pick().(costEstimator)
	if !ok {
		return dto.CostEstimateResponse{}, errors.New("transport cannot estimate cost")
	}
	return est.EstimateCost(ctx, req)
}

// quote 尽力获取报价写入历史，失败不影响生成。
func (o *Orchestrator) quote(ctx context.Context, tr transport.Transport, req dto.GenerationRequest) *float64 {
	est, ok := tr.(costEstimator)
	if !ok {
		return nil
	}
	resp, err := est.EstimateCost(ctx, req)
	if err != nil {
		logrus.WithError(err).Debug("cost estimate unavailable")
		return nil
	}
	return &resp.Token
}

// settle 在传输结束但没有终态事件时补上终态。
func settle(m *progress.Machine, gen transport.Generation) {
	if m.Snapshot().Status.Terminal() {
		return
	}
	select {
	case <-gen.Done():
	default:
		return
	}
	var subErr *transport.SubscriptionError
	if errors.As(gen.Err(), &subErr) {
		switch subErr.Reason {
		case transport.ReasonTimeout:
			m.Timeout()
			return
		case transport.ReasonCancelled:
			m.Cancel()
			return
		}
	}
	m.Fail(ErrorCodeNetwork, networkMessage)
}

func startFailure(err error) (string, string) {
	code := vendor.ErrorCode(err)
	var relayErr *transport.RelayError
	if errors.As(err, &relayErr) {
		if code == vendor.ErrorCodeUnknown && relayErr.Status == http.StatusPaymentRequired {
			code = vendor.ErrorCodeInsufficientFunds
		}
		if code == vendor.ErrorCodeUnknown && strings.TrimSpace(relayErr.Message) != "" {
			return code, relayErr.Message
		}
	}
	return code, vendor.UserMessage(code, err)
}

func (o *Orchestrator) buildHistoryItem(ctx context.Context, in Input, p progress.GenerationProgress, started time.Time) dto.HistoryItem {
	item := dto.HistoryItem{
		ID:             uuid.NewString(),
		ProjectID:      p.ProjectID,
		SourceImage:    in.SourceRef,
		ResultImage:    p.ResultURL,
		ResultImages:   p.ResultURLs,
		Transformation: in.Transformation,
		Timestamp:      o.clock.Now(),
		DurationMs:     o.clock.Now().Sub(started).Milliseconds(),
	}

	actx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	log := logrus.WithField("project_id", p.ProjectID)

	if key, err := o.archive.saveSource(actx, in.Source); err != nil {
		log.WithError(err).Warn("failed to archive source image")
	} else {
		item.ArchivedSource = key
	}
	if key, err := o.archive.saveResult(actx, p.ProjectID, p.ResultURL); err != nil {
		log.WithError(err).Warn("failed to archive result image")
	} else {
		item.ArchivedResult = key
	}
	if item.SourceImage == "" {
		item.SourceImage = item.ArchivedSource
	}
	return item
}

// recordCompletion 追加历史，并为未登录用户计入一次 demo 生成。
func (o *Orchestrator) recordCompletion(ctx context.Context, item dto.HistoryItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	history, err := o.history(ctx)
	if err != nil {
		return err
	}
	if err := saveJSON(ctx, o.store, KeyHistory, dto.AppendHistory(history, item, o.historyLimit)); err != nil {
		return err
	}
	if o.Authenticated() {
		return nil
	}
	used, err := o.demoCount(ctx)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, KeyDemoCount, strconv.Itoa(used+1))
}

// History 返回历史记录，最新的在前。
func (o *Orchestrator) History(ctx context.Context) ([]dto.HistoryItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history(ctx)
}

func (o *Orchestrator) history(ctx context.Context) ([]dto.HistoryItem, error) {
	var items []dto.HistoryItem
	if _, err := loadJSON(ctx, o.store, KeyHistory, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ClearHistory 清空历史记录。
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.Delete(ctx, KeyHistory)
}

// DemoCount 返回已使用的 demo 次数。
func (o *Orchestrator) DemoCount(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.demoCount(ctx)
}

func (o *Orchestrator) demoCount(ctx context.Context) (int, error) {
	raw, ok, err := o.store.Get(ctx, KeyDemoCount)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", KeyDemoCount, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// DemoRemaining 返回剩余 demo 次数，已登录时返回 -1。
func (o *Orchestrator) DemoRemaining(ctx context.Context) (int, error) {
	if o.Authenticated() {
		return -1, nil
	}
	used, err := o.DemoCount(ctx)
	if err != nil {
		return 0, err
	}
	return max(o.demoLimit-used, 0), nil
}
