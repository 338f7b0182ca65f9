package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"makeover/internal/events"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries   = 5
	DefaultBaseDelay    = time.Second
	DefaultSetupTimeout = 7 * time.Second
	DefaultSSELifetime  = 5 * time.Minute
)

var errSetupTimeout = errors.New("sse connection setup timed out")

// SSEClient subscribes to the relay's progress streams.
type SSEClient struct {
	BaseURL      string
	HTTPClient   *http.Client
	MaxRetries   int
	BaseDelay    time.Duration
	SetupTimeout time.Duration
	Lifetime     time.Duration
	Logger       logrus.FieldLogger
}

// NewSSEClient returns a client with the default retry policy. The HTTP
// client has no overall timeout since streams are long-lived.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTPClient:   &http.Client{},
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		SetupTimeout: DefaultSetupTimeout,
		Lifetime:     DefaultSSELifetime,
		Logger:       logrus.StandardLogger(),
	}
}

// Subscription is a live SSE stream with reconnects and deduplication.
type Subscription struct {
	projectID string
	handler   Handler
	cancel    context.CancelFunc
	log       logrus.FieldLogger

	mu        sync.Mutex
	seen      map[string]struct{}
	cancelled atomic.Bool

	done chan struct{}
	err  error
}

// SubscribeProject streams one project's events until its terminal event.
func (c *SSEClient) SubscribeProject(ctx context.Context, projectID string, handler Handler) *Subscription {
	endpoint := c.BaseURL + "/api/progress/" + url.PathEscape(projectID)
	return c.subscribe(ctx, endpoint, projectID, handler, true)
}

// SubscribeClient streams every project of one client app until cancelled
// or the lifetime elapses.
func (c *SSEClient) SubscribeClient(ctx context.Context, clientAppID string, handler Handler) *Subscription {
	endpoint := c.BaseURL + "/api/progress/client?clientAppId=" + url.QueryEscape(clientAppID)
	return c.subscribe(ctx, endpoint, "", handler, false)
}

func (c *SSEClient) subscribe(ctx context.Context, endpoint, projectID string, handler Handler, untilTerminal bool) *Subscription {
	lifetime := c.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultSSELifetime
	}
	ctx, cancel := context.WithTimeout(ctx, lifetime)

	log := c.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Subscription{
		projectID: projectID,
		handler:   handler,
		cancel:    cancel,
		log:       log.WithField("project_id", projectID),
		seen:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	go s.run(ctx, c, endpoint, untilTerminal)
	return s
}

// ProjectID returns the subscribed project, empty for client streams.
func (s *Subscription) ProjectID() string { return s.projectID }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the SubscriptionError that ended the stream, or nil after a
// terminal event or while running.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel stops the stream. Once it returns no further event is delivered.
func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
	// 等待正在进行的投递结束
	s.mu.Lock()
	s.mu.Unlock()
}

func (s *Subscription) run(ctx context.Context, c *SSEClient, endpoint string, untilTerminal bool) {
	defer close(s.done)
	defer s.cancel()

	attempt := 0
	for {
		connected, finished, err := c.stream(ctx, endpoint, s, untilTerminal)
		if finished {
			return
		}
		if subErr := s.classify(ctx); subErr != nil {
			s.err = subErr
			return
		}
		if connected {
			attempt = 0
		}
		if attempt >= c.MaxRetries {
			s.err = &SubscriptionError{Reason: ReasonNetwork, Retryable: true, Err: err}
			s.log.WithError(err).Warn("sse retries exhausted")
			return
		}

		delay := c.backoff(attempt)
		attempt++
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Info("sse stream interrupted, reconnecting")

		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
		case <-wait.C:
		}
	}
}

func (s *Subscription) classify(ctx context.Context) *SubscriptionError {
	if s.cancelled.Load() {
		return &SubscriptionError{Reason: ReasonCancelled}
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &SubscriptionError{Reason: ReasonTimeout, Retryable: true, Err: ctx.Err()}
	case errors.Is(ctx.Err(), context.Canceled):
		return &SubscriptionError{Reason: ReasonCancelled, Err: ctx.Err()}
	}
	return nil
}

// backoff returns BaseDelay * 1.5^attempt.
func (c *SSEClient) backoff(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
}

// stream runs one connection attempt. finished is true once a terminal event
// was delivered on a project stream.
func (c *SSEClient) stream(ctx context.Context, endpoint string, s *Subscription, untilTerminal bool) (connected, finished bool, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	setupTimeout := c.SetupTimeout
	if setupTimeout <= 0 {
		setupTimeout = DefaultSetupTimeout
	}
	var setupExpired atomic.Bool
	setup := time.AfterFunc(setupTimeout, func() {
		setupExpired.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		setup.Stop()
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if !setup.Stop() && setupExpired.Load() {
		if resp != nil {
			resp.Body.Close()
		}
		return false, false, errSetupTimeout
	}
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("sse connection failed with status: %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	var (
		name string
		data []string
	)
	for {
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return true, false, io.ErrUnexpectedEOF
			}
			return true, false, readErr
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				if s.dispatch(name, strings.Join(data, "\n")) && untilTerminal {
					return true, true, nil
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// dispatch decodes and delivers one event. It reports whether the event was
// a terminal one.
func (s *Subscription) dispatch(name, data string) bool {
	var ev events.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		s.log.WithError(err).WithField("event", name).Debug("dropping undecodable sse event")
		return false
	}
	switch ev.Type {
	case "":
		ev.Type = events.ParseSSEName(name)
	case "complete":
		ev.Type = events.TypeCompleted
	}
	if ev.ProjectID == "" {
		ev.ProjectID = s.projectID
	}
	if s.projectID != "" && ev.ProjectID != s.projectID {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled.Load() {
		return false
	}
	key := ev.Key()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.handler(ev)
	return ev.IsTerminal()
}
