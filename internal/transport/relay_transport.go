package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"makeover/internal/entity/dto"

	"github.com/sirupsen/logrus"
)

const cancelRequestTimeout = 10 * time.Second

// RelayError is a non-2xx answer from the relay.
type RelayError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay http %d %s: %s", e.Status, e.Code, e.Message)
}

// RelayTransport submits generations to the backend relay and follows them
// over SSE.
type RelayTransport struct {
	BaseURL     string
	ClientAppID string
	HTTPClient  *http.Client
	SSE         *SSEClient
}

// NewRelayTransport returns a transport against the relay at baseURL.
func NewRelayTransport(baseURL, clientAppID string) *RelayTransport {
	baseURL = strings.TrimRight(baseURL, "/")
	return &RelayTransport{
		BaseURL:     baseURL,
		ClientAppID: clientAppID,
		HTTPClient:  &http.Client{Timeout: 60 * time.Second},
		SSE:         NewSSEClient(baseURL),
	}
}

func (t *RelayTransport) Name() string { return "relay" }

// Start posts the request and subscribes to the returned project. The
// subscription outlives ctx; use Cancel to stop it.
func (t *RelayTransport) Start(ctx context.Context, req dto.GenerationRequest, handler Handler) (Generation, error) {
	if req.ClientAppID == "" {
		req.ClientAppID = t.ClientAppID
	}

	var out dto.GenerateResponse
	if err := t.postJSON(ctx, "/api/generate", req, &out); err != nil {
		return nil, err
	}
	if out.ProjectID == "" {
		return nil, fmt.Errorf("relay returned no project id")
	}

	logrus.WithFields(logrus.Fields{
		"project_id":    out.ProjectID,
		"client_app_id": out.ClientAppID,
	}).Info("relay generation accepted")

	sub := t.SSE.SubscribeProject(context.WithoutCancel(ctx), out.ProjectID, handler)
	return &relayGeneration{transport: t, sub: sub}, nil
}

// EstimateCost asks the relay for a quote.
func (t *RelayTransport) EstimateCost(ctx context.Context, req dto.GenerationRequest) (dto.CostEstimateResponse, error) {
	var out dto.CostEstimateResponse
	err := t.postJSON(ctx, "/api/estimate-cost", req, &out)
	return out, err
}

// Disconnect tells the relay this client app is going away.
func (t *RelayTransport) Disconnect(ctx context.Context) error {
	return t.postJSON(ctx, "/api/disconnect", dto.DisconnectRequest{ClientAppID: t.ClientAppID}, nil)
}

func (t *RelayTransport) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		relayErr := &RelayError{Status: resp.StatusCode}
		if json.Unmarshal(raw, relayErr) != nil || relayErr.Message == "" {
			relayErr.Message = strings.TrimSpace(string(raw))
		}
		return relayErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}

type relayGeneration struct {
	transport *RelayTransport
	sub       *Subscription
}

func (g *relayGeneration) ProjectID() string     { return g.sub.ProjectID() }
func (g *relayGeneration) Done() <-chan struct{} { return g.sub.Done() }
func (g *relayGeneration) Err() error            { return g.sub.Err() }

// Cancel stops the stream and notifies the relay without waiting for it.
func (g *relayGeneration) Cancel(ctx context.Context) error {
	g.sub.Cancel()
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelRequestTimeout)
		defer cancel()
		path := "/api/cancel/" + url.PathEscape(g.sub.ProjectID())
		if err := g.transport.postJSON(cctx, path, struct{}{}, nil); err != nil {
			logrus.WithError(err).WithField("project_id", g.sub.ProjectID()).Warn("relay cancel failed")
		}
	}()
	return nil
}
