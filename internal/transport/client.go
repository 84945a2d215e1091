package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSendTimeout  = 10 * time.Second
	defaultProbeTimeout = 2 * time.Second

	mutationsPath     = "/v1/mutations"
	registrationsPath = "/v1/push/registrations"
	streamPath        = "/v1/stream"
	healthPath        = "/healthz"
)

var errMissingBaseURL = errors.New("backend base url is required")

// HTTPBackendConfig carries the dependencies for the HTTP backend client.
type HTTPBackendConfig struct {
	BaseURL      string
	Tokens       *TokenSource
	HTTPClient   *http.Client
	SendTimeout  time.Duration
	ProbeTimeout time.Duration
	Logger       *zap.Logger
}

// HTTPBackend talks to the hosted platform over HTTPS and SSE. Every
// request carries a per-call timeout; a timed-out send is indistinguishable
// from a network failure and surfaces as ErrOffline for the caller's
// enqueue fallback.
type HTTPBackend struct {
	baseURL      string
	tokens       *TokenSource
	client       *http.Client
	sendTimeout  time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewHTTPBackend validates configuration and returns a backend client.
func NewHTTPBackend(cfg HTTPBackendConfig) (*HTTPBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPBackend{
		baseURL:      base,
		tokens:       cfg.Tokens,
		client:       client,
		sendTimeout:  sendTimeout,
		probeTimeout: probeTimeout,
		logger:       logger,
	}, nil
}

type rejectionPayload struct {
	Error string `json:"error"`
}

// SendMutation posts one mutation to the backend. A 4xx response is a
// terminal rejection; connection failures and timeouts wrap ErrOffline.
func (b *HTTPBackend) SendMutation(ctx context.Context, request MutationRequest) (MutationResult, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return MutationResult{}, fmt.Errorf("transport: encode mutation: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(sendCtx, http.MethodPost, b.baseURL+mutationsPath, bytes.NewReader(body))
	if err != nil {
		return MutationResult{}, fmt.Errorf("transport: build mutation request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if err := b.authorize(sendCtx, httpRequest); err != nil {
		return MutationResult{}, err
	}

	response, err := b.client.Do(httpRequest)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer response.Body.Close() //nolint:errcheck

	switch {
	case response.StatusCode == http.StatusOK:
		var result MutationResult
		if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
			return MutationResult{}, fmt.Errorf("transport: decode mutation result: %w", err)
		}
		return result, nil
	case response.StatusCode >= 400 && response.StatusCode < 500:
		var rejection rejectionPayload
		if err := json.NewDecoder(response.Body).Decode(&rejection); err != nil || rejection.Error == "" {
			rejection.Error = response.Status
		}
		return MutationResult{}, &RejectionError{Reason: rejection.Error}
	default:
		return MutationResult{}, fmt.Errorf("transport: mutation send failed with status %d", response.StatusCode)
	}
}

// RegisterPush registers this agent with the push-delivery service.
func (b *HTTPBackend) RegisterPush(ctx context.Context, registration PushRegistration) error {
	body, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("transport: encode registration: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(sendCtx, http.MethodPost, b.baseURL+registrationsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build registration request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if err := b.authorize(sendCtx, httpRequest); err != nil {
		return err
	}

	response, err := b.client.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("transport: push registration failed with status %d", response.StatusCode)
	}
	return nil
}

// Subscribe opens the SSE subscription channel and decodes envelopes onto
// the returned channel until ctx ends or the stream breaks. The channel is
// closed on exit; the caller owns reconnection.
func (b *HTTPBackend) Subscribe(ctx context.Context, filters SubscriptionFilters) (<-chan Envelope, error) {
	streamURL, err := url.Parse(b.baseURL + streamPath)
	if err != nil {
		return nil, fmt.Errorf("transport: build stream url: %w", err)
	}
	query := streamURL.Query()
	if filters.RecipientID != "" {
		query.Set("recipient", filters.RecipientID)
	}
	if len(filters.Tables) > 0 {
		query.Set("tables", strings.Join(filters.Tables, ","))
	}
	streamURL.RawQuery = query.Encode()

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("transport: build stream request: %w", err)
	}
	httpRequest.Header.Set("Accept", "text/event-stream")
	if err := b.authorize(ctx, httpRequest); err != nil {
		return nil, err
	}

	response, err := b.client.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()
		return nil, fmt.Errorf("transport: subscription failed with status %d", response.StatusCode)
	}

	envelopes := make(chan Envelope)
	go b.readStream(ctx, response.Body, envelopes)
	return envelopes, nil
}

func (b *HTTPBackend) readStream(ctx context.Context, body io.ReadCloser, envelopes chan<- Envelope) {
	defer close(envelopes)
	defer body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		var envelope Envelope
		if err := json.Unmarshal([]byte(data.String()), &envelope); err != nil {
			b.logger.Warn("dropping undecodable stream event", zap.Error(err))
			data.Reset()
			continue
		}
		data.Reset()

		select {
		case envelopes <- envelope:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		b.logger.Warn("subscription stream closed", zap.Error(err))
	}
}

// Online probes backend reachability with a short timeout. Connectivity is
// a detected condition, not a precondition: a false answer only routes the
// caller through the queue.
func (b *HTTPBackend) Online(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.baseURL+healthPath, http.NoBody)
	if err != nil {
		return false
	}
	response, err := b.client.Do(httpRequest)
	if err != nil {
		return false
	}
	defer response.Body.Close() //nolint:errcheck
	return response.StatusCode < http.StatusInternalServerError
}

func (b *HTTPBackend) authorize(ctx context.Context, request *http.Request) error {
	if b.tokens == nil {
		return nil
	}
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+token)
	return nil
}
