// Package transport dispatches mutations over HTTP and classifies the
// results.
//
// The dispatcher sends exactly one mutation per call. It attaches the
// idempotency key, client capability and schema-version headers, and a
// per-attempt correlation id, then buckets the raw result into the
// outcome classes the scheduler understands. It holds no queue state and
// never transitions mutations itself.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/wire"
)

// Required headers on every mutating request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCapabilities   = "X-Client-Capabilities"
	HeaderSchemaVersion  = "X-Client-Schema-Version"
	HeaderCorrelationID  = "X-Correlation-Id"
)

// TokenSource supplies the auth credential for outgoing requests.
// Token acquisition itself is an external collaborator; the dispatcher
// only consumes its failure signal (a 401 response classifies as
// auth_expired, and the engine asks the source to Refresh before
// replaying the same idempotency key once).
type TokenSource interface {
	// Token returns the current bearer credential.
	Token(ctx context.Context) (string, error)

	// Refresh obtains a fresh credential after an auth_expired outcome.
	Refresh(ctx context.Context) error
}

// Config holds dispatcher tuning.
type Config struct {
	// BaseURL is the remote service root, e.g. "https://sync.example.com".
	BaseURL string

	// Capabilities are the tokens sent in X-Client-Capabilities.
	Capabilities []string

	// AttemptTimeout bounds each dispatch attempt, independent of the
	// backoff schedule.
	AttemptTimeout time.Duration
}

// Dispatcher sends mutations to one remote host.
type Dispatcher struct {
	cfg    Config
	host   string
	client *http.Client
	tokens TokenSource
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher for the configured host.
// A nil httpClient uses http.DefaultClient; a nil logger uses
// slog.Default().
func NewDispatcher(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*Dispatcher, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		host:   u.Host,
		client: httpClient,
		tokens: tokens,
		logger: logger,
	}, nil
}

// Host returns the host identifier used for circuit breaker lookups.
func (d *Dispatcher) Host() string {
	return d.host
}

// Dispatch sends one mutation and classifies the result.
//
// The idempotency key is attached verbatim; the dispatcher never mints or
// rotates keys. Cancellation of ctx mid-flight classifies as retryable
// with the outcome unknown - safe only because redispatch with the same
// key is side-effect-free.
func (d *Dispatcher) Dispatch(ctx context.Context, m *intent.Mutation, idempotencyKey string) intent.Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	correlationID := uuid.Must(uuid.NewV7()).String()

	env := wire.NewRequestEnvelope(d.cfg.Capabilities, m.Payload)
	body, err := json.Marshal(env)
	if err != nil {
		return intent.Outcome{Class: intent.OutcomeTerminal, Reason: fmt.Sprintf("encode envelope: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.requestURL(m), bytes.NewReader(body))
	if err != nil {
		return intent.Outcome{Class: intent.OutcomeTerminal, Reason: fmt.Sprintf("build request: %v", err)}
	}

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return intent.Outcome{Class: intent.OutcomeAuthExpired, Reason: fmt.Sprintf("token source: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	req.Header.Set(HeaderCapabilities, strings.Join(d.cfg.Capabilities, ","))
	req.Header.Set(HeaderSchemaVersion, strconv.Itoa(wire.SchemaVersion))
	req.Header.Set(HeaderCorrelationID, correlationID)

	d.logger.Debug("dispatching mutation",
		"mutation", m.ID,
		"entity", m.EntityKey,
		"host", d.host,
		"attempt", m.AttemptCount+1,
		"correlation_id", correlationID,
	)

	resp, err := d.client.Do(req)
	if err != nil {
		// Timeouts, connection resets, TLS failures: connectivity, retryable.
		return intent.Outcome{Class: intent.OutcomeRetryable, Reason: fmt.Sprintf("transport: %v", transportReason(err))}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return intent.Outcome{Class: intent.OutcomeRetryable, Reason: fmt.Sprintf("read response: %v", err)}
	}

	return classify(resp, respBody)
}

func (d *Dispatcher) requestURL(m *intent.Mutation) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/mutations/" + string(m.Kind) + "/" + url.PathEscape(m.EntityKey)
}

// Refresh asks the token source for a fresh credential.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	return d.tokens.Refresh(ctx)
}

// classify maps an HTTP response to an outcome class:
//
//	2xx              -> success
//	401              -> auth_expired (refresh then replay the same key)
//	408, 429, 5xx    -> retryable (429 honors Retry-After)
//	other 4xx        -> terminal
func classify(resp *http.Response, body []byte) intent.Outcome {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return intent.Outcome{Class: intent.OutcomeSuccess, Response: body}

	case status == http.StatusUnauthorized:
		return intent.Outcome{Class: intent.OutcomeAuthExpired, Reason: "credential rejected (401)"}

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		out := intent.Outcome{
			Class:  intent.OutcomeRetryable,
			Reason: fmt.Sprintf("server status %d", status),
		}
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return out

	default:
		return intent.Outcome{
			Class:  intent.OutcomeTerminal,
			Reason: fmt.Sprintf("server status %d: %s", status, truncate(body, 200)),
		}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Malformed values
// yield zero and the normal backoff applies.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "attempt timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
