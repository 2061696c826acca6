package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

// Step scripts one backend response. Steps are consumed in order; once the
// script is exhausted every request succeeds.
type Step struct {
	// Status is the HTTP status to return (e.g. 503, 401, 422).
	Status int

	// RetryAfter, when non-empty, is sent as the Retry-After header.
	RetryAfter string

	// Body overrides the response body. Empty means a minimal JSON error.
	Body string
}

// RecordedRequest captures one request the backend received.
type RecordedRequest struct {
	Kind           string
	EntityKey      string
	IdempotencyKey string
	Authorization  string
	Payload        json.RawMessage
	Replayed       bool
}

// Backend is a dedupe-aware fake sync service.
//
// It speaks the mutation wire protocol: POST /mutations/{kind}/{entityKey}
// with an envelope body and an Idempotency-Key header. A key seen before
// replays the stored response verbatim without reapplying the mutation,
// which is exactly the server behavior the client's key discipline relies
// on. Failures are scripted per test via Enqueue.
type Backend struct {
	srv *httptest.Server

	mu        sync.Mutex
	script    []Step
	responses map[string]storedResponse // idempotency key -> first response
	versions  map[string]int64          // entity key -> version
	requests  []RecordedRequest

	// RejectToken, when non-empty, turns requests bearing this credential
	// into 401s. Tests flip it to exercise the refresh-and-replay path.
	rejectToken string
}

type storedResponse struct {
	status int
	body   []byte
}

// NewBackend starts the fake service. Callers must Close it.
func NewBackend() *Backend {
	b := &Backend{
		responses: make(map[string]storedResponse),
		versions:  make(map[string]int64),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL returns the backend's base URL.
func (b *Backend) URL() string { return b.srv.URL }

// Close shuts the backend down.
func (b *Backend) Close() { b.srv.Close() }

// Enqueue appends scripted responses ahead of the default success path.
func (b *Backend) Enqueue(steps ...Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, steps...)
}

// RejectToken makes requests carrying the given bearer token fail with 401.
// An empty value accepts every token again.
func (b *Backend) RejectToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectToken = token
}

// Requests returns a copy of every request received, in order.
func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RecordedRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// ApplyCount returns how many times a mutation with the given key was
// actually applied (replays excluded).
func (b *Backend) ApplyCount(idempotencyKey string) int {
	n := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.requests {
		if r.IdempotencyKey == idempotencyKey && !r.Replayed {
			n++
		}
	}
	return n
}

// Version returns the server-side version of an entity.
func (b *Backend) Version(entityKey string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions[entityKey]
}

func (b *Backend) handle(w http.ResponseWriter, r *http.Request) {
	kind, entityKey, ok := parseMutationPath(r.URL.EscapedPath())
	if !ok || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var env struct {
		SchemaVersion int             `json:"schemaVersion"`
		Data          json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, `{"error":"malformed envelope"}`, http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")

	b.mu.Lock()
	defer b.mu.Unlock()

	rec := RecordedRequest{
		Kind:           kind,
		EntityKey:      entityKey,
		IdempotencyKey: key,
		Authorization:  r.Header.Get("Authorization"),
		Payload:        env.Data,
	}

	// Dedupe before anything else: a replayed key returns the original
	// response and changes nothing, even while failures are scripted.
	if stored, seen := b.responses[key]; seen && key != "" {
		rec.Replayed = true
		b.requests = append(b.requests, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stored.status)
		w.Write(stored.body)
		return
	}
	b.requests = append(b.requests, rec)

	if b.rejectToken != "" && rec.Authorization == "Bearer "+b.rejectToken {
		http.Error(w, `{"error":"credential expired"}`, http.StatusUnauthorized)
		return
	}

	if len(b.script) > 0 {
		step := b.script[0]
		b.script = b.script[1:]
		if step.RetryAfter != "" {
			w.Header().Set("Retry-After", step.RetryAfter)
		}
		body := step.Body
		if body == "" {
			body = fmt.Sprintf(`{"error":"scripted status %d"}`, step.Status)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(step.Status)
		w.Write([]byte(body))
		return
	}

	b.versions[entityKey]++
	ack := map[string]any{
		"entity_key": entityKey,
		"version":    b.versions[entityKey],
		"status":     "applied",
		"entity":     env.Data,
	}
	body, _ := json.Marshal(map[string]any{
		"schemaVersion": 3,
		"features":      []string{},
		"data":          ack,
	})
	if key != "" {
		b.responses[key] = storedResponse{status: http.StatusOK, body: body}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func parseMutationPath(path string) (kind, entityKey string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "mutations" {
		return "", "", false
	}
	entityKey, err := url.PathUnescape(parts[2])
	if err != nil {
		return "", "", false
	}
	return parts[1], entityKey, true
}
