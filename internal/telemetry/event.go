// Package telemetry is the gateway's analytics pipeline: events are enqueued
// on a bounded in-memory channel, redacted, batched, and flushed to the
// columnar analytics store by a background consumer. Aggregation queries for
// the dashboard read APIs live here too.
package telemetry

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindPromptCall            = "prompt_call"
	KindAgentStep             = "agent_step"
	KindError                 = "error"
	KindAssertionFailed       = "assertion_failed"
	KindHallucinationDetected = "hallucination_detected"
	KindCostThresholdExceeded = "cost_threshold_exceeded"
)

// Request statuses recorded on prompt_call events.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// ClientInfo identifies the SDK that emitted an event.
type ClientInfo struct {
	SDKVersion string `json:"sdkVersion"`
	Platform   string `json:"platform"`
}

// Event is one telemetry record. Kind selects which payload fields are
// meaningful; unused fields stay zero and compress away in the column store.
type Event struct {
	EventID   string     `json:"eventId"`
	ProjectID string     `json:"projectId"`
	RunID     string     `json:"runId"`
	Timestamp time.Time  `json:"timestamp"`
	Env       string     `json:"env"`
	Tags      []string   `json:"tags,omitempty"`
	Client    ClientInfo `json:"client"`
	Kind      string     `json:"kind"`

	// prompt_call payload.
	GatewayKeyID    string  `json:"gatewayKeyId,omitempty"`
	ProviderKeyID   string  `json:"providerKeyId,omitempty"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	EndpointPath    string  `json:"endpointPath,omitempty"`
	TokensInput     int     `json:"tokensInput,omitempty"`
	TokensOutput    int     `json:"tokensOutput,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
	LatencyMs       int64   `json:"latencyMs,omitempty"`
	Status          string  `json:"status,omitempty"`
	ErrorCode       string  `json:"errorCode,omitempty"`
	Cached          bool    `json:"cached,omitempty"`
	CacheSimilarity float64 `json:"cacheSimilarity,omitempty"`
	ResponseSummary string  `json:"responseSummary,omitempty"`

	// error / assertion payloads.
	Message string `json:"message,omitempty"`
}

// NewEvent stamps the base fields shared by every kind.
func NewEvent(kind, projectID, runID, env string) Event {
	return Event{
		EventID:   uuid.New().String(),
		ProjectID: projectID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Env:       env,
		Kind:      kind,
	}
}

// TokensTotal returns the combined token count of a prompt_call event.
func (e *Event) TokensTotal() int { return e.TokensInput + e.TokensOutput }

// ── Redaction ────────────────────────────────────────────────────────────────

const redactedMarker = "[REDACTED]"

// PII patterns replaced before an event reaches the queue. Order matters:
// card numbers would otherwise partially match the SSN pattern.
var (
	reCreditCard = regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`)
	reSSN        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reEmail      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// RedactString replaces credit-card, SSN, and email patterns in s.
func RedactString(s string) string {
	s = reCreditCard.ReplaceAllString(s, redactedMarker)
	s = reSSN.ReplaceAllString(s, redactedMarker)
	s = reEmail.ReplaceAllString(s, redactedMarker)
	return s
}

// Redact scrubs the free-text fields of an event in place.
func Redact(e *Event) {
	e.ResponseSummary = RedactString(e.ResponseSummary)
	e.Message = RedactString(e.Message)
	for i, tag := range e.Tags {
		e.Tags[i] = RedactString(tag)
	}
}
