// Package dispatcher implements C9 (spec §4.9): drains a session's claimed
// event batch, partitions it into the resolver payload shape (spec §6.4),
// and delivers it through one of the three resolver backends (spec §6.5).
// Grounded on the teacher's internal/search/outbox.go retry/backoff curve
// (already reused for internal/intake) rather than service/trace/buffer.go's
// heavier WAL-backed accumulate/flush lifecycle, which is overkill for a
// claim-build-send-release shape with no local durability requirement of
// its own (storage already persists the event rows it reads from).
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/DigiBugCat/noesis/internal/errs"
	"github.com/DigiBugCat/noesis/internal/model"
	"github.com/DigiBugCat/noesis/internal/telemetry"
)

// retryAttempts and retryBaseDelay implement spec §4.9's "retry on transient
// error up to 3 times, exponential backoff base 5s". retryBaseDelay is a var,
// not a const, so tests can shrink it.
const retryAttempts = 3

var retryBaseDelay = 5 * time.Second

// resolveDuration records end-to-end resolver delivery latency, including
// retries (spec §1 ambient telemetry) — one observation per deliverWithRetry
// call, not per attempt, so it reflects what a session's dispatch actually
// cost.
var resolveDuration = newResolveDurationHistogram()

func newResolveDurationHistogram() metric.Float64Histogram {
	meter := telemetry.Meter("noesis/dispatcher")
	h, _ := meter.Float64Histogram("noesis.resolver.delivery.duration",
		metric.WithDescription("Time to deliver a resolver payload, including retries (ms)"),
		metric.WithUnit("ms"),
	)
	return h
}

func recordResolveDuration(ctx context.Context, start time.Time, err error) {
	if resolveDuration == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	resolveDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// Queue is the slice of internal/events the dispatcher drives. Declared
// locally, same narrow-interface pattern as exposure.Cascader/cascade.Store.
type Queue interface {
	Claim(ctx context.Context, sessionID uuid.UUID) (claimID uuid.UUID, events []model.MemoryEvent, err error)
	Release(ctx context.Context, eventIDs []uuid.UUID) error
}

// Backend delivers one resolver payload. The three spec §6.5 backends
// (none/webhook/issue_tracker) all implement this.
type Backend interface {
	Deliver(ctx context.Context, payload Payload) error
}

// Dispatcher drains and delivers a single session's event batch.
type Dispatcher struct {
	queue   Queue
	backend Backend
	logger  *slog.Logger
}

// New constructs a Dispatcher.
func New(queue Queue, backend Backend, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, backend: backend, logger: logger}
}

// ViolationItem, ConfirmationItem, CascadeItem, and OverduePredictionItem are
// the four resolver payload row shapes (spec §6.4).
type ViolationItem struct {
	ID          uuid.UUID      `json:"id"`
	MemoryID    uuid.UUID      `json:"memory_id"`
	ViolatedBy  *uuid.UUID     `json:"violated_by,omitempty"`
	DamageLevel *model.DamageLevel `json:"damage_level,omitempty"`
	Context     map[string]any `json:"context"`
}

type ConfirmationItem struct {
	ID       uuid.UUID      `json:"id"`
	MemoryID uuid.UUID      `json:"memory_id"`
	Context  map[string]any `json:"context"`
}

type CascadeItem struct {
	ID         uuid.UUID      `json:"id"`
	MemoryID   uuid.UUID      `json:"memory_id"`
	CascadeType string        `json:"cascade_type"`
	MemoryType  string        `json:"memory_type"`
	Context     map[string]any `json:"context"`
}

type OverduePredictionItem struct {
	ID       uuid.UUID      `json:"id"`
	MemoryID uuid.UUID      `json:"memory_id"`
	Context  map[string]any `json:"context"`
}

// Summary is the payload's rollup (spec §6.4).
type Summary struct {
	ViolationCount          int         `json:"violationCount"`
	ConfirmationCount       int         `json:"confirmationCount"`
	CascadeCount            int         `json:"cascadeCount"`
	OverduePredictionCount  int         `json:"overduePredictionCount"`
	AffectedMemories        []uuid.UUID `json:"affectedMemories"`
}

// Payload is one unit of resolver delivery (spec §6.4) — either the combined
// violations+confirmations+cascades payload for a session, or a single
// overdue-prediction payload (one prediction per payload, per spec §4.9
// step 3).
type Payload struct {
	BatchID            uuid.UUID                `json:"batchId"`
	SessionID          uuid.UUID                `json:"sessionId"`
	Violations         []ViolationItem          `json:"violations,omitempty"`
	Confirmations      []ConfirmationItem       `json:"confirmations,omitempty"`
	Cascades           []CascadeItem            `json:"cascades,omitempty"`
	OverduePredictions []OverduePredictionItem  `json:"overduePredictions,omitempty"`
	Summary            Summary                  `json:"summary"`

	eventIDs []uuid.UUID // events this payload covers; released together on final failure.
}

// DispatchSession claims a session's undispatched events, builds the
// payload(s), and delivers them in parallel (spec §4.9 step 4). Payloads
// whose delivery exhausts its retry budget are released back to undispatched
// via Queue.Release rather than treated as fatal to the whole batch.
func (d *Dispatcher) DispatchSession(ctx context.Context, sessionID uuid.UUID) error {
	claimID, events, err := d.queue.Claim(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dispatcher: claim session %s: %w", sessionID, err)
	}
	if len(events) == 0 {
		return nil
	}
	d.logger.Info("dispatcher: claimed batch", "session_id", sessionID, "claim_id", claimID, "count", len(events))

	payloads := buildPayloads(sessionID, events, d.logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range payloads {
		p := p
		g.Go(func() error {
			d.deliver(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// deliver sends one payload with retry, releasing its events on final
// failure so the next tick retries them (spec §4.9 step 4's "release_claimed
// for that payload's event ids").
func (d *Dispatcher) deliver(ctx context.Context, p Payload) {
	lastErr := d.deliverWithRetry(ctx, p)
	if lastErr == nil {
		return
	}
	d.logger.Error("dispatcher: delivery exhausted retries, releasing", "batch_id", p.BatchID, "session_id", p.SessionID, "err", lastErr)
	if err := d.queue.Release(ctx, p.eventIDs); err != nil {
		d.logger.Error("dispatcher: release claimed failed", "batch_id", p.BatchID, "err", err)
	}
}

// deliverWithRetry retries only spec §7's transient kinds (transient_io,
// transient_parse); a backend returning validation/not_found/conflict/
// terminal_io/cancelled fails fast instead of burning the retry budget on
// an error no amount of resending will fix.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, p Payload) (err error) {
	start := time.Now()
	defer func() { recordResolveDuration(ctx, start, err) }()

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return err
			case <-time.After(delay):
			}
			delay *= 2
		}
		deliverErr := d.backend.Deliver(ctx, p)
		if deliverErr == nil {
			return nil
		}
		lastErr = deliverErr
		if !errs.Retryable(errs.KindOf(deliverErr)) {
			break
		}
	}
	err = lastErr
	return err
}

// buildPayloads partitions a claimed batch by event type (spec §4.9 step 2):
// one combined payload for violation + prediction_confirmed + cascade
// (*:cascade_*) events, and one payload per thought:pending_resolution event.
// Contexts are already map[string]any by the time they reach here (C8/C9
// never re-parse JSON at this layer — storage is responsible for decoding
// the jsonb column); a nil context degrades to an empty map rather than
// failing the whole batch, matching spec §4.9 step 1's "malformed context
// must never fail the batch" for the analogous defensive-parse case.
func buildPayloads(sessionID uuid.UUID, events []model.MemoryEvent, logger *slog.Logger) []Payload {
	batchID := uuid.New()
	combined := Payload{BatchID: batchID, SessionID: sessionID}
	affected := map[uuid.UUID]struct{}{}

	var overdue []Payload
	for _, e := range events {
		ctxMap := e.Context
		if ctxMap == nil {
			ctxMap = map[string]any{}
		}
		affected[e.MemoryID] = struct{}{}

		switch {
		case e.EventType == model.EventViolation:
			combined.Violations = append(combined.Violations, ViolationItem{
				ID: e.ID, MemoryID: e.MemoryID, ViolatedBy: e.ViolatedBy, DamageLevel: e.DamageLevel, Context: ctxMap,
			})
			combined.eventIDs = append(combined.eventIDs, e.ID)
		case e.EventType == model.EventPredictionConfirmed:
			combined.Confirmations = append(combined.Confirmations, ConfirmationItem{
				ID: e.ID, MemoryID: e.MemoryID, Context: ctxMap,
			})
			combined.eventIDs = append(combined.eventIDs, e.ID)
		case isCascadeEvent(e.EventType):
			memtype, cascadeType := splitCascadeEventType(e.EventType)
			combined.Cascades = append(combined.Cascades, CascadeItem{
				ID: e.ID, MemoryID: e.MemoryID, CascadeType: cascadeType, MemoryType: memtype, Context: ctxMap,
			})
			combined.eventIDs = append(combined.eventIDs, e.ID)
		case e.EventType == model.EventThoughtPendingResolution:
			overdue = append(overdue, Payload{
				BatchID:  uuid.New(),
				SessionID: sessionID,
				OverduePredictions: []OverduePredictionItem{{ID: e.ID, MemoryID: e.MemoryID, Context: ctxMap}},
				Summary:  Summary{OverduePredictionCount: 1, AffectedMemories: []uuid.UUID{e.MemoryID}},
				eventIDs: []uuid.UUID{e.ID},
			})
		default:
			logger.Warn("dispatcher: unrecognized event type, treating as cascade review", "event_type", e.EventType, "event_id", e.ID)
			combined.Cascades = append(combined.Cascades, CascadeItem{
				ID: e.ID, MemoryID: e.MemoryID, CascadeType: string(e.EventType), Context: ctxMap,
			})
			combined.eventIDs = append(combined.eventIDs, e.ID)
		}
	}

	var payloads []Payload
	if len(combined.eventIDs) > 0 {
		combined.Summary = Summary{
			ViolationCount:         len(combined.Violations),
			ConfirmationCount:      len(combined.Confirmations),
			CascadeCount:           len(combined.Cascades),
			AffectedMemories:       memoryIDsFor(combined.Violations, combined.Confirmations, combined.Cascades),
		}
		payloads = append(payloads, combined)
	}
	payloads = append(payloads, overdue...)
	return payloads
}

func memoryIDsFor(violations []ViolationItem, confirmations []ConfirmationItem, cascades []CascadeItem) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, v := range violations {
		add(v.MemoryID)
	}
	for _, c := range confirmations {
		add(c.MemoryID)
	}
	for _, c := range cascades {
		add(c.MemoryID)
	}
	return ids
}

// isCascadeEvent matches "<memtype>:cascade_*" event types C7 emits, e.g.
// "thought:cascade_boost", "assumption:cascade_review".
func isCascadeEvent(et model.EventType) bool {
	_, suffix, ok := cutEventType(et)
	if !ok {
		return false
	}
	return len(suffix) > len("cascade_") && suffix[:len("cascade_")] == "cascade_"
}

// splitCascadeEventType splits a "<memtype>:cascade_x" event type back into
// its memory-type prefix and cascade-type suffix.
func splitCascadeEventType(et model.EventType) (memtype, cascadeType string) {
	prefix, suffix, ok := cutEventType(et)
	if !ok {
		return "", string(et)
	}
	return prefix, suffix
}

func cutEventType(et model.EventType) (prefix, suffix string, ok bool) {
	s := string(et)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", s, false
}

// NoopBackend logs and no-ops — resolver_type=none (spec §6.5).
type NoopBackend struct {
	Logger *slog.Logger
}

func (b NoopBackend) Deliver(_ context.Context, p Payload) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dispatcher: resolver disabled, dropping payload", "batch_id", p.BatchID, "session_id", p.SessionID,
		"violations", len(p.Violations), "confirmations", len(p.Confirmations), "cascades", len(p.Cascades),
		"overdue_predictions", len(p.OverduePredictions))
	return nil
}

// WebhookBackend POSTs the payload as JSON to a configured URL (spec §6.5).
type WebhookBackend struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// NewWebhookBackend constructs a WebhookBackend with a sane default timeout.
func NewWebhookBackend(url, apiKey string) *WebhookBackend {
	return &WebhookBackend{URL: url, APIKey: apiKey, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

func (b *WebhookBackend) Deliver(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatcher: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errs.New(errs.TransientIO, fmt.Errorf("dispatcher: send webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(statusKind(resp.StatusCode), fmt.Errorf("dispatcher: webhook returned status %d", resp.StatusCode))
	}
	return nil
}

// statusKind classifies an HTTP response status the way spec §7's abstract
// kinds distinguish transient from terminal failure: 429/5xx are worth
// retrying, everything else (a 4xx the resolver will never accept as-is) is
// not.
func statusKind(status int) errs.Kind {
	if status == http.StatusTooManyRequests || status >= 500 {
		return errs.TransientIO
	}
	if status == http.StatusNotFound {
		return errs.NotFound
	}
	return errs.Validation
}

// IssueTrackerBackend creates one issue per payload (spec §6.5). The actual
// tracker API is a thin POST against a preconfigured issue-creation
// endpoint; the URL and auth are the same ResolverURL/ResolverAPIKey
// fields used by the webhook backend, just interpreted as an issue-creation
// endpoint instead of a generic webhook sink.
type IssueTrackerBackend struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// NewIssueTrackerBackend constructs an IssueTrackerBackend with a sane
// default timeout.
func NewIssueTrackerBackend(url, apiKey string) *IssueTrackerBackend {
	return &IssueTrackerBackend{URL: url, APIKey: apiKey, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

type issueRequest struct {
	Title  string   `json:"title"`
	Labels []string `json:"labels"`
	Body   Payload  `json:"body"`
}

// issueLabel selects spec §6.5's "memory-violation" or "memory-prediction"
// label, which downstream tracker automation uses to route the issue —
// overdue-prediction payloads carry only OverduePredictions, everything
// else is a violation/confirmation/cascade payload.
func issueLabel(p Payload) string {
	if len(p.OverduePredictions) > 0 {
		return "memory-prediction"
	}
	return "memory-violation"
}

func (b *IssueTrackerBackend) Deliver(ctx context.Context, p Payload) error {
	title := fmt.Sprintf("noesis: batch %s (%d violations, %d confirmations, %d cascades, %d overdue)",
		p.BatchID, p.Summary.ViolationCount, p.Summary.ConfirmationCount, p.Summary.CascadeCount, p.Summary.OverduePredictionCount)
	body, err := json.Marshal(issueRequest{Title: title, Labels: []string{issueLabel(p)}, Body: p})
	if err != nil {
		return fmt.Errorf("dispatcher: marshal issue payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatcher: build issue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errs.New(errs.TransientIO, fmt.Errorf("dispatcher: create issue: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(statusKind(resp.StatusCode), fmt.Errorf("dispatcher: issue tracker returned status %d", resp.StatusCode))
	}
	return nil
}

// NewBackend selects the resolver backend named by resolverType (spec §6.5).
func NewBackend(resolverType, url, apiKey string, logger *slog.Logger) (Backend, error) {
	switch resolverType {
	case "", "none":
		return NoopBackend{Logger: logger}, nil
	case "webhook":
		return NewWebhookBackend(url, apiKey), nil
	case "issue_tracker":
		return NewIssueTrackerBackend(url, apiKey), nil
	default:
		return nil, fmt.Errorf("dispatcher: unknown resolver type %q", resolverType)
	}
}
