package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const signaturePrefix = "sha256="

// RawEvent is an inbound webhook delivery as received.
type RawEvent struct {
	Provider      string
	Signature     string
	Body          []byte
	CorrelationId string
}

// Envelope is the verified body of a delivery.
type Envelope struct {
	EventId  string          `json:"eventId" validate:"required,max=255"`
	Type     string          `json:"type" validate:"required,max=100"`
	TenantId string          `json:"tenantId" validate:"required,max=64"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
}

type AckStatus string

const (
	AckCompleted AckStatus = "completed"
	AckDuplicate AckStatus = "duplicate"
	AckIgnored   AckStatus = "ignored"
	// AckAccepted means the event failed transiently and a replay job owns it now.
	AckAccepted AckStatus = "accepted"
	// AckReview means the event failed fatally and is parked for an operator.
	AckReview AckStatus = "review"
)

// Ack is what the provider is told. Every status means "handled, do not redeliver".
type Ack struct {
	Status    AckStatus `json:"status"`
	EventId   string    `json:"event_id"`
	TenantId  string    `json:"tenant_id,omitempty"`
	Duplicate bool      `json:"duplicate"`
	ResultRef string    `json:"result_ref,omitempty"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body in constant time.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrUnverified)
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: missing or malformed signature", ErrUnverified)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrUnverified)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnverified)
	}
	return nil
}

// Gateway validates inbound events, deduplicates them through the idempotency
// ledger and routes first sightings to their handler.
type Gateway struct {
	Store  *IdempotencyStore
	Queue  *RetryQueue
	Logger *logrus.Logger
	// Secrets resolves a provider's signing secret.
	Secrets func(provider string) string

	mu       sync.RWMutex
	handlers map[string]EventHandler
	validate *validator.Validate
}

// NewGateway wires the gateway and registers the replay_event operation on queue.
func NewGateway(store *IdempotencyStore, queue *RetryQueue, logger *logrus.Logger) *Gateway {
	g := &Gateway{
		Store:    store,
		Queue:    queue,
		Logger:   logger,
		Secrets:  config.WebhookSecret,
		handlers: map[string]EventHandler{},
		validate: validator.New(),
	}
	queue.Register(OperationReplayEvent, func(ctx context.Context, job models.RetryJob) error {
		return g.Replay(ctx, job.TenantId, job.IdempotencyKey)
	})
	return g
}

func (g *Gateway) Handle(eventType string, h EventHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[eventType] = h
}

func (g *Gateway) handler(eventType string) (EventHandler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.handlers[eventType]
	return h, ok
}

// Replayable reports whether an event of this type may be re-driven automatically.
func (g *Gateway) Replayable(eventType string) bool {
	h, ok := g.handler(eventType)
	return ok && h.Replayable()
}

func (g *Gateway) parse(raw RawEvent) (Envelope, error) {
	var env Envelope
	if err := VerifySignature(g.Secrets(raw.Provider), raw.Body, raw.Signature); err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return env, validationErrorf("malformed body: %v", err)
	}
	if err := g.validate.Struct(env); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return env, validationErrorf("invalid envelope: %s", strings.Join(fields, ","))
		}
		return env, validationErrorf("invalid envelope: %v", err)
	}
	return env, nil
}

// Ingest handles one delivery. A returned error means the event was not durably
// recorded: validation errors must not be redelivered, anything else should be.
func (g *Gateway) Ingest(ctx context.Context, raw RawEvent) (Ack, error) {
	ctx, span := tracer.Start(ctx, "workflow.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("provider", raw.Provider))

	env, err := g.parse(raw)
	if err != nil {
		ingestOutcomesTotal.WithLabelValues(raw.Provider, "rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		return Ack{}, err
	}
	span.SetAttributes(
		attribute.String("tenant_id", env.TenantId),
		attribute.String("event_id", env.EventId),
		attribute.String("event_type", env.Type),
	)
	ack := Ack{EventId: env.EventId, TenantId: env.TenantId}

	h, ok := g.handler(env.Type)
	if !ok {
		ingestOutcomesTotal.WithLabelValues(raw.Provider, "ignored").Inc()
		ack.Status = AckIgnored
		return ack, nil
	}

	ctx = appctx.SetTenantId(ctx, env.TenantId)
	ctx = appctx.SetEventId(ctx, env.EventId)
	if raw.CorrelationId != "" {
		ctx = appctx.SetCorrelationId(ctx, raw.CorrelationId)
	}

	isNew, err := g.Store.RecordIfNew(ctx, NewEvent{
		TenantId:  env.TenantId,
		EventId:   env.EventId,
		Provider:  raw.Provider,
		EventType: env.Type,
		Payload:   env.Payload,
	})
	if err != nil {
		ingestOutcomesTotal.WithLabelValues(raw.Provider, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(g.Logger, "ingest.go", "Ingest", "RecordIfNew", env.EventId, err)
		return Ack{}, Transient("record event", err)
	}
	if !isNew {
		ingestOutcomesTotal.WithLabelValues(raw.Provider, "duplicate").Inc()
		ack.Status = AckDuplicate
		ack.Duplicate = true
		return ack, nil
	}

	ack.Status, ack.ResultRef = g.run(ctx, h, env, raw.CorrelationId)
	ingestOutcomesTotal.WithLabelValues(raw.Provider, string(ack.Status)).Inc()
	return ack, nil
}

// run executes the handler of a recorded event and settles its ledger row.
func (g *Gateway) run(ctx context.Context, h EventHandler, env Envelope, correlationId string) (AckStatus, string) {
	ref, err := h.Handle(ctx, env)
	// Settling must outlive a caller that hung up mid-handler.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if markErr := g.Store.MarkCompleted(bg, env.TenantId, env.EventId, ref); markErr != nil {
			// The effect is committed; the sweeper replays the PROCESSING row idempotently.
			config.LogError(g.Logger, "ingest.go", "run", "MarkCompleted", env.EventId, markErr)
		}
		return AckCompleted, ref
	}

	logger := g.entry(env)
	if IsTransient(err) {
		logger.Warn("event failed transiently, scheduling replay: " + err.Error())
		if markErr := g.Store.MarkFailed(bg, env.TenantId, env.EventId, err); markErr != nil {
			config.LogError(g.Logger, "ingest.go", "run", "MarkFailed", env.EventId, markErr)
		}
		if _, _, enqErr := g.Queue.Enqueue(bg, g.replayParams(env, correlationId, 1, err)); enqErr != nil {
			// The FAILED row is still visible to the sweeper.
			config.LogError(g.Logger, "ingest.go", "run", "Enqueue replay", env.EventId, enqErr)
		}
		return AckAccepted, ""
	}

	logger.Error("event failed fatally, flagged for review: " + err.Error())
	if markErr := g.Store.FlagForReview(bg, env.TenantId, env.EventId, err.Error()); markErr != nil {
		config.LogError(g.Logger, "ingest.go", "run", "FlagForReview", env.EventId, markErr)
	}
	if dlErr := g.Queue.deadLetterNew(bg, g.replayParams(env, correlationId, 1, err), err); dlErr != nil {
		config.LogError(g.Logger, "ingest.go", "run", "Dead-letter event", env.EventId, dlErr)
	}
	return AckReview, ""
}

func (g *Gateway) entry(env Envelope) *logrus.Entry {
	logger := g.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":      "Gateway",
		"tenant_id":  env.TenantId,
		"event_id":   env.EventId,
		"event_type": env.Type,
	})
}

type replayJobPayload struct {
	TenantId  string `json:"tenantId"`
	EventId   string `json:"eventId"`
	EventType string `json:"eventType"`
}

func (g *Gateway) replayParams(env Envelope, correlationId string, attempts int, cause error) EnqueueParams {
	body, _ := json.Marshal(replayJobPayload{TenantId: env.TenantId, EventId: env.EventId, EventType: env.Type})
	if correlationId == "" {
		correlationId = env.EventId
	}
	return EnqueueParams{
		TenantId:       env.TenantId,
		OperationType:  OperationReplayEvent,
		IdempotencyKey: env.EventId,
		Payload:        body,
		CorrelationId:  correlationId,
		Attempts:       attempts,
		LastError:      cause,
	}
}

// Replay re-drives a recorded event from its stored payload. Completed and
// review-flagged events are left alone.
func (g *Gateway) Replay(ctx context.Context, tenantId, eventId string) error {
	ctx = appctx.SetEventId(appctx.SetTenantId(ctx, tenantId), eventId)
	rec, err := g.Store.Get(ctx, tenantId, eventId)
	if errors.Is(err, ErrEventNotFound) {
		return Fatal("replay", err)
	}
	if err != nil {
		return err
	}
	if rec.Status == models.IdempotencyStatusCompleted || rec.NeedsReview {
		return nil
	}
	h, ok := g.handler(rec.EventType)
	if !ok {
		return Fatal("replay", fmt.Errorf("no handler for event type %q", rec.EventType))
	}

	env := Envelope{EventId: rec.EventId, Type: rec.EventType, TenantId: rec.TenantId, Payload: rec.Payload}
	ref, err := h.Handle(ctx, env)
	bg := context.WithoutCancel(ctx)
	if err == nil {
		return g.Store.MarkCompleted(bg, tenantId, eventId, ref)
	}
	if IsTransient(err) {
		if markErr := g.Store.MarkFailed(bg, tenantId, eventId, err); markErr != nil {
			config.LogError(g.Logger, "ingest.go", "Replay", "MarkFailed", eventId, markErr)
		}
		return Transient("replay", err)
	}
	if markErr := g.Store.FlagForReview(bg, tenantId, eventId, err.Error()); markErr != nil {
		config.LogError(g.Logger, "ingest.go", "Replay", "FlagForReview", eventId, markErr)
	}
	return Fatal("replay", err)
}

type ResolveAction string

const (
	// ResolveReplay clears the review flag and schedules a replay.
	ResolveReplay ResolveAction = "replay"
	// ResolveComplete records that an operator settled the event by hand.
	ResolveComplete ResolveAction = "complete"
)

// Resolve is the operator action for an event parked for review.
func (g *Gateway) Resolve(ctx context.Context, tenantId, eventId string, action ResolveAction, note string) (*models.IdempotencyRecord, error) {
	ctx = appctx.SetTenantId(ctx, tenantId)
	rec, err := g.Store.Get(ctx, tenantId, eventId)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.IdempotencyStatusCompleted {
		return rec, nil
	}

	switch action {
	case ResolveComplete:
		ref := "manual"
		if note != "" {
			ref = "manual:" + note
		}
		if err := g.Store.MarkCompleted(ctx, tenantId, eventId, ref); err != nil {
			return nil, err
		}
	case ResolveReplay:
		if err := g.Store.ReopenForReplay(ctx, tenantId, eventId, "operator requested replay"); err != nil {
			return nil, err
		}
		env := Envelope{EventId: rec.EventId, Type: rec.EventType, TenantId: rec.TenantId}
		if _, err := g.Queue.EnqueueOrReopen(ctx, g.replayParams(env, "", 0, nil)); err != nil {
			return nil, err
		}
	default:
		return nil, validationErrorf("unknown resolve action %q", action)
	}
	return g.Store.Get(ctx, tenantId, eventId)
}
