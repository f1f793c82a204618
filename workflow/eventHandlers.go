package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/mmdatafocus/booking_backend/provider"
	"github.com/shopspring/decimal"
)

// Event types routed by the gateway.
const (
	EventTypeBookingRequested = "booking.requested"
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypeBookingCancelled = "booking.cancelled"
)

// Retry queue operation types.
const (
	OperationRefund      = "refund"
	OperationReplayEvent = "replay_event"
)

// EventHandler runs the business effect of one newly recorded event and returns a
// reference to what it produced.
type EventHandler interface {
	Handle(ctx context.Context, ev Envelope) (string, error)
	// Replayable is true when every effect of Handle is keyed by the event id, so
	// running it again after a crash cannot double-apply anything.
	Replayable() bool
}

// BookingPayload is the payload of booking.requested and payment.succeeded.
// When PaymentRef is set and the slot turns out to be full, the payment is refunded.
//
// BookingRef ties together the events a provider sends for one booking, so a
// booking.requested and its payment.succeeded hold a single unit of capacity.
// Without it the event id is the booking's reservation key.
type BookingPayload struct {
	BookingRef string          `json:"bookingRef"`
	ResourceId string          `json:"resourceId" validate:"required"`
	SlotKey    string          `json:"slotKey" validate:"required"`
	PaymentRef string          `json:"paymentRef"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

func (p BookingPayload) reservationKey(eventId string) string {
	if p.BookingRef != "" {
		return p.BookingRef
	}
	return eventId
}

// CancelPayload is the payload of booking.cancelled. It names the reservation by
// BookingRef, or by the id of the event that made it.
type CancelPayload struct {
	BookingRef     string          `json:"bookingRef" validate:"required_without=BookingEventId"`
	BookingEventId string          `json:"bookingEventId"`
	PaymentRef     string          `json:"paymentRef"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

func (p CancelPayload) reservationKey() string {
	if p.BookingRef != "" {
		return p.BookingRef
	}
	return p.BookingEventId
}

// RefundJobPayload is the retry job payload of the refund operation.
type RefundJobPayload struct {
	PaymentRef string          `json:"paymentRef"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Reason     string          `json:"reason"`
}

func refundKey(key string) string {
	return "refund:" + key
}

func decodePayload(raw json.RawMessage, v any, validate *validator.Validate) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return Fatal("decode payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return Fatal("validate payload", err)
	}
	return nil
}

// dispatchRefund hands a refund keyed by key to the retry queue. Only a failure to
// persist the outcome is returned; provider failures are owned by the queue from here on.
func dispatchRefund(ctx context.Context, queue *RetryQueue, ev Envelope, key string, p RefundJobPayload) error {
	if p.PaymentRef == "" || !p.Amount.IsPositive() {
		return nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Fatal("encode refund", err)
	}
	_, err = queue.Dispatch(ctx, EnqueueParams{
		TenantId:       ev.TenantId,
		OperationType:  OperationRefund,
		IdempotencyKey: refundKey(key),
		Payload:        body,
		CorrelationId:  ev.EventId,
	})
	if err != nil {
		return Transient("dispatch refund", err)
	}
	return nil
}

// BookingHandler reserves the requested slot under the booking's reservation key.
type BookingHandler struct {
	Executor *Executor
	Queue    *RetryQueue
	validate *validator.Validate
}

func NewBookingHandler(executor *Executor, queue *RetryQueue) *BookingHandler {
	return &BookingHandler{Executor: executor, Queue: queue, validate: validator.New()}
}

func (h *BookingHandler) Replayable() bool { return true }

func (h *BookingHandler) Handle(ctx context.Context, ev Envelope) (string, error) {
	var p BookingPayload
	if err := decodePayload(ev.Payload, &p, h.validate); err != nil {
		return "", err
	}
	key := p.reservationKey(ev.EventId)
	res, err := h.Executor.Reserve(ctx, ReserveRequest{
		TenantId:       ev.TenantId,
		ResourceId:     p.ResourceId,
		SlotKey:        p.SlotKey,
		IdempotencyKey: key,
	})
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		// A full slot is a definitive answer; any captured payment goes back.
		if err := dispatchRefund(ctx, h.Queue, ev, key, RefundJobPayload{
			PaymentRef: p.PaymentRef,
			Amount:     p.Amount,
			Currency:   p.Currency,
			Reason:     "slot_full",
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("conflict:%s/%s", p.ResourceId, p.SlotKey), nil
	}
	if err != nil {
		return "", err
	}
	return "reservation:" + strconv.Itoa(res.Attempt.ID), nil
}

// CancelHandler frees a reservation and refunds the payment that paid for it.
type CancelHandler struct {
	Executor *Executor
	Queue    *RetryQueue
	validate *validator.Validate
}

func NewCancelHandler(executor *Executor, queue *RetryQueue) *CancelHandler {
	return &CancelHandler{Executor: executor, Queue: queue, validate: validator.New()}
}

func (h *CancelHandler) Replayable() bool { return true }

func (h *CancelHandler) Handle(ctx context.Context, ev Envelope) (string, error) {
	var p CancelPayload
	if err := decodePayload(ev.Payload, &p, h.validate); err != nil {
		return "", err
	}
	attempt, err := h.Executor.Cancel(ctx, ev.TenantId, p.reservationKey())
	if errors.Is(err, ErrReservationNotFound) {
		return "", Fatal("cancel", fmt.Errorf("%w: booking %s", err, p.reservationKey()))
	}
	if err != nil {
		return "", err
	}
	if attempt.Status == models.ReservationStatusRejected {
		// The booking was turned away and its payment already went back.
		return "rejected:" + strconv.Itoa(attempt.ID), nil
	}
	if err := dispatchRefund(ctx, h.Queue, ev, ev.EventId, RefundJobPayload{
		PaymentRef: p.PaymentRef,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Reason:     "cancelled",
	}); err != nil {
		return "", err
	}
	return "cancelled:" + strconv.Itoa(attempt.ID), nil
}

// RefundIssuer is the downstream side of the refund operation.
type RefundIssuer interface {
	Refund(ctx context.Context, idempotencyKey string, req provider.RefundRequest) (*provider.RefundResponse, error)
}

// RefundOperation calls the provider with the job's idempotency key. A rejected
// request is fatal; everything else is retried.
func RefundOperation(issuer RefundIssuer) Operation {
	return func(ctx context.Context, job models.RetryJob) error {
		if issuer == nil {
			return Fatal("refund", errors.New("payment provider is not configured"))
		}
		var p RefundJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return Fatal("refund", fmt.Errorf("decode payload: %w", err))
		}
		_, err := issuer.Refund(ctx, job.IdempotencyKey, provider.RefundRequest{
			TenantId:   job.TenantId,
			PaymentRef: p.PaymentRef,
			Amount:     p.Amount,
			Currency:   p.Currency,
			Reason:     p.Reason,
		})
		if err == nil {
			return nil
		}
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return Fatal("refund", err)
		}
		return Transient("refund", err)
	}
}
