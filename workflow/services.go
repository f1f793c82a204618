package workflow

import (
	"github.com/bsm/redislock"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Services is the wired set of components one process runs.
type Services struct {
	Store    *IdempotencyStore
	Locks    *LockCoordinator
	Executor *Executor
	Queue    *RetryQueue
	Gateway  *Gateway
	Worker   *RetryWorker
	Sweeper  *Sweeper
}

// NewServices wires every component and registers the event handlers and retry
// operations. refunds may be nil when no payment provider is configured; refund
// jobs then dead-letter for an operator.
func NewServices(db *gorm.DB, logger *logrus.Logger, settings config.Settings, refunds RefundIssuer, alerter Alerter, locker *redislock.Client) *Services {
	store := NewIdempotencyStore(db)
	locks := NewLockCoordinator(db, logger, settings.LockWaitTimeout)
	executor := NewExecutor(db, locks, logger, settings.OperationTimeout)
	queue := NewRetryQueue(db, logger, alerter, settings)
	queue.Register(OperationRefund, RefundOperation(refunds))

	gateway := NewGateway(store, queue, logger)
	booking := NewBookingHandler(executor, queue)
	gateway.Handle(EventTypeBookingRequested, booking)
	gateway.Handle(EventTypePaymentSucceeded, booking)
	gateway.Handle(EventTypeBookingCancelled, NewCancelHandler(executor, queue))

	return &Services{
		Store:    store,
		Locks:    locks,
		Executor: executor,
		Queue:    queue,
		Gateway:  gateway,
		Worker:   NewRetryWorker(queue, logger, settings),
		Sweeper:  NewSweeper(gateway, alerter, locker, logger, settings),
	}
}
