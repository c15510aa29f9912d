// Package ledger records webhook deliveries so each delivery id is processed
// at most once, however many times GitHub retries it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"hookgate/internal"
	"hookgate/pkg/storage"
)

// ErrUnavailable marks storage failures. The delivery must not be processed
// and the sender should retry.
var ErrUnavailable = errors.New("delivery ledger unavailable")

type Outcome int

const (
	Accepted Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type Ledger struct {
	store  storage.DeliveryStore
	logger *log.Logger
	now    func() time.Time
}

func New(store storage.DeliveryStore, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = internal.NewLogger("ledger")
	}
	return &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record inserts the delivery unless its id was seen before. The write is
// detached from ctx cancellation so a client hanging up cannot leave the
// outcome unknown.
func (l *Ledger) Record(ctx context.Context, delivery storage.Delivery) (Outcome, error) {
	if delivery.DeliveryID == "" {
		return 0, &internal.ValidationError{Reason: "missing delivery id"}
	}
	inserted, err := l.store.InsertDelivery(context.WithoutCancel(ctx), delivery)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Duplicate, nil
		}
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !inserted {
		l.logger.Printf("duplicate delivery id=%s event=%s", delivery.DeliveryID, delivery.EventType)
		return Duplicate, nil
	}
	return Accepted, nil
}

// MarkProcessed closes out an accepted delivery, recording routeErr if routing failed.
func (l *Ledger) MarkProcessed(ctx context.Context, deliveryID string, routeErr error) error {
	msg := ""
	if routeErr != nil {
		msg = routeErr.Error()
	}
	if err := l.store.MarkDeliveryProcessed(context.WithoutCancel(ctx), deliveryID, msg, l.now()); err != nil {
		return fmt.Errorf("mark delivery %s processed: %w", deliveryID, err)
	}
	return nil
}
