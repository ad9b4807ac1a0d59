package services

import (
	"context"
	"time"

	"echo-vault/internal/interfaces"
	"echo-vault/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TransferEventBus fans record transitions out to every configured sink.
// Delivery is best effort: a failing sink is logged and never stalls the loop.
type TransferEventBus struct {
	sinks   []interfaces.EventPublisher
	timeout time.Duration
	logger  *logrus.Logger
}

// NewTransferEventBus Create event bus, nil sinks are ignored
func NewTransferEventBus(logger *logrus.Logger, sinks ...interfaces.EventPublisher) *TransferEventBus {
	bus := &TransferEventBus{timeout: 5 * time.Second, logger: logger}
	for _, sink := range sinks {
		if sink != nil {
			bus.sinks = append(bus.sinks, sink)
		}
	}
	return bus
}

// AddSink registers another publisher
func (b *TransferEventBus) AddSink(sink interfaces.EventPublisher) {
	if sink != nil {
		b.sinks = append(b.sinks, sink)
	}
}

// Publish emits rec under its current status
func (b *TransferEventBus) Publish(ctx context.Context, rec *models.TransferRecord) {
	if b == nil || len(b.sinks) == 0 || rec == nil {
		return
	}
	event := &models.TransferEvent{
		ID:        uuid.NewString(),
		Type:      string(rec.Status),
		Record:    rec.Clone(),
		Timestamp: time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	for _, sink := range b.sinks {
		if err := sink.PublishTransferEvent(ctx, event); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"incoming_hash": rec.IncomingHash,
				"status":        rec.Status,
			}).Warn("⚠️ [Events] publish failed")
		}
	}
}
