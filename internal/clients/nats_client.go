package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"echo-vault/internal/config"
	"echo-vault/internal/metrics"
	"echo-vault/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSPublisher publishes transfer record transitions to NATS
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *logrus.Logger
}

// NewNATSPublisher connect to NATS server
func NewNATSPublisher(cfg config.NATSConfig, logger *logrus.Logger) (*NATSPublisher, error) {
	connectTimeout := time.Duration(cfg.Timeout) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("echo-vault"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("⚠️ [NATS] connection lost")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("✅ [NATS] reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	logger.WithField("url", cfg.URL).Info("✅ [NATS] connected")

	return &NATSPublisher{
		conn:          conn,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
	}, nil
}

// Subject subject a transfer event is published on, e.g. echo.transfer.success
func (p *NATSPublisher) Subject(event *models.TransferEvent) string {
	return fmt.Sprintf("%s.%s", p.subjectPrefix, event.Type)
}

// PublishTransferEvent fire-and-forget publish
func (p *NATSPublisher) PublishTransferEvent(ctx context.Context, event *models.TransferEvent) error {
	msg, err := p.transferMsg(event)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		metrics.EventsPublishFailed.WithLabelValues("nats").Inc()
		return fmt.Errorf("failed to publish transfer event: %w", err)
	}
	return nil
}

// transferMsg JSON body, deduplicated on the event id
func (p *NATSPublisher) transferMsg(event *models.TransferEvent) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(event))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	return msg, nil
}

// Close drains pending messages
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.WithError(err).Warn("⚠️ [NATS] drain failed")
	}
}
