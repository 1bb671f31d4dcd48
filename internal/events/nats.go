package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher forwards bus events to the observability collaborator over
// NATS. Delivery is best-effort; a down broker never blocks a failover.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("bastion-control-plane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger}, nil
}

// Attach subscribes the publisher to every event on the bus
func (p *NATSPublisher) Attach(bus Bus) error {
	return bus.Subscribe("*", func(ctx context.Context, event Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if p.nc == nil || p.nc.IsClosed() {
			return fmt.Errorf("nats not connected")
		}
		subject := p.subject + "." + string(event.Type)
		if err := p.nc.Publish(subject, payload); err != nil {
			p.logger.Warn("event publish failed",
				zap.String("subject", subject),
				zap.Error(err))
			return err
		}
		return nil
	})
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
