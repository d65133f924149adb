package events

import (
	"encoding/json"
	"fmt"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subjects published by the bridge.
const (
	SubjectQuoteCreated        = "bridge.quote.created"
	SubjectQuoteExpired        = "bridge.quote.expired"
	SubjectSettlementPending   = "bridge.settlement.pending"
	SubjectSettlementExecuting = "bridge.settlement.executing"
	SubjectSettlementCompleted = "bridge.settlement.completed"
	SubjectSettlementFailed    = "bridge.settlement.failed"
)

// Publisher emits lifecycle events onto NATS. A nil Publisher is valid and
// silently drops everything, so the service runs without NATS configured.
type Publisher struct {
	conn *nats.Conn
	log  *logrus.Entry
}

// NewPublisher connects to the configured NATS server, or returns nil when
// no URL is set.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	reconnectWait := time.Duration(cfg.ReconnectWait) * time.Second
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.Name("gasless-bridge"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{
		conn: conn,
		log:  logrus.WithField("service", "nats_events"),
	}, nil
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Errorf("failed to marshal event for %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Errorf("failed to publish %s: %v", subject, err)
	}
}

// QuoteCreated announces a new active quote.
func (p *Publisher) QuoteCreated(quote *models.Quote) {
	p.publish(SubjectQuoteCreated, quote)
}

// QuoteExpired announces a released reservation.
func (p *Publisher) QuoteExpired(quote *models.Quote) {
	p.publish(SubjectQuoteExpired, quote)
}

// SettlementUpdated implements services.SettlementListener, mapping each
// transition to its subject.
func (p *Publisher) SettlementUpdated(settlement *models.Settlement) {
	if p == nil {
		return
	}
	var subject string
	switch settlement.Status {
	case models.SettlementStatusPending:
		subject = SubjectSettlementPending
	case models.SettlementStatusExecuting:
		subject = SubjectSettlementExecuting
	case models.SettlementStatusCompleted:
		subject = SubjectSettlementCompleted
	case models.SettlementStatusFailed:
		subject = SubjectSettlementFailed
	default:
		return
	}
	p.publish(subject, settlement)
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Drain()
}
