package events

import (
	"testing"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"
)

func TestNewPublisherWithoutURL(t *testing.T) {
	p, err := NewPublisher(config.NATSConfig{})
	if err != nil {
		t.Fatalf("unconfigured NATS errored: %v", err)
	}
	if p != nil {
		t.Fatal("unconfigured NATS returned a live publisher")
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	quote := &models.Quote{ID: "quote_1", ExpiresAt: time.Now()}
	p.QuoteCreated(quote)
	p.QuoteExpired(quote)
	p.SettlementUpdated(&models.Settlement{ID: "settle_1", Status: models.SettlementStatusPending})
	p.Close()
}
