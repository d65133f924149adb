package services

import (
	"encoding/json"
	"time"

	"gasless-bridge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Audit event types.
const (
	AuditQuoteCreated      = "quote_created"
	AuditQuoteExpired      = "quote_expired"
	AuditQuoteSettled      = "quote_settled"
	AuditPaymentVerified   = "payment_verified"
	AuditPaymentRecorded   = "payment_recorded"
	AuditSettlementStarted = "settlement_started"
	AuditSettlementDone    = "settlement_completed"
	AuditSettlementFailed  = "settlement_failed"
	AuditRefundMarked      = "refund_marked"
	AuditReserveTopup      = "reserve_topup"
	AuditReservePaused     = "reserve_paused"
	AuditReserveUnpaused   = "reserve_unpaused"
	AuditThresholdsSet     = "thresholds_updated"
	AuditDailyLimitSet     = "daily_limit_updated"
	AuditAdminAdded        = "admin_added"
	AuditConfigUpdated     = "config_updated"
)

// AuditService appends immutable audit entries. Every state mutation in the
// bridge records one entry before the call returns.
type AuditService struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{
		db:  db,
		log: logrus.WithField("service", "audit"),
	}
}

// Record appends one entry. Details are marshalled to deterministic JSON
// (encoding/json sorts map keys). Audit failures are logged, never fatal:
// losing an audit row must not abort the guarded operation after the fact.
func (s *AuditService) Record(eventType, actor string, details map[string]interface{}) {
	entry := models.AuditEntry{
		EventType: eventType,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = string(raw)
		}
		if v, ok := details["amount"].(uint64); ok {
			entry.Amount = &v
		}
		if v, ok := details["tx_hash"].(string); ok {
			entry.TxHash = v
		}
		if v, ok := details["admin"].(string); ok {
			entry.Admin = v
		}
	}

	if err := s.db.Create(&entry).Error; err != nil {
		s.log.WithField("event_type", eventType).Errorf("failed to write audit entry: %v", err)
		return
	}
	s.log.WithFields(logrus.Fields{"event_type": eventType, "actor": actor}).Debug("audit entry recorded")
}

// Tail returns the newest entries, capped at 1000.
func (s *AuditService) Tail(limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []models.AuditEntry
	err := s.db.Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
