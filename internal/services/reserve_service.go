package services

import (
	"sync"
	"time"

	"gasless-bridge/internal/metrics"
	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReserveHealth classifies how much sponsoring headroom remains.
type ReserveHealth string

const (
	ReserveHealthy   ReserveHealth = "healthy"
	ReserveWarning   ReserveHealth = "warning"
	ReserveCritical  ReserveHealth = "critical"
	ReserveEmergency ReserveHealth = "emergency"
)

// ReserveStatus is the detailed snapshot exposed by the status endpoints.
type ReserveStatus struct {
	Balance           uint64        `json:"balance"`
	Locked            uint64        `json:"locked"`
	Available         uint64        `json:"available"`
	Health            ReserveHealth `json:"health"`
	Paused            bool          `json:"paused"`
	ThresholdWarning  uint64        `json:"threshold_warning"`
	ThresholdCritical uint64        `json:"threshold_critical"`
	DailyLimit        uint64        `json:"daily_limit"`
	DailyUsed         uint64        `json:"daily_used"`
	DailyRemaining    uint64        `json:"daily_remaining"`
	UtilizationPct    float64       `json:"utilization_pct"`
	RunwayDays        float64       `json:"runway_days"`
	TotalDeposited    uint64        `json:"total_deposited"`
	TotalCommitted    uint64        `json:"total_committed"`
	LastTopup         time.Time     `json:"last_topup,omitempty"`
}

// ReserveService owns the bridge's liquidity. Every mutation runs inside one
// mutex so locked never exceeds balance, and the daily counter rolls over
// lazily when a mutation crosses a UTC day boundary.
type ReserveService struct {
	db    *gorm.DB
	audit *AuditService
	log   *logrus.Entry

	mu    sync.Mutex
	state models.ReserveState
	clock func() time.Time
}

func NewReserveService(db *gorm.DB, audit *AuditService) (*ReserveService, error) {
	s := &ReserveService{
		db:    db,
		audit: audit,
		log:   logrus.WithField("service", "reserve"),
		clock: func() time.Time { return time.Now().UTC() },
	}
	if err := db.Where("key = ?", "main").First(&s.state).Error; err != nil {
		return nil, err
	}
	s.publishMetrics()
	return s, nil
}

// rolloverLocked resets the daily counter when a new UTC day has started.
// Caller holds the mutex.
func (s *ReserveService) rolloverLocked(now time.Time) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if dayStart.After(s.state.DayAnchor) {
		s.state.DayAnchor = dayStart
		s.state.DailyUsed = 0
	}
}

// persistLocked saves the row. Caller holds the mutex.
func (s *ReserveService) persistLocked() error {
	s.state.UpdatedAt = s.clock()
	if err := s.db.Save(&s.state).Error; err != nil {
		s.log.Errorf("failed to persist reserve state: %v", err)
		return err
	}
	s.publishMetrics()
	return nil
}

func (s *ReserveService) publishMetrics() {
	metrics.ReserveBalance.Set(float64(s.state.Balance))
	metrics.ReserveLocked.Set(float64(s.state.Locked))
	metrics.ReserveDailyUsed.Set(float64(s.state.DailyUsed))
	metrics.ReserveHealth.Set(float64(healthLevel(s.healthLocked())))
}

func healthLevel(h ReserveHealth) int {
	switch h {
	case ReserveHealthy:
		return 0
	case ReserveWarning:
		return 1
	case ReserveCritical:
		return 2
	default:
		return 3
	}
}

func (s *ReserveService) healthLocked() ReserveHealth {
	if s.state.Paused {
		return ReserveEmergency
	}
	available := s.state.Available()
	switch {
	case available > s.state.ThresholdWarning:
		return ReserveHealthy
	case available > s.state.ThresholdCritical:
		return ReserveWarning
	case available > 0:
		return ReserveCritical
	default:
		return ReserveEmergency
	}
}

// Lock reserves amount for an active quote.
func (s *ReserveService) Lock(amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Paused {
		return bridgetypes.NewError(bridgetypes.ErrCodeReservePaused, "bridge is paused")
	}
	now := s.clock()
	s.rolloverLocked(now)

	if s.state.DailyLimit > 0 && s.state.DailyUsed+amount > s.state.DailyLimit {
		return bridgetypes.NewError(bridgetypes.ErrCodeDailyLimitExceeded,
			"daily limit reached: %d of %d wei used", s.state.DailyUsed, s.state.DailyLimit)
	}

	available := s.state.Available()
	if amount > available || available < s.state.ThresholdCritical {
		return bridgetypes.NewError(bridgetypes.ErrCodeReserveInsufficient,
			"insufficient reserve: need %d wei, %d available", amount, available)
	}

	s.state.Locked += amount
	return s.persistLocked()
}

// Unlock releases a reservation after expiry or pre-settlement failure.
// Idempotent on zero and clamped so locked never underflows.
func (s *ReserveService) Unlock(amount uint64) {
	if amount == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock())
	if amount > s.state.Locked {
		s.log.Warnf("unlock of %d wei exceeds locked %d, clamping", amount, s.state.Locked)
		amount = s.state.Locked
	}
	s.state.Locked -= amount
	s.persistLocked()
}

// Commit spends a completed settlement: balance and locked both shrink by
// the reserved amount, the daily counter grows by what was actually spent.
func (s *ReserveService) Commit(reserved, spent uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock())
	if reserved > s.state.Locked {
		reserved = s.state.Locked
	}
	if spent > s.state.Balance {
		spent = s.state.Balance
	}
	s.state.Locked -= reserved
	s.state.Balance -= spent
	s.state.DailyUsed += spent
	s.state.TotalCommitted += spent
	s.persistLocked()
}

// Topup deposits admin-supplied funds.
func (s *ReserveService) Topup(amount uint64, admin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock())
	s.state.Balance += amount
	s.state.TotalDeposited += amount
	s.state.LastTopup = s.clock()
	s.persistLocked()

	s.audit.Record(AuditReserveTopup, admin, map[string]interface{}{
		"admin": admin, "amount": amount, "balance": s.state.Balance,
	})
}

func (s *ReserveService) SetThresholds(warning, critical uint64, admin string) error {
	if critical > warning {
		return bridgetypes.NewError(bridgetypes.ErrCodeValidation,
			"critical threshold %d above warning threshold %d", critical, warning)
	}
	s.mu.Lock()
	s.state.ThresholdWarning = warning
	s.state.ThresholdCritical = critical
	s.persistLocked()
	s.mu.Unlock()

	s.audit.Record(AuditThresholdsSet, admin, map[string]interface{}{
		"admin": admin, "warning": warning, "critical": critical,
	})
	return nil
}

func (s *ReserveService) SetDailyLimit(limit uint64, admin string) {
	s.mu.Lock()
	s.state.DailyLimit = limit
	s.persistLocked()
	s.mu.Unlock()

	s.audit.Record(AuditDailyLimitSet, admin, map[string]interface{}{
		"admin": admin, "daily_limit": limit,
	})
}

// Pause stops new quotes immediately. In-flight settlements keep running.
func (s *ReserveService) Pause(admin string) {
	s.mu.Lock()
	s.state.Paused = true
	s.persistLocked()
	s.mu.Unlock()

	s.log.WithField("admin", admin).Warn("bridge paused")
	s.audit.Record(AuditReservePaused, admin, map[string]interface{}{"admin": admin})
}

func (s *ReserveService) Unpause(admin string) {
	s.mu.Lock()
	s.state.Paused = false
	s.persistLocked()
	s.mu.Unlock()

	s.log.WithField("admin", admin).Info("bridge unpaused")
	s.audit.Record(AuditReserveUnpaused, admin, map[string]interface{}{"admin": admin})
}

// Health is the derived classification.
func (s *ReserveService) Health() ReserveHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthLocked()
}

// Available is the unlocked balance.
func (s *ReserveService) Available() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Available()
}

// Status is the detailed snapshot with utilization and runway.
func (s *ReserveService) Status() ReserveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked(s.clock())
	available := s.state.Available()
	status := ReserveStatus{
		Balance:           s.state.Balance,
		Locked:            s.state.Locked,
		Available:         available,
		Health:            s.healthLocked(),
		Paused:            s.state.Paused,
		ThresholdWarning:  s.state.ThresholdWarning,
		ThresholdCritical: s.state.ThresholdCritical,
		DailyLimit:        s.state.DailyLimit,
		DailyUsed:         s.state.DailyUsed,
		TotalDeposited:    s.state.TotalDeposited,
		TotalCommitted:    s.state.TotalCommitted,
		LastTopup:         s.state.LastTopup,
	}
	if s.state.DailyLimit > s.state.DailyUsed {
		status.DailyRemaining = s.state.DailyLimit - s.state.DailyUsed
	}
	if s.state.Balance > 0 {
		status.UtilizationPct = float64(s.state.Locked) / float64(s.state.Balance) * 100
	}
	if s.state.DailyUsed > 0 {
		status.RunwayDays = float64(available) / float64(s.state.DailyUsed)
	}
	return status
}
