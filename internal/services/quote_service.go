package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
	"gasless-bridge/internal/metrics"
	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QuoteListener observes quote lifecycle events. The NATS publisher
// implements it.
type QuoteListener interface {
	QuoteCreated(quote *models.Quote)
	QuoteExpired(quote *models.Quote)
}

// QuoteService issues, expires and retires quotes, holding the reserve lock
// for each active one.
type QuoteService struct {
	db      *gorm.DB
	reserve *ReserveService
	prices  clients.PriceOracle
	chains  *ChainRegistry
	audit   *AuditService
	bridge  config.BridgeConfig
	valid   time.Duration
	log     *logrus.Entry

	// per-user serialisation of quote requests
	userLocks sync.Map
	listeners []QuoteListener
	clock     func() time.Time
}

func NewQuoteService(db *gorm.DB, reserve *ReserveService, prices clients.PriceOracle, chains *ChainRegistry, audit *AuditService, cfg *config.Config) *QuoteService {
	return &QuoteService{
		db:      db,
		reserve: reserve,
		prices:  prices,
		chains:  chains,
		audit:   audit,
		bridge:  cfg.Bridge,
		valid:   cfg.QuoteValidity(),
		log:     logrus.WithField("service", "quote"),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// AddListener registers a lifecycle observer.
func (s *QuoteService) AddListener(l QuoteListener) {
	s.listeners = append(s.listeners, l)
}

func (s *QuoteService) userLock(user string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(user, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// NewID builds a sortable unique id: prefix, unix seconds, random suffix.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), uuid.NewString()[:8])
}

// RequestQuote prices and reserves one sponsored transfer. Concurrent
// requests from the same user are serialised.
func (s *QuoteService) RequestQuote(ctx context.Context, user string, amountWei uint64, destAddr, destChain string) (*models.Quote, error) {
	mu := s.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	s.ExpireStale()

	quote, err := s.buildQuote(ctx, user, amountWei, destAddr, destChain)
	if err != nil {
		metrics.QuotesRejected.WithLabelValues(string(bridgetypes.CodeOf(err))).Inc()
		return nil, err
	}
	return quote, nil
}

func (s *QuoteService) buildQuote(ctx context.Context, user string, amountWei uint64, destAddr, destChain string) (*models.Quote, error) {
	if !common.IsHexAddress(destAddr) {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeValidation, "invalid destination address %q", destAddr)
	}
	destAddr = strings.ToLower(common.HexToAddress(destAddr).Hex())

	chain, ok := s.chains.Get(destChain)
	if !ok {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeValidation,
			"unsupported destination chain %q, supported: %v", destChain, s.chains.Names())
	}
	if amountWei < s.bridge.MinQuoteAmount || amountWei > s.bridge.MaxQuoteAmount {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeValidation,
			"amount %d wei outside bounds [%d, %d]", amountWei, s.bridge.MinQuoteAmount, s.bridge.MaxQuoteAmount)
	}

	estimate, err := chain.Estimator.Estimate(ctx)
	if err != nil {
		return nil, err
	}

	rate, err := s.prices.CurrentRate(ctx)
	if err != nil {
		return nil, err
	}
	if rate.Stale {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodePriceStale,
			"price data is stale, refusing to quote")
	}

	gasBudget := estimate.GasBudget()
	lockAmount := amountWei + gasBudget
	totalCost, err := ConvertWeiToSource(lockAmount, rate.ETHUSD, rate.SourceUSD,
		s.bridge.SourceTokenDecimals, s.bridge.SafetyMarginPercent)
	if err != nil {
		return nil, err
	}

	if err := s.reserve.Lock(lockAmount); err != nil {
		return nil, err
	}

	now := s.clock()
	quote := &models.Quote{
		ID:                 NewID("quote"),
		User:               user,
		AmountRequested:    amountWei,
		AmountOut:          amountWei,
		GasEstimate:        estimate.GasLimit,
		BaseFee:            estimate.BaseFee,
		PriorityFee:        estimate.PriorityFee,
		MaxFeePerGas:       estimate.MaxFeePerGas,
		SafetyMargin:       lockAmount * s.bridge.SafetyMarginPercent / 100,
		TotalCost:          totalCost,
		DestinationAddress: destAddr,
		SourceChain:        s.bridge.SourceChain,
		DestinationChain:   destChain,
		Status:             models.QuoteStatusActive,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.valid),
	}

	if err := s.db.Create(quote).Error; err != nil {
		s.reserve.Unlock(lockAmount)
		return nil, fmt.Errorf("failed to persist quote: %w", err)
	}

	metrics.QuotesCreated.Inc()
	s.audit.Record(AuditQuoteCreated, user, map[string]interface{}{
		"quote_id": quote.ID, "amount": amountWei, "total_cost": totalCost, "chain": destChain,
	})
	s.log.WithFields(logrus.Fields{
		"quote_id": quote.ID, "user": user, "amount_wei": amountWei, "total_cost": totalCost,
	}).Info("quote issued")
	for _, l := range s.listeners {
		l.QuoteCreated(quote)
	}

	return quote, nil
}

// GetQuote looks a quote up by id, expiring it on read when overdue.
func (s *QuoteService) GetQuote(id string) (*models.Quote, error) {
	var quote models.Quote
	if err := s.db.Where("id = ?", id).First(&quote).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bridgetypes.NewError(bridgetypes.ErrCodeQuoteNotFound, "quote %s not found", id)
		}
		return nil, err
	}
	if quote.Status == models.QuoteStatusActive && quote.IsExpired(s.clock()) {
		s.expire(&quote)
	}
	return &quote, nil
}

// UserQuotes lists a user's quotes, newest first.
func (s *QuoteService) UserQuotes(user string) ([]models.Quote, error) {
	var quotes []models.Quote
	err := s.db.Where(`"user" = ?`, user).Order("created_at DESC").Limit(200).Find(&quotes).Error
	return quotes, err
}

// ClaimForSettlement atomically flips an active, unexpired quote to settled
// so two settlements can never consume the same quote.
func (s *QuoteService) ClaimForSettlement(id string) (*models.Quote, error) {
	quote, err := s.GetQuote(id)
	if err != nil {
		return nil, err
	}
	switch quote.Status {
	case models.QuoteStatusExpired:
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeQuoteExpired, "quote %s has expired", id)
	case models.QuoteStatusSettled:
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeQuoteAlreadySettled, "quote %s is already settled", id)
	case models.QuoteStatusFailed:
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeQuoteNotFound, "quote %s is no longer usable", id)
	}

	res := s.db.Model(&models.Quote{}).
		Where("id = ? AND status = ?", id, models.QuoteStatusActive).
		Update("status", models.QuoteStatusSettled)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeQuoteAlreadySettled, "quote %s is already settled", id)
	}
	quote.Status = models.QuoteStatusSettled
	return quote, nil
}

// ReleaseClaim returns a claimed quote to Failed and frees its reservation,
// used when settlement creation fails before any nonce is consumed.
func (s *QuoteService) ReleaseClaim(quote *models.Quote) {
	s.db.Model(&models.Quote{}).Where("id = ?", quote.ID).
		Update("status", models.QuoteStatusFailed)
	s.reserve.Unlock(quote.LockedAmount())
}

// Cancel retires an active quote early and releases its reservation.
func (s *QuoteService) Cancel(quote *models.Quote) {
	s.expire(quote)
}

func (s *QuoteService) expire(quote *models.Quote) {
	res := s.db.Model(&models.Quote{}).
		Where("id = ? AND status = ?", quote.ID, models.QuoteStatusActive).
		Update("status", models.QuoteStatusExpired)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}
	quote.Status = models.QuoteStatusExpired
	s.reserve.Unlock(quote.LockedAmount())
	s.audit.Record(AuditQuoteExpired, quote.User, map[string]interface{}{
		"quote_id": quote.ID, "amount": quote.AmountOut,
	})
	s.log.WithField("quote_id", quote.ID).Info("quote expired, reservation released")
	for _, l := range s.listeners {
		l.QuoteExpired(quote)
	}
}

// ExpireStale sweeps every overdue active quote. Called opportunistically on
// API entry so expiry needs no background timer.
func (s *QuoteService) ExpireStale() int {
	var overdue []models.Quote
	if err := s.db.Where("status = ? AND expires_at <= ?", models.QuoteStatusActive, s.clock()).
		Limit(100).Find(&overdue).Error; err != nil {
		s.log.Errorf("expiry sweep query failed: %v", err)
		return 0
	}
	for i := range overdue {
		s.expire(&overdue[i])
	}
	return len(overdue)
}

// ConvertWeiToSource converts a wei amount to source-token base units at the
// given USD prices, applies the safety margin and rounds up.
func ConvertWeiToSource(wei uint64, ethUSD, sourceUSD float64, sourceDecimals uint32, marginPct uint64) (uint64, error) {
	if ethUSD <= 0 || sourceUSD <= 0 {
		return 0, bridgetypes.NewError(bridgetypes.ErrCodePriceUnavailable,
			"non-positive price: eth=%f source=%f", ethUSD, sourceUSD)
	}

	value := new(big.Float).SetUint64(wei)
	value.Quo(value, big.NewFloat(1e18))                       // wei -> ETH
	value.Mul(value, big.NewFloat(ethUSD))                     // ETH -> USD
	value.Quo(value, big.NewFloat(sourceUSD))                  // USD -> source tokens
	value.Mul(value, big.NewFloat(math.Pow10(int(sourceDecimals)))) // -> base units
	value.Mul(value, big.NewFloat(1+float64(marginPct)/100))

	units, accuracy := value.Uint64()
	if accuracy == big.Below {
		units++
	}
	if units == 0 {
		units = 1
	}
	return units, nil
}
