package services

import (
	"context"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SponsorshipStatus is the pre-flight answer to "can the bridge cover this
// transfer right now, and what would it cost me".
type SponsorshipStatus struct {
	CanSponsor          bool          `json:"can_sponsor"`
	Reason              string        `json:"reason,omitempty"`
	EstimatedCostETH    uint64        `json:"estimated_cost_eth"`    // wei, amount + gas budget
	EstimatedCostSource uint64        `json:"estimated_cost_source"` // source-token base units
	GasCoverage         uint64        `json:"gas_coverage"`          // wei reserved for gas
	ReserveHealth       ReserveHealth `json:"reserve_health"`
	GasFallback         bool          `json:"gas_fallback,omitempty"`
}

// BridgeStatistics is the public aggregate counters endpoint.
type BridgeStatistics struct {
	TotalQuotes          int64         `json:"total_quotes"`
	ActiveQuotes         int64         `json:"active_quotes"`
	TotalSettlements     int64         `json:"total_settlements"`
	CompletedSettlements int64         `json:"completed_settlements"`
	FailedSettlements    int64         `json:"failed_settlements"`
	TotalTransactions    int64         `json:"total_transactions"`
	Reserve              ReserveStatus `json:"reserve"`
}

// BridgeService composes the quote, payment and settlement services into the
// one-call flows and the public status views.
type BridgeService struct {
	db          *gorm.DB
	quotes      *QuoteService
	payments    *PaymentService
	settlements *SettlementService
	reserve     *ReserveService
	prices      clients.PriceOracle
	chains      *ChainRegistry
	bridge      config.BridgeConfig
	log         *logrus.Entry
}

func NewBridgeService(db *gorm.DB, quotes *QuoteService, payments *PaymentService, settlements *SettlementService, reserve *ReserveService, prices clients.PriceOracle, chains *ChainRegistry, cfg *config.Config) *BridgeService {
	return &BridgeService{
		db:          db,
		quotes:      quotes,
		payments:    payments,
		settlements: settlements,
		reserve:     reserve,
		prices:      prices,
		chains:      chains,
		bridge:      cfg.Bridge,
		log:         logrus.WithField("service", "bridge"),
	}
}

// BridgeAssets runs the whole flow in one call: quote, collect the caller's
// pre-approved source payment, settle. The caller gets the settlement.
func (s *BridgeService) BridgeAssets(ctx context.Context, user string, amountWei uint64, destAddr, destChain string) (*models.Settlement, error) {
	_, settlement, err := s.payAndSettle(ctx, user, amountWei, destAddr, destChain)
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// CreateICPPayment is the same flow surfaced as the user transaction record.
func (s *BridgeService) CreateICPPayment(ctx context.Context, user string, amountWei uint64, destAddr, destChain string) (*models.UserTransaction, error) {
	tx, _, err := s.payAndSettle(ctx, user, amountWei, destAddr, destChain)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *BridgeService) payAndSettle(ctx context.Context, user string, amountWei uint64, destAddr, destChain string) (*models.UserTransaction, *models.Settlement, error) {
	quote, err := s.quotes.RequestQuote(ctx, user, amountWei, destAddr, destChain)
	if err != nil {
		return nil, nil, err
	}

	transfer, err := s.payments.CollectFromAllowance(ctx, user, quote.TotalCost, quote.ID)
	if err != nil {
		s.quotes.Cancel(quote)
		return nil, nil, err
	}

	userTx := &models.UserTransaction{
		ID:                 NewID("tx"),
		User:               user,
		AmountSource:       transfer.Amount,
		AmountETH:          quote.AmountOut,
		GasSponsored:       quote.GasBudget(),
		DestinationAddress: quote.DestinationAddress,
		DestinationChain:   quote.DestinationChain,
		SourcePaymentID:    transfer.ID,
		Status:             models.TransactionStatusProcessing,
		CreatedAt:          quote.CreatedAt,
	}
	if err := s.db.Create(userTx).Error; err != nil {
		return nil, nil, err
	}

	settlement, err := s.settlements.Settle(ctx, user, quote.ID, transfer.ID)
	if err != nil {
		// Payment captured but settlement never started: flag for refund.
		s.db.Model(userTx).Update("status", models.TransactionStatusRefunded)
		return nil, nil, err
	}

	updates := map[string]interface{}{"settlement_id": settlement.ID}
	switch settlement.Status {
	case models.SettlementStatusCompleted:
		updates["status"] = models.TransactionStatusCompleted
		updates["completed_at"] = *settlement.CompletedAt
		if settlement.TransactionHash != nil {
			updates["transaction_hash"] = *settlement.TransactionHash
		}
	case models.SettlementStatusFailed:
		updates["status"] = models.TransactionStatusRefunded
	}
	if err := s.db.Model(userTx).Updates(updates).Error; err != nil {
		s.log.WithField("tx_id", userTx.ID).Errorf("failed to link settlement: %v", err)
	}
	s.db.Where("id = ?", userTx.ID).First(userTx)

	return userTx, settlement, nil
}

// UserTransactions lists a user's paid flows, newest first.
func (s *BridgeService) UserTransactions(user string) ([]models.UserTransaction, error) {
	var txs []models.UserTransaction
	err := s.db.Where(`"user" = ?`, user).Order("created_at DESC").Limit(200).Find(&txs).Error
	return txs, err
}

// SponsorshipStatus answers the pre-flight affordability question without
// creating anything. Gas falls back to a conservative projection when the
// chain is unreachable.
func (s *BridgeService) SponsorshipStatus(ctx context.Context, amountWei uint64, destChain string) (*SponsorshipStatus, error) {
	status := &SponsorshipStatus{ReserveHealth: s.reserve.Health()}

	rt, ok := s.chains.Get(destChain)
	if !ok {
		status.Reason = "unsupported destination chain"
		return status, nil
	}
	if amountWei < s.bridge.MinQuoteAmount || amountWei > s.bridge.MaxQuoteAmount {
		status.Reason = "amount outside quote bounds"
		return status, nil
	}

	estimate, err := rt.Estimator.Estimate(ctx)
	if err != nil {
		estimate = rt.Estimator.FallbackEstimate()
		status.GasFallback = true
	}
	gasBudget := estimate.GasBudget()
	status.GasCoverage = gasBudget
	status.EstimatedCostETH = amountWei + gasBudget

	if rate, err := s.prices.CurrentRate(ctx); err == nil && !rate.Stale {
		if cost, err := ConvertWeiToSource(status.EstimatedCostETH, rate.ETHUSD, rate.SourceUSD,
			s.bridge.SourceTokenDecimals, s.bridge.SafetyMarginPercent); err == nil {
			status.EstimatedCostSource = cost
		}
	}

	switch {
	case status.ReserveHealth == ReserveEmergency:
		status.Reason = "bridge is paused or drained"
	case status.GasFallback:
		status.Reason = "destination chain unreachable"
	case s.reserve.Available() < status.EstimatedCostETH:
		status.Reason = "insufficient reserve"
	default:
		status.CanSponsor = true
	}
	return status, nil
}

// Statistics aggregates the public counters.
func (s *BridgeService) Statistics() (*BridgeStatistics, error) {
	stats := &BridgeStatistics{Reserve: s.reserve.Status()}

	counts := []struct {
		dest  *int64
		model interface{}
		where []interface{}
	}{
		{&stats.TotalQuotes, &models.Quote{}, nil},
		{&stats.ActiveQuotes, &models.Quote{}, []interface{}{"status = ?", models.QuoteStatusActive}},
		{&stats.TotalSettlements, &models.Settlement{}, nil},
		{&stats.CompletedSettlements, &models.Settlement{}, []interface{}{"status = ?", models.SettlementStatusCompleted}},
		{&stats.FailedSettlements, &models.Settlement{}, []interface{}{"status = ?", models.SettlementStatusFailed}},
		{&stats.TotalTransactions, &models.UserTransaction{}, nil},
	}
	for _, c := range counts {
		q := s.db.Model(c.model)
		if c.where != nil {
			q = q.Where(c.where[0], c.where[1:]...)
		}
		if err := q.Count(c.dest).Error; err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// ConversionRate is how much ETH one whole source token buys right now.
func (s *BridgeService) ConversionRate(ctx context.Context) (ethPerSource float64, stale bool, err error) {
	rate, err := s.prices.CurrentRate(ctx)
	if err != nil {
		return 0, false, err
	}
	return rate.SourceUSD / rate.ETHUSD, rate.Stale, nil
}
