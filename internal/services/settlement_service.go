package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/metrics"
	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	receiptPollTotal = 5 * time.Minute
)

var receiptPollBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
}

// SettlementListener observes settlement state transitions. The NATS
// publisher and the websocket hub both implement it.
type SettlementListener interface {
	SettlementUpdated(settlement *models.Settlement)
}

// SettlementService drives one settlement from payment verification through
// broadcast and confirmation. Transitions: Pending -> Executing ->
// Completed/Failed. A payment proof backs at most one settlement, ever.
type SettlementService struct {
	db       *gorm.DB
	reserve  *ReserveService
	quotes   *QuoteService
	payments *PaymentService
	builder  *TxBuilder
	chains   *ChainRegistry
	audit    *AuditService
	bridge   config.BridgeConfig
	log      *logrus.Entry

	listeners  []SettlementListener
	nonceLocks sync.Map // chain name -> *sync.Mutex
	clock      func() time.Time
	sleep      func(time.Duration)
}

func NewSettlementService(db *gorm.DB, reserve *ReserveService, quotes *QuoteService, payments *PaymentService, builder *TxBuilder, chains *ChainRegistry, audit *AuditService, cfg *config.Config) *SettlementService {
	return &SettlementService{
		db:       db,
		reserve:  reserve,
		quotes:   quotes,
		payments: payments,
		builder:  builder,
		chains:   chains,
		audit:    audit,
		bridge:   cfg.Bridge,
		log:      logrus.WithField("service", "settlement"),
		clock:    func() time.Time { return time.Now().UTC() },
		sleep:    time.Sleep,
	}
}

// AddListener registers a transition observer.
func (s *SettlementService) AddListener(l SettlementListener) {
	s.listeners = append(s.listeners, l)
}

func (s *SettlementService) notify(settlement *models.Settlement) {
	for _, l := range s.listeners {
		l.SettlementUpdated(settlement)
	}
}

// Settle verifies the payment, consumes the proof and drives the settlement
// to a terminal state. Replaying a proof that already backs a settlement
// returns that settlement unchanged.
func (s *SettlementService) Settle(ctx context.Context, user, quoteID, paymentProof string) (*models.Settlement, error) {
	if existing, ok := s.payments.SettlementForProof(paymentProof); ok {
		if existing.Status == models.SettlementStatusFailed {
			return nil, bridgetypes.NewError(bridgetypes.ErrCodePaymentAlreadyUsed,
				"payment proof was consumed by failed settlement %s", existing.ID)
		}
		s.log.WithField("settlement_id", existing.ID).Info("idempotent replay, returning existing settlement")
		return existing, nil
	}

	quote, err := s.quotes.GetQuote(quoteID)
	if err != nil {
		return nil, err
	}
	if user != "" && quote.User != user {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeQuoteNotFound, "quote %s not found", quoteID)
	}

	if err := s.payments.Verify(ctx, quote, paymentProof); err != nil {
		return nil, err
	}

	claimed, err := s.quotes.ClaimForSettlement(quoteID)
	if err != nil {
		return nil, err
	}

	settlement := &models.Settlement{
		ID:                 NewID("settle"),
		QuoteID:            claimed.ID,
		User:               claimed.User,
		Amount:             claimed.AmountOut,
		DestinationAddress: claimed.DestinationAddress,
		DestinationChain:   claimed.DestinationChain,
		PaymentProof:       paymentProof,
		Status:             models.SettlementStatusPending,
		CreatedAt:          s.clock(),
		UpdatedAt:          s.clock(),
	}

	if err := s.payments.Consume(paymentProof, settlement.ID, claimed.User); err != nil {
		// Lost the race to another request with the same proof.
		if bridgetypes.IsCode(err, bridgetypes.ErrCodePaymentAlreadyUsed) {
			if existing, ok := s.payments.SettlementForProof(paymentProof); ok {
				return existing, nil
			}
		}
		s.quotes.ReleaseClaim(claimed)
		return nil, err
	}

	if err := s.db.Create(settlement).Error; err != nil {
		s.quotes.ReleaseClaim(claimed)
		return nil, err
	}
	s.audit.Record(AuditSettlementStarted, claimed.User, map[string]interface{}{
		"settlement_id": settlement.ID, "quote_id": claimed.ID, "amount": settlement.Amount,
	})
	s.notify(settlement)

	s.execute(ctx, settlement, claimed)
	return settlement, nil
}

// GetSettlement looks a settlement up by id.
func (s *SettlementService) GetSettlement(id string) (*models.Settlement, error) {
	var settlement models.Settlement
	if err := s.db.Where("id = ?", id).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bridgetypes.NewError(bridgetypes.ErrCodeSettlementNotFound, "settlement %s not found", id)
		}
		return nil, err
	}
	return &settlement, nil
}

// UserSettlements lists a user's settlements, newest first.
func (s *SettlementService) UserSettlements(user string) ([]models.Settlement, error) {
	var settlements []models.Settlement
	err := s.db.Where(`"user" = ?`, user).Order("created_at DESC").Limit(200).Find(&settlements).Error
	return settlements, err
}

func (s *SettlementService) transition(settlement *models.Settlement, status models.SettlementStatus) {
	settlement.Status = status
	settlement.UpdatedAt = s.clock()
	if status == models.SettlementStatusCompleted {
		now := s.clock()
		settlement.CompletedAt = &now
	}
	if err := s.db.Save(settlement).Error; err != nil {
		s.log.WithField("settlement_id", settlement.ID).Errorf("failed to persist transition: %v", err)
	}
	s.notify(settlement)
}

// execute broadcasts and confirms. Transient broadcast errors are retried
// with bumped fees on the same nonce; nonce-too-low without a receipt causes
// a nonce refetch. Anything past maxRetries fails the settlement.
func (s *SettlementService) execute(ctx context.Context, settlement *models.Settlement, quote *models.Quote) {
	s.transition(settlement, models.SettlementStatusExecuting)

	rt, ok := s.chains.Get(settlement.DestinationChain)
	if !ok {
		s.fail(settlement, quote, "destination chain no longer configured")
		return
	}

	nonce, err := s.allocateNonce(ctx, rt)
	if err != nil {
		s.fail(settlement, quote, err.Error())
		return
	}
	settlement.Nonce = &nonce

	feeCap, tipCap := quote.MaxFeePerGas, quote.PriorityFee
	var lastHash string

	maxAttempts := s.bridge.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			feeCap, tipCap = BumpFees(feeCap, tipCap)
			metrics.SettlementRetries.Inc()
			settlement.RetryCount = attempt
		}

		signed, err := s.builder.Build(ctx, TxParams{
			ChainID:   rt.Cfg.ChainID,
			Nonce:     nonce,
			To:        settlement.DestinationAddress,
			ValueWei:  settlement.Amount,
			GasLimit:  quote.GasEstimate,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
		})
		if err != nil {
			if bridgetypes.Transient(err) && attempt < maxAttempts-1 {
				settlement.LastError = err.Error()
				continue
			}
			s.fail(settlement, quote, err.Error())
			return
		}

		hash, err := rt.RPC.SendRawTransaction(ctx, signed.RawHex)
		if err != nil {
			msg := err.Error()
			settlement.LastError = msg

			if strings.Contains(msg, "nonce too low") && lastHash == "" {
				// Someone else consumed the slot and nothing of ours is
				// on chain. Resync and take a fresh nonce.
				if fresh, nerr := s.resyncNonce(ctx, rt); nerr == nil {
					nonce = fresh
					settlement.Nonce = &nonce
					continue
				}
			}
			if strings.Contains(msg, "already known") || strings.Contains(msg, "replacement transaction underpriced") {
				// The previous broadcast did land in the mempool.
				hash = signed.Hash
			} else if bridgetypes.Transient(err) && attempt < maxAttempts-1 {
				s.log.WithFields(logrus.Fields{
					"settlement_id": settlement.ID, "attempt": attempt + 1,
				}).Warnf("broadcast failed, retrying with bumped fees: %v", err)
				continue
			} else {
				s.fail(settlement, quote, msg)
				return
			}
		}

		lastHash = hash
		settlement.TransactionHash = &hash
		s.db.Save(settlement)
		s.log.WithFields(logrus.Fields{
			"settlement_id": settlement.ID, "tx_hash": hash, "nonce": nonce,
		}).Info("transaction broadcast")

		done := s.awaitReceipt(ctx, rt, settlement, quote, hash)
		if done {
			return
		}
		// Receipt never appeared; bump and replace on the same nonce.
	}

	s.fail(settlement, quote, "transaction not confirmed after retries")
}

// awaitReceipt polls with backoff for up to five minutes. Returns true when
// the settlement reached a terminal state.
func (s *SettlementService) awaitReceipt(ctx context.Context, rt *ChainRuntime, settlement *models.Settlement, quote *models.Quote, hash string) bool {
	deadline := s.clock().Add(receiptPollTotal)
	step := 0
	for s.clock().Before(deadline) {
		receipt, err := rt.RPC.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == 1 {
				s.complete(settlement, quote, receipt.GasUsed, receipt.EffectiveGasPrice.Uint64())
			} else {
				s.fail(settlement, quote, "transaction reverted on chain")
			}
			return true
		}
		if err != nil && !bridgetypes.Transient(err) {
			s.log.WithField("settlement_id", settlement.ID).Warnf("receipt poll error: %v", err)
		}

		backoff := receiptPollBackoff[step]
		if step < len(receiptPollBackoff)-1 {
			step++
		}
		s.sleep(backoff)
	}
	return false
}

func (s *SettlementService) complete(settlement *models.Settlement, quote *models.Quote, gasUsed, effectiveGasPrice uint64) {
	gasCost := gasUsed * effectiveGasPrice
	spent := settlement.Amount + gasCost

	settlement.GasUsed = &gasUsed
	settlement.LastError = ""
	s.transition(settlement, models.SettlementStatusCompleted)

	s.reserve.Commit(quote.LockedAmount(), spent)
	s.finishUserTransaction(settlement, models.TransactionStatusCompleted)

	metrics.SettlementsTotal.WithLabelValues(string(models.SettlementStatusCompleted)).Inc()
	metrics.SettlementDuration.Observe(s.clock().Sub(settlement.CreatedAt).Seconds())

	txHash := ""
	if settlement.TransactionHash != nil {
		txHash = *settlement.TransactionHash
	}
	s.audit.Record(AuditSettlementDone, settlement.User, map[string]interface{}{
		"settlement_id": settlement.ID, "amount": settlement.Amount,
		"gas_cost": gasCost, "tx_hash": txHash,
	})
	s.audit.Record(AuditQuoteSettled, settlement.User, map[string]interface{}{
		"quote_id": settlement.QuoteID, "settlement_id": settlement.ID,
	})
	s.log.WithFields(logrus.Fields{
		"settlement_id": settlement.ID, "gas_used": gasUsed, "spent_wei": spent,
	}).Info("settlement completed")
}

// fail releases the reservation and, because the payment was already
// captured, marks the linked user transaction for an operator refund.
func (s *SettlementService) fail(settlement *models.Settlement, quote *models.Quote, reason string) {
	settlement.LastError = reason
	s.transition(settlement, models.SettlementStatusFailed)

	s.db.Model(&models.Quote{}).Where("id = ?", quote.ID).
		Update("status", models.QuoteStatusFailed)
	s.reserve.Unlock(quote.LockedAmount())
	s.finishUserTransaction(settlement, models.TransactionStatusRefunded)

	metrics.SettlementsTotal.WithLabelValues(string(models.SettlementStatusFailed)).Inc()
	s.audit.Record(AuditSettlementFailed, settlement.User, map[string]interface{}{
		"settlement_id": settlement.ID, "reason": reason,
	})
	s.audit.Record(AuditRefundMarked, settlement.User, map[string]interface{}{
		"settlement_id": settlement.ID, "proof": settlement.PaymentProof,
	})
	s.log.WithFields(logrus.Fields{
		"settlement_id": settlement.ID, "reason": reason,
	}).Error("settlement failed")
}

func (s *SettlementService) finishUserTransaction(settlement *models.Settlement, status models.TransactionStatus) {
	updates := map[string]interface{}{"status": status}
	if status == models.TransactionStatusCompleted {
		now := s.clock()
		updates["completed_at"] = now
		if settlement.TransactionHash != nil {
			updates["transaction_hash"] = *settlement.TransactionHash
		}
	}
	s.db.Model(&models.UserTransaction{}).
		Where("settlement_id = ?", settlement.ID).
		Updates(updates)
}

func (s *SettlementService) chainNonceLock(chain string) *sync.Mutex {
	mu, _ := s.nonceLocks.LoadOrStore(chain, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// allocateNonce hands out the next nonce for the bridge address: the larger
// of the chain's pending count and the engine's own counter, so restarts and
// external transactions never cause reuse.
func (s *SettlementService) allocateNonce(ctx context.Context, rt *ChainRuntime) (uint64, error) {
	mu := s.chainNonceLock(rt.Cfg.Name)
	mu.Lock()
	defer mu.Unlock()

	pending, err := rt.RPC.PendingNonce(ctx, s.builder.From())
	if err != nil {
		return 0, err
	}

	var row models.ChainNonce
	err = s.db.Where("chain_id = ? AND address = ?", rt.Cfg.ChainID, s.builder.From()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.ChainNonce{ChainID: rt.Cfg.ChainID, Address: s.builder.From()}
	} else if err != nil {
		return 0, err
	}

	next := row.NextNonce
	if pending > next {
		next = pending
	}
	row.NextNonce = next + 1
	row.UpdatedAt = s.clock()
	if err := s.db.Save(&row).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// resyncNonce discards the local counter in favour of the chain's view.
func (s *SettlementService) resyncNonce(ctx context.Context, rt *ChainRuntime) (uint64, error) {
	mu := s.chainNonceLock(rt.Cfg.Name)
	mu.Lock()
	defer mu.Unlock()

	pending, err := rt.RPC.PendingNonce(ctx, s.builder.From())
	if err != nil {
		return 0, err
	}
	row := models.ChainNonce{
		ChainID:   rt.Cfg.ChainID,
		Address:   s.builder.From(),
		NextNonce: pending + 1,
		UpdatedAt: s.clock(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return 0, err
	}
	return pending, nil
}
