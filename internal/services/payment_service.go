package services

import (
	"context"
	"errors"
	"strings"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PaymentService verifies source-ledger payments against quotes and enforces
// single use of every payment proof.
type PaymentService struct {
	db         *gorm.DB
	ledger     clients.SourceLedger
	audit      *AuditService
	collection string
	log        *logrus.Entry
}

func NewPaymentService(db *gorm.DB, ledger clients.SourceLedger, audit *AuditService, cfg *config.Config) *PaymentService {
	return &PaymentService{
		db:         db,
		ledger:     ledger,
		audit:      audit,
		collection: cfg.Bridge.CollectionAccount,
		log:        logrus.WithField("service", "payment"),
	}
}

// Verify checks that the proof references a finalized transfer of at least
// quote.TotalCost from the quote's user into the collection account.
func (s *PaymentService) Verify(ctx context.Context, quote *models.Quote, proof string) error {
	if proof == "" {
		return bridgetypes.NewError(bridgetypes.ErrCodeValidation, "payment proof is required")
	}

	var used models.UsedPaymentProof
	if err := s.db.Where("proof = ?", proof).First(&used).Error; err == nil {
		return bridgetypes.NewError(bridgetypes.ErrCodePaymentAlreadyUsed,
			"payment proof already consumed by settlement %s", used.SettlementID)
	}

	transfer, err := s.ledger.GetTransfer(ctx, proof)
	if err != nil {
		return err
	}
	if !transfer.Finalized {
		return bridgetypes.NewError(bridgetypes.ErrCodePaymentNotFinal, "transfer %s is not finalized", proof)
	}
	if !strings.EqualFold(transfer.From, quote.User) {
		return bridgetypes.NewError(bridgetypes.ErrCodePaymentMismatch,
			"transfer %s was sent by %s, quote belongs to %s", proof, transfer.From, quote.User)
	}
	if s.collection != "" && !strings.EqualFold(transfer.To, s.collection) {
		return bridgetypes.NewError(bridgetypes.ErrCodePaymentMismatch,
			"transfer %s did not pay the collection account", proof)
	}
	if transfer.Amount < quote.TotalCost {
		return bridgetypes.NewError(bridgetypes.ErrCodePaymentMismatch,
			"transfer of %d units below quoted cost %d", transfer.Amount, quote.TotalCost)
	}

	s.audit.Record(AuditPaymentVerified, quote.User, map[string]interface{}{
		"proof": proof, "quote_id": quote.ID, "amount": transfer.Amount,
	})
	return nil
}

// Consume marks the proof as spent. The primary key makes the claim atomic:
// the second settlement racing on the same proof gets AlreadyUsed.
func (s *PaymentService) Consume(proof, settlementID, user string) error {
	row := models.UsedPaymentProof{
		Proof:        proof,
		SettlementID: settlementID,
		User:         user,
	}
	if err := s.db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(err.Error(), "duplicate key") ||
			strings.Contains(err.Error(), "UNIQUE constraint") {
			return bridgetypes.NewError(bridgetypes.ErrCodePaymentAlreadyUsed,
				"payment proof already consumed")
		}
		return err
	}
	return nil
}

// SettlementForProof returns the settlement that consumed a proof, if any.
// This is the idempotent-replay lookup.
func (s *PaymentService) SettlementForProof(proof string) (*models.Settlement, bool) {
	var used models.UsedPaymentProof
	if err := s.db.Where("proof = ?", proof).First(&used).Error; err != nil {
		return nil, false
	}
	var settlement models.Settlement
	if err := s.db.Where("id = ?", used.SettlementID).First(&settlement).Error; err != nil {
		return nil, false
	}
	return &settlement, true
}

// CollectFromAllowance executes the caller-approved source transfer used by
// the one-call bridge flow and returns its proof.
func (s *PaymentService) CollectFromAllowance(ctx context.Context, user string, amount uint64, memo string) (*clients.LedgerTransfer, error) {
	if s.collection == "" {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeConfig, "no collection account configured")
	}
	transfer, err := s.ledger.TransferFrom(ctx, user, s.collection, amount, memo)
	if err != nil {
		return nil, err
	}
	s.audit.Record(AuditPaymentRecorded, user, map[string]interface{}{
		"proof": transfer.ID, "amount": transfer.Amount,
	})
	return transfer, nil
}
