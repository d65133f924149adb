package models

import (
	"time"
)

// QuoteStatus quote lifecycle states
type QuoteStatus string

const (
	QuoteStatusActive  QuoteStatus = "active"
	QuoteStatusSettled QuoteStatus = "settled"
	QuoteStatusExpired QuoteStatus = "expired"
	QuoteStatusFailed  QuoteStatus = "failed"
)

// Quote a time-bound promise to deliver AmountOut to a destination address.
// Monetary fields are in the smallest unit: wei for ETH, e8s for the source token.
type Quote struct {
	ID                 string      `json:"id" gorm:"primaryKey;size:80"`
	User               string      `json:"user" gorm:"not null;index;size:80"`
	AmountRequested    uint64      `json:"amount_requested" gorm:"not null"` // wei to deliver
	AmountOut          uint64      `json:"amount_out" gorm:"not null"`       // = amount_requested
	GasEstimate        uint64      `json:"gas_estimate" gorm:"not null"`     // gas units
	BaseFee            uint64      `json:"base_fee" gorm:"not null"`
	PriorityFee        uint64      `json:"priority_fee" gorm:"not null"`
	MaxFeePerGas       uint64      `json:"max_fee_per_gas" gorm:"not null"`
	SafetyMargin       uint64      `json:"safety_margin" gorm:"not null"`       // wei
	TotalCost          uint64      `json:"total_cost" gorm:"not null"`          // source-token base units
	DestinationAddress string      `json:"destination_address" gorm:"not null;size:42"`
	SourceChain        string      `json:"source_chain" gorm:"not null;size:32"`
	DestinationChain   string      `json:"destination_chain" gorm:"not null;size:64"`
	Status             QuoteStatus `json:"status" gorm:"not null;default:active;index"`
	CreatedAt          time.Time   `json:"created_at"`
	ExpiresAt          time.Time   `json:"expires_at" gorm:"index"`
}

func (Quote) TableName() string { return "quotes" }

// GasBudget is the wei the reserve must hold back for gas on top of delivery.
func (q *Quote) GasBudget() uint64 {
	return q.MaxFeePerGas * q.GasEstimate
}

// LockedAmount is the total reservation held in the reserve while the quote is active.
func (q *Quote) LockedAmount() uint64 {
	return q.AmountOut + q.GasBudget()
}

// IsExpired reports whether the quote has passed its validity window.
func (q *Quote) IsExpired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// SettlementStatus settlement lifecycle states
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusExecuting SettlementStatus = "executing"
	SettlementStatusCompleted SettlementStatus = "completed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// Settlement the state machine record for one on-chain delivery attempt.
type Settlement struct {
	ID                 string           `json:"id" gorm:"primaryKey;size:80"`
	QuoteID            string           `json:"quote_id" gorm:"not null;index;size:80"`
	User               string           `json:"user" gorm:"not null;index;size:80"`
	Amount             uint64           `json:"amount" gorm:"not null"` // wei to deliver
	DestinationAddress string           `json:"destination_address" gorm:"not null;size:42"`
	DestinationChain   string           `json:"destination_chain" gorm:"not null;size:64"`
	PaymentProof       string           `json:"payment_proof" gorm:"not null;index;size:128"`
	Status             SettlementStatus `json:"status" gorm:"not null;default:pending;index"`
	GasUsed            *uint64          `json:"gas_used"`
	TransactionHash    *string          `json:"transaction_hash" gorm:"size:66"`
	Nonce              *uint64          `json:"nonce"`
	RetryCount         int              `json:"retry_count" gorm:"default:0"`
	LastError          string           `json:"last_error" gorm:"type:text"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	CompletedAt        *time.Time       `json:"completed_at"`
}

func (Settlement) TableName() string { return "settlements" }

// TransactionStatus source-side paid flow states
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusRefunded   TransactionStatus = "refunded"
)

// UserTransaction links a source-ledger payment to the destination settlement.
type UserTransaction struct {
	ID                 string            `json:"id" gorm:"primaryKey;size:80"`
	User               string            `json:"user" gorm:"not null;index;size:80"`
	AmountSource       uint64            `json:"amount_source" gorm:"not null"` // source-token base units
	AmountETH          uint64            `json:"amount_eth" gorm:"not null"`    // wei
	GasSponsored       uint64            `json:"gas_sponsored" gorm:"not null"` // wei
	DestinationAddress string            `json:"destination_address" gorm:"not null;size:42"`
	DestinationChain   string            `json:"destination_chain" gorm:"not null;size:64"`
	SourcePaymentID    string            `json:"source_payment_id" gorm:"index;size:128"`
	SettlementID       string            `json:"settlement_id" gorm:"index;size:80"`
	TransactionHash    *string           `json:"transaction_hash" gorm:"size:66"`
	Status             TransactionStatus `json:"status" gorm:"not null;default:pending;index"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at"`
}

func (UserTransaction) TableName() string { return "user_transactions" }

// ReserveState the single bridge-owned liquidity record. One row, key "main".
type ReserveState struct {
	Key               string    `json:"-" gorm:"primaryKey;size:16"`
	Balance           uint64    `json:"balance" gorm:"not null;default:0"` // wei, total owned
	Locked            uint64    `json:"locked" gorm:"not null;default:0"`  // wei, active reservations
	ThresholdWarning  uint64    `json:"threshold_warning" gorm:"not null;default:0"`
	ThresholdCritical uint64    `json:"threshold_critical" gorm:"not null;default:0"`
	DailyLimit        uint64    `json:"daily_limit" gorm:"not null;default:0"`
	DailyUsed         uint64    `json:"daily_used" gorm:"not null;default:0"`
	DayAnchor         time.Time `json:"day_anchor"` // start of the current UTC day
	Paused            bool      `json:"paused" gorm:"not null;default:false"`
	TotalDeposited    uint64    `json:"total_deposited" gorm:"not null;default:0"`
	TotalCommitted    uint64    `json:"total_committed" gorm:"not null;default:0"`
	LastTopup         time.Time `json:"last_topup"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (ReserveState) TableName() string { return "reserve_states" }

// Available is the portion of the balance not locked by quotes or settlements.
func (r *ReserveState) Available() uint64 {
	if r.Locked > r.Balance {
		return 0
	}
	return r.Balance - r.Locked
}

// AuditEntry append-only audit record. Never updated or deleted.
type AuditEntry struct {
	ID           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	EventType    string    `json:"event_type" gorm:"not null;index;size:64"`
	Actor        string    `json:"actor,omitempty" gorm:"size:80"`
	Admin        string    `json:"admin,omitempty" gorm:"size:80"`
	Amount       *uint64   `json:"amount,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty" gorm:"size:66"`
	Details      string    `json:"details" gorm:"type:text"`
	CreatedAt    time.Time `json:"timestamp" gorm:"index"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

// UsedPaymentProof single-use guard for source-ledger payment proofs.
type UsedPaymentProof struct {
	Proof        string    `json:"proof" gorm:"primaryKey;size:128"`
	SettlementID string    `json:"settlement_id" gorm:"not null;size:80"`
	User         string    `json:"user" gorm:"not null;size:80"`
	CreatedAt    time.Time `json:"created_at"`
}

func (UsedPaymentProof) TableName() string { return "used_payment_proofs" }

// ChainNonce monotonic per-chain nonce counter for the bridge address.
// Two in-flight settlements never reuse a nonce.
type ChainNonce struct {
	ChainID   uint64    `json:"chain_id" gorm:"primaryKey"`
	Address   string    `json:"address" gorm:"primaryKey;size:42"`
	NextNonce uint64    `json:"next_nonce" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChainNonce) TableName() string { return "chain_nonces" }

// Admin membership record for privileged endpoints.
type Admin struct {
	Principal string    `json:"principal" gorm:"primaryKey;size:80"`
	AddedBy   string    `json:"added_by" gorm:"size:80"`
	CreatedAt time.Time `json:"created_at"`
}

func (Admin) TableName() string { return "admins" }

// GlobalConfig key/value overrides persisted across restarts (includes schema_version).
type GlobalConfig struct {
	ConfigKey   string    `json:"config_key" gorm:"primaryKey;size:64"`
	ConfigValue string    `json:"config_value" gorm:"type:text"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (GlobalConfig) TableName() string { return "global_configs" }
