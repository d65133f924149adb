package services

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/sirupsen/logrus"
)

const (
	feeHistoryBlocks = 20
	tipPercentileIdx = 2 // position of 60 in feePercentiles
)

var feePercentiles = []float64{25, 50, 60, 75, 90}

// GasEstimate is one EIP-1559 fee projection for the destination chain.
type GasEstimate struct {
	BaseFee      uint64    `json:"base_fee"`        // wei per gas, next-block projection
	PriorityFee  uint64    `json:"priority_fee"`    // wei per gas
	MaxFeePerGas uint64    `json:"max_fee_per_gas"` // wei per gas
	GasLimit     uint64    `json:"gas_limit"`
	EstimatedAt  time.Time `json:"estimated_at"`
	Fallback     bool      `json:"fallback,omitempty"`
}

// GasBudget is the worst-case wei the reserve must hold back for one transfer.
func (g *GasEstimate) GasBudget() uint64 {
	return g.MaxFeePerGas * g.GasLimit
}

// GasEstimator projects next-block fees from recent history. Estimates are
// cached for a third of the quote validity window so an active quote's fees
// never come from data older than its own issuance policy allows.
type GasEstimator struct {
	rpc        clients.EvmRPC
	gasLimit   uint64
	minTip     uint64
	maxGasFee  uint64
	safetyPct  uint64
	refreshTTL time.Duration
	log        *logrus.Entry

	mu     sync.Mutex
	cached *GasEstimate
}

func NewGasEstimator(rpc clients.EvmRPC, chain config.ChainConfig, bridge config.BridgeConfig, validity time.Duration) *GasEstimator {
	gasLimit := chain.GasLimit
	if gasLimit == 0 {
		gasLimit = 21_000
	}
	return &GasEstimator{
		rpc:        rpc,
		gasLimit:   gasLimit,
		minTip:     bridge.MinPriorityFee,
		maxGasFee:  bridge.MaxGasPrice,
		safetyPct:  bridge.SafetyMarginPercent,
		refreshTTL: validity / 3,
		log:        logrus.WithField("service", "gas_estimator").WithField("chain", chain.Name),
	}
}

// Estimate returns the current projection, re-estimating when the cached one
// has aged past a third of the quote validity window. The circuit breaker
// rejects estimates above the configured max gas price.
func (e *GasEstimator) Estimate(ctx context.Context) (*GasEstimate, error) {
	e.mu.Lock()
	if e.cached != nil && time.Since(e.cached.EstimatedAt) < e.refreshTTL {
		est := *e.cached
		e.mu.Unlock()
		return &est, nil
	}
	e.mu.Unlock()

	history, err := e.rpc.FeeHistory(ctx, feeHistoryBlocks, feePercentiles)
	if err != nil {
		return nil, err
	}

	baseFee := projectBaseFee(history.BaseFees)
	tip := tipPercentile(history.Rewards, tipPercentileIdx)
	if tip < e.minTip {
		tip = e.minTip
	}
	maxFee := 2*baseFee + tip

	if e.maxGasFee > 0 && maxFee > e.maxGasFee {
		e.log.WithFields(logrus.Fields{"max_fee": maxFee, "limit": e.maxGasFee}).
			Warn("gas circuit breaker tripped")
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeGasTooHigh,
			"projected max fee %d wei exceeds limit %d wei", maxFee, e.maxGasFee)
	}

	est := &GasEstimate{
		BaseFee:      baseFee,
		PriorityFee:  tip,
		MaxFeePerGas: maxFee,
		GasLimit:     e.gasLimit,
		EstimatedAt:  time.Now().UTC(),
	}

	e.mu.Lock()
	e.cached = est
	e.mu.Unlock()

	out := *est
	return &out, nil
}

// SafetyMargin is the extra wei added on top of the gas budget when pricing.
func (e *GasEstimator) SafetyMargin(gasBudget uint64) uint64 {
	return gasBudget * e.safetyPct / 100
}

// FallbackEstimate is a deliberately conservative projection used by status
// endpoints when the chain is unreachable. It never backs a quote.
func (e *GasEstimator) FallbackEstimate() *GasEstimate {
	base := uint64(50_000_000_000) // 50 gwei
	tip := e.minTip
	if tip < 2_000_000_000 {
		tip = 2_000_000_000
	}
	return &GasEstimate{
		BaseFee:      base,
		PriorityFee:  tip,
		MaxFeePerGas: 2*base + tip,
		GasLimit:     e.gasLimit,
		EstimatedAt:  time.Now().UTC(),
		Fallback:     true,
	}
}

// projectBaseFee scales the latest base fee by 1.25 to absorb the worst
// single-block increase.
func projectBaseFee(baseFees []*big.Int) uint64 {
	if len(baseFees) == 0 {
		return 0
	}
	last := baseFees[len(baseFees)-1]
	projected := new(big.Int).Mul(last, big.NewInt(125))
	projected.Div(projected, big.NewInt(100))
	return projected.Uint64()
}

// tipPercentile takes the per-block reward at the requested percentile column
// and returns the 60th percentile of those observations over the window.
func tipPercentile(rewards [][]*big.Int, column int) uint64 {
	observations := make([]uint64, 0, len(rewards))
	for _, block := range rewards {
		if column < len(block) && block[column] != nil {
			observations = append(observations, block[column].Uint64())
		}
	}
	if len(observations) == 0 {
		return 0
	}
	sort.Slice(observations, func(i, j int) bool { return observations[i] < observations[j] })
	idx := len(observations) * 60 / 100
	if idx >= len(observations) {
		idx = len(observations) - 1
	}
	return observations[idx]
}
