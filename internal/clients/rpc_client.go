package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"gasless-bridge/internal/metrics"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const (
	rpcRequestTimeout = 10 * time.Second
	cooldownBase      = 30 * time.Second
	cooldownMax       = 10 * time.Minute
)

// FeeHistory is the decoded eth_feeHistory result.
type FeeHistory struct {
	OldestBlock  uint64
	BaseFees     []*big.Int   // len blocks+1, last entry is the next block's base fee
	Rewards      [][]*big.Int // per block, per requested percentile
	GasUsedRatio []float64
}

// EvmRPC is the read/broadcast surface the services depend on. The pool
// implements it; tests substitute fakes.
type EvmRPC interface {
	ChainID(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FeeHistory(ctx context.Context, blocks uint64, percentiles []float64) (*FeeHistory, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error)
}

// CacheControl is the admin surface over a pool's cache. RPCPool implements
// it; fakes usually do not.
type CacheControl interface {
	ClearCache()
	InvalidateGas() int
	Stats() PoolStats
}

// EndpointStats is one endpoint's health snapshot.
type EndpointStats struct {
	URL           string    `json:"url"`
	Healthy       bool      `json:"healthy"`
	FailureCount  int       `json:"failure_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastLatencyMs int64     `json:"last_latency_ms"`
	LastBlock     uint64    `json:"last_block"`
}

// PoolStats is the cache and endpoint report exposed to admins.
type PoolStats struct {
	CacheHits   uint64          `json:"cache_hits"`
	CacheMisses uint64          `json:"cache_misses"`
	HitRatio    float64         `json:"hit_ratio"`
	CacheSize   int             `json:"cache_size"`
	Endpoints   []EndpointStats `json:"endpoints"`
}

type endpoint struct {
	url    string
	client *gethrpc.Client

	mu            sync.Mutex
	failureCount  int
	cooldownUntil time.Time
	lastLatency   time.Duration
	lastBlock     uint64
	verified      bool // chain id checked against config
	disabled      bool // permanent, chain id mismatch
}

func (e *endpoint) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled && !now.Before(e.cooldownUntil)
}

func (e *endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount = 0
	e.cooldownUntil = time.Time{}
	e.lastLatency = latency
	metrics.RPCEndpointHealthy.WithLabelValues(e.url).Set(1)
}

func (e *endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount++
	cooldown := cooldownBase << (e.failureCount - 1)
	if cooldown > cooldownMax || cooldown <= 0 {
		cooldown = cooldownMax
	}
	e.cooldownUntil = time.Now().Add(cooldown)
	metrics.RPCEndpointHealthy.WithLabelValues(e.url).Set(0)
}

// RPCPool fans requests out over the configured endpoints for one chain,
// with per-endpoint health tracking and a read-through cache.
type RPCPool struct {
	chainName string
	chainID   uint64
	endpoints []*endpoint
	cache     *rpcCache
	log       *logrus.Entry
}

// NewRPCPool dials one rpc client per endpoint URL. Dialing is lazy in
// go-ethereum's HTTP transport, so construction does not hit the network.
func NewRPCPool(chainName string, chainID uint64, urls []string) (*RPCPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain %s: no rpc endpoints configured", chainName)
	}

	pool := &RPCPool{
		chainName: chainName,
		chainID:   chainID,
		cache:     newRPCCache(cacheCapacity),
		log:       logrus.WithField("service", "rpc_pool").WithField("chain", chainName),
	}
	for _, url := range urls {
		client, err := gethrpc.DialOptions(context.Background(), url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		pool.endpoints = append(pool.endpoints, &endpoint{url: url, client: client})
	}
	return pool, nil
}

// ordered returns available endpoints, fastest first. When every endpoint is
// cooling down the full list is returned so a recovered node can be retried.
func (p *RPCPool) ordered() []*endpoint {
	now := time.Now()
	available := make([]*endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.available(now) {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		for _, e := range p.endpoints {
			e.mu.Lock()
			disabled := e.disabled
			e.mu.Unlock()
			if !disabled {
				available = append(available, e)
			}
		}
	}
	sort.SliceStable(available, func(i, j int) bool {
		available[i].mu.Lock()
		li := available[i].lastLatency
		available[i].mu.Unlock()
		available[j].mu.Lock()
		lj := available[j].lastLatency
		available[j].mu.Unlock()
		return li < lj
	})
	return available
}

// call tries endpoints in health order until one answers.
func (p *RPCPool) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	candidates := p.ordered()
	if len(candidates) == 0 {
		metrics.RPCRequests.WithLabelValues(method, "all_down").Inc()
		return bridgetypes.NewError(bridgetypes.ErrCodeAllEndpointsDown, "chain %s: all rpc endpoints are down", p.chainName)
	}

	var lastErr error
	for _, e := range candidates {
		if err := p.verifyEndpoint(ctx, e); err != nil {
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, rpcRequestTimeout)
		start := time.Now()
		err := e.client.CallContext(callCtx, result, method, args...)
		latency := time.Since(start)
		cancel()

		if err == nil {
			e.recordSuccess(latency)
			metrics.RPCRequests.WithLabelValues(method, "ok").Inc()
			return nil
		}

		classified := classifyRPCError(err)
		// A well-formed node-side error is an answer, not an endpoint fault.
		if bridgetypes.IsCode(classified, bridgetypes.ErrCodeRPCError) {
			e.recordSuccess(latency)
			metrics.RPCRequests.WithLabelValues(method, "node_error").Inc()
			return classified
		}

		e.recordFailure()
		metrics.RPCRequests.WithLabelValues(method, "failed").Inc()
		p.log.WithFields(logrus.Fields{"endpoint": e.url, "method": method}).
			Warnf("rpc call failed: %v", err)
		lastErr = classified
	}

	if lastErr == nil {
		lastErr = bridgetypes.NewError(bridgetypes.ErrCodeAllEndpointsDown, "chain %s: all rpc endpoints are down", p.chainName)
	}
	return lastErr
}

// verifyEndpoint checks the node's chain id on first use. A mismatched node
// is disabled permanently.
func (p *RPCPool) verifyEndpoint(ctx context.Context, e *endpoint) error {
	e.mu.Lock()
	verified := e.verified
	e.mu.Unlock()
	if verified {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, rpcRequestTimeout)
	defer cancel()

	var raw hexutil.Big
	if err := e.client.CallContext(callCtx, &raw, "eth_chainId"); err != nil {
		e.recordFailure()
		return classifyRPCError(err)
	}
	got := raw.ToInt().Uint64()

	e.mu.Lock()
	defer e.mu.Unlock()
	if got != p.chainID {
		e.disabled = true
		p.log.WithField("endpoint", e.url).
			Errorf("chain id mismatch: expected %d, got %d; endpoint disabled", p.chainID, got)
		return bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse,
			"endpoint %s serves chain %d, expected %d", e.url, got, p.chainID)
	}
	e.verified = true
	return nil
}

func classifyRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return bridgetypes.NewError(bridgetypes.ErrCodeRPCTimeout, "rpc request timed out")
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return bridgetypes.NewError(bridgetypes.ErrCodeRPCError, "rpc error %d: %s", rpcErr.ErrorCode(), rpcErr.Error())
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		return bridgetypes.NewError(bridgetypes.ErrCodeRPCError, "rpc error: %s", dataErr.Error())
	}
	return bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse, "rpc transport failure: %v", err)
}

// ChainID returns the configured chain id once any endpoint has confirmed it.
func (p *RPCPool) ChainID(ctx context.Context) (uint64, error) {
	if _, ok := p.cache.get("chainid"); ok {
		return p.chainID, nil
	}
	var raw hexutil.Big
	if err := p.call(ctx, &raw, "eth_chainId"); err != nil {
		return 0, err
	}
	got := raw.ToInt().Uint64()
	if got != p.chainID {
		return 0, bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse,
			"chain id mismatch: expected %d, got %d", p.chainID, got)
	}
	p.cache.put("chainid", got, 0)
	return got, nil
}

func (p *RPCPool) BlockNumber(ctx context.Context) (uint64, error) {
	var raw hexutil.Uint64
	if err := p.call(ctx, &raw, "eth_blockNumber"); err != nil {
		return 0, err
	}
	block := uint64(raw)
	for _, e := range p.endpoints {
		e.mu.Lock()
		if block > e.lastBlock {
			e.lastBlock = block
		}
		e.mu.Unlock()
	}
	return block, nil
}

type feeHistoryResult struct {
	OldestBlock   *hexutil.Big     `json:"oldestBlock"`
	Reward        [][]*hexutil.Big `json:"reward"`
	BaseFeePerGas []*hexutil.Big   `json:"baseFeePerGas"`
	GasUsedRatio  []float64        `json:"gasUsedRatio"`
}

// FeeHistory is cached for 15 s; gas moves block to block, not request to request.
func (p *RPCPool) FeeHistory(ctx context.Context, blocks uint64, percentiles []float64) (*FeeHistory, error) {
	key := fmt.Sprintf("feehistory:%d:%v", blocks, percentiles)
	if cached, ok := p.cache.get(key); ok {
		return cached.(*FeeHistory), nil
	}

	var raw feeHistoryResult
	if err := p.call(ctx, &raw, "eth_feeHistory", hexutil.Uint64(blocks), "latest", percentiles); err != nil {
		return nil, err
	}
	if len(raw.BaseFeePerGas) == 0 {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse, "feeHistory returned no base fees")
	}

	out := &FeeHistory{GasUsedRatio: raw.GasUsedRatio}
	if raw.OldestBlock != nil {
		out.OldestBlock = raw.OldestBlock.ToInt().Uint64()
	}
	for _, fee := range raw.BaseFeePerGas {
		out.BaseFees = append(out.BaseFees, fee.ToInt())
	}
	for _, block := range raw.Reward {
		row := make([]*big.Int, 0, len(block))
		for _, r := range block {
			row = append(row, r.ToInt())
		}
		out.Rewards = append(out.Rewards, row)
	}

	p.cache.put(key, out, gasCacheTTL)
	return out, nil
}

func (p *RPCPool) GasPrice(ctx context.Context) (*big.Int, error) {
	if cached, ok := p.cache.get("gasprice"); ok {
		return cached.(*big.Int), nil
	}
	var raw hexutil.Big
	if err := p.call(ctx, &raw, "eth_gasPrice"); err != nil {
		return nil, err
	}
	price := raw.ToInt()
	p.cache.put("gasprice", price, gasCacheTTL)
	return price, nil
}

// PendingNonce returns the pending transaction count. The 2 s TTL only
// dedupes bursts; the settlement engine keeps its own counter.
func (p *RPCPool) PendingNonce(ctx context.Context, address string) (uint64, error) {
	key := "nonce:" + address
	if cached, ok := p.cache.get(key); ok {
		return cached.(uint64), nil
	}
	var raw hexutil.Uint64
	if err := p.call(ctx, &raw, "eth_getTransactionCount", address, "pending"); err != nil {
		return 0, err
	}
	nonce := uint64(raw)
	p.cache.put(key, nonce, nonceCacheTTL)
	return nonce, nil
}

func (p *RPCPool) Balance(ctx context.Context, address string) (*big.Int, error) {
	key := "balance:" + address
	if cached, ok := p.cache.get(key); ok {
		return cached.(*big.Int), nil
	}
	var raw hexutil.Big
	if err := p.call(ctx, &raw, "eth_getBalance", address, "latest"); err != nil {
		return nil, err
	}
	balance := raw.ToInt()
	p.cache.put(key, balance, balanceCacheTTL)
	return balance, nil
}

// SendRawTransaction broadcasts and is never cached.
func (p *RPCPool) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	var hash string
	if err := p.call(ctx, &hash, "eth_sendRawTransaction", rawTx); err != nil {
		return "", err
	}
	return hash, nil
}

// TransactionReceipt returns nil with no error while the transaction is
// pending. A receipt is cached permanently once its status is observed.
func (p *RPCPool) TransactionReceipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	key := "receipt:" + txHash
	if cached, ok := p.cache.get(key); ok {
		return cached.(*ethtypes.Receipt), nil
	}
	var receipt *ethtypes.Receipt
	if err := p.call(ctx, &receipt, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, err
	}
	if receipt != nil {
		p.cache.put(key, receipt, 0)
	}
	return receipt, nil
}

// ClearCache drops every cached response.
func (p *RPCPool) ClearCache() {
	p.cache.clear()
}

// InvalidateGas drops fee and gas price entries, forcing a re-estimate.
func (p *RPCPool) InvalidateGas() int {
	return p.cache.invalidatePrefix("feehistory:") + p.cache.invalidatePrefix("gasprice")
}

// Stats reports cache effectiveness and endpoint health.
func (p *RPCPool) Stats() PoolStats {
	hits, misses, size := p.cache.stats()
	stats := PoolStats{CacheHits: hits, CacheMisses: misses, CacheSize: size}
	if total := hits + misses; total > 0 {
		stats.HitRatio = float64(hits) / float64(total)
	}
	now := time.Now()
	for _, e := range p.endpoints {
		e.mu.Lock()
		es := EndpointStats{
			URL:           e.url,
			Healthy:       !e.disabled && !now.Before(e.cooldownUntil),
			FailureCount:  e.failureCount,
			LastLatencyMs: e.lastLatency.Milliseconds(),
			LastBlock:     e.lastBlock,
		}
		if now.Before(e.cooldownUntil) {
			es.CooldownUntil = e.cooldownUntil
		}
		e.mu.Unlock()
		stats.Endpoints = append(stats.Endpoints, es)
	}
	return stats
}
