package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/metrics"
	bridgetypes "gasless-bridge/internal/types"

	"github.com/sirupsen/logrus"
)

const (
	priceFetchTimeout = 5 * time.Second
)

// PriceSample is one USD observation from one source.
type PriceSample struct {
	Asset      string    `json:"asset"`
	USD        float64   `json:"usd"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Rate is the pair of USD prices the quote engine converts with.
type Rate struct {
	ETHUSD    float64   `json:"eth_usd"`
	SourceUSD float64   `json:"source_usd"`
	Stale     bool      `json:"stale"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceStatus is one source's last probe result.
type SourceStatus struct {
	Source    string    `json:"source"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// PriceOracle is what the quote engine depends on; tests substitute fakes.
type PriceOracle interface {
	CurrentRate(ctx context.Context) (*Rate, error)
	Status(ctx context.Context) []SourceStatus
}

type priceSource interface {
	name() string
	confidence() float64
	// fetch returns USD prices for ETH and the source asset.
	fetch(ctx context.Context, sourceAsset string) (ethUSD, srcUSD float64, err error)
}

// PriceFeedClient aggregates several public price APIs. The freshest sample
// from the most confident healthy source wins; quoting refuses stale data.
type PriceFeedClient struct {
	httpClient  *http.Client
	sources     []priceSource
	sourceAsset string
	cacheTTL    time.Duration
	freshness   time.Duration
	log         *logrus.Entry

	mu         sync.Mutex
	cached     *Rate
	lastStatus map[string]SourceStatus
}

// NewPriceFeedClient wires the configured sources. CoinMarketCap joins the
// set only when an API key is configured.
func NewPriceFeedClient(cfg config.PriceConfig) *PriceFeedClient {
	httpClient := &http.Client{Timeout: priceFetchTimeout}
	c := &PriceFeedClient{
		httpClient:  httpClient,
		sourceAsset: cfg.SourceAsset,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		freshness:   time.Duration(cfg.FreshnessSeconds) * time.Second,
		log:         logrus.WithField("service", "price_feed"),
		lastStatus:  make(map[string]SourceStatus),
	}
	c.sources = []priceSource{
		&coinGeckoSource{client: httpClient},
		&cryptoCompareSource{client: httpClient},
		&coinbaseSource{client: httpClient},
	}
	if cfg.CoinMarketCapKey != "" {
		c.sources = append(c.sources, &coinMarketCapSource{client: httpClient, apiKey: cfg.CoinMarketCapKey})
	}
	return c
}

type fetchResult struct {
	source     string
	confidence float64
	ethUSD     float64
	srcUSD     float64
	err        error
	at         time.Time
}

// CurrentRate returns a fresh rate, the 30 s cached one, or a stale-flagged
// fallback. Callers that must not price on stale data check Rate.Stale.
func (c *PriceFeedClient) CurrentRate(ctx context.Context) (*Rate, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cached.Timestamp) < c.cacheTTL && !c.cached.Stale {
		rate := *c.cached
		c.mu.Unlock()
		return &rate, nil
	}
	c.mu.Unlock()

	results := c.fetchAll(ctx)

	best := pickBest(results)
	if best != nil {
		rate := &Rate{
			ETHUSD:    best.ethUSD,
			SourceUSD: best.srcUSD,
			Timestamp: best.at,
		}
		metrics.PriceUSD.WithLabelValues("ETH").Set(rate.ETHUSD)
		metrics.PriceUSD.WithLabelValues(c.sourceAsset).Set(rate.SourceUSD)
		c.mu.Lock()
		c.cached = rate
		c.mu.Unlock()
		out := *rate
		return &out, nil
	}

	// Every source failed. Fall back to the last known rate, flagged stale,
	// as long as it is not absurdly old.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && time.Since(c.cached.Timestamp) < 10*time.Minute {
		stale := *c.cached
		stale.Stale = true
		return &stale, nil
	}
	return nil, bridgetypes.NewError(bridgetypes.ErrCodePriceUnavailable,
		"no price source returned a usable %s/ETH rate", c.sourceAsset)
}

func (c *PriceFeedClient) fetchAll(ctx context.Context) []fetchResult {
	results := make([]fetchResult, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src priceSource) {
			defer wg.Done()
			eth, srcUSD, err := src.fetch(ctx, c.sourceAsset)
			results[i] = fetchResult{
				source:     src.name(),
				confidence: src.confidence(),
				ethUSD:     eth,
				srcUSD:     srcUSD,
				err:        err,
				at:         time.Now().UTC(),
			}
		}(i, src)
	}
	wg.Wait()

	c.mu.Lock()
	for _, r := range results {
		status := SourceStatus{Source: r.source, Healthy: r.err == nil}
		if r.err != nil {
			status.LastError = r.err.Error()
			if prev, ok := c.lastStatus[r.source]; ok {
				status.LastSeen = prev.LastSeen
			}
			metrics.PriceFetchErrors.WithLabelValues(r.source).Inc()
			c.log.WithField("source", r.source).Warnf("price fetch failed: %v", r.err)
		} else {
			status.LastSeen = r.at
		}
		c.lastStatus[r.source] = status
	}
	c.mu.Unlock()
	return results
}

func pickBest(results []fetchResult) *fetchResult {
	var best *fetchResult
	for i := range results {
		r := &results[i]
		if r.err != nil || r.ethUSD <= 0 || r.srcUSD <= 0 {
			continue
		}
		if best == nil || r.confidence > best.confidence {
			best = r
		}
	}
	return best
}

// Status triggers a probe when nothing has been seen recently, then reports
// the per-source health table.
func (c *PriceFeedClient) Status(ctx context.Context) []SourceStatus {
	c.mu.Lock()
	empty := len(c.lastStatus) == 0
	c.mu.Unlock()
	if empty {
		c.fetchAll(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SourceStatus, 0, len(c.sources))
	for _, src := range c.sources {
		if s, ok := c.lastStatus[src.name()]; ok {
			out = append(out, s)
		} else {
			out = append(out, SourceStatus{Source: src.name()})
		}
	}
	return out
}

func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// coinGeckoSource queries the free simple-price endpoint, no key required.
type coinGeckoSource struct {
	client *http.Client
}

func (s *coinGeckoSource) name() string        { return "coingecko" }
func (s *coinGeckoSource) confidence() float64 { return 0.90 }

var coinGeckoIDs = map[string]string{
	"ICP": "internet-computer",
	"ETH": "ethereum",
}

func (s *coinGeckoSource) fetch(ctx context.Context, sourceAsset string) (float64, float64, error) {
	srcID, ok := coinGeckoIDs[strings.ToUpper(sourceAsset)]
	if !ok {
		return 0, 0, fmt.Errorf("no coingecko id for asset %s", sourceAsset)
	}
	url := fmt.Sprintf("https://api.coingecko.com/api/v3/simple/price?ids=ethereum,%s&vs_currencies=usd", srcID)

	var parsed map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := getJSON(ctx, s.client, url, nil, &parsed); err != nil {
		return 0, 0, err
	}
	return parsed["ethereum"].USD, parsed[srcID].USD, nil
}

// cryptoCompareSource queries the free pricemulti endpoint.
type cryptoCompareSource struct {
	client *http.Client
}

func (s *cryptoCompareSource) name() string        { return "cryptocompare" }
func (s *cryptoCompareSource) confidence() float64 { return 0.85 }

func (s *cryptoCompareSource) fetch(ctx context.Context, sourceAsset string) (float64, float64, error) {
	symbol := strings.ToUpper(sourceAsset)
	url := fmt.Sprintf("https://min-api.cryptocompare.com/data/pricemulti?fsyms=ETH,%s&tsyms=USD", symbol)

	var parsed map[string]struct {
		USD float64 `json:"USD"`
	}
	if err := getJSON(ctx, s.client, url, nil, &parsed); err != nil {
		return 0, 0, err
	}
	return parsed["ETH"].USD, parsed[symbol].USD, nil
}

// coinbaseSource queries the public exchange-rates endpoint once per asset.
type coinbaseSource struct {
	client *http.Client
}

func (s *coinbaseSource) name() string        { return "coinbase" }
func (s *coinbaseSource) confidence() float64 { return 0.80 }

func (s *coinbaseSource) fetch(ctx context.Context, sourceAsset string) (float64, float64, error) {
	eth, err := s.fetchOne(ctx, "ETH")
	if err != nil {
		return 0, 0, err
	}
	src, err := s.fetchOne(ctx, strings.ToUpper(sourceAsset))
	if err != nil {
		return 0, 0, err
	}
	return eth, src, nil
}

func (s *coinbaseSource) fetchOne(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("https://api.coinbase.com/v2/exchange-rates?currency=%s", symbol)

	var parsed struct {
		Data struct {
			Rates map[string]string `json:"rates"`
		} `json:"data"`
	}
	if err := getJSON(ctx, s.client, url, nil, &parsed); err != nil {
		return 0, err
	}
	usd, ok := parsed.Data.Rates["USD"]
	if !ok {
		return 0, fmt.Errorf("no USD rate for %s", symbol)
	}
	value, err := strconv.ParseFloat(usd, 64)
	if err != nil {
		return 0, fmt.Errorf("bad USD rate %q: %w", usd, err)
	}
	return value, nil
}

// coinMarketCapSource requires an API key and carries the highest confidence.
type coinMarketCapSource struct {
	client *http.Client
	apiKey string
}

func (s *coinMarketCapSource) name() string        { return "coinmarketcap" }
func (s *coinMarketCapSource) confidence() float64 { return 0.95 }

func (s *coinMarketCapSource) fetch(ctx context.Context, sourceAsset string) (float64, float64, error) {
	symbol := strings.ToUpper(sourceAsset)
	url := fmt.Sprintf("https://pro-api.coinmarketcap.com/v2/cryptocurrency/quotes/latest?symbol=ETH,%s", symbol)
	headers := map[string]string{"X-CMC_PRO_API_KEY": s.apiKey}

	var parsed struct {
		Data map[string][]struct {
			Quote struct {
				USD struct {
					Price float64 `json:"price"`
				} `json:"USD"`
			} `json:"quote"`
		} `json:"data"`
	}
	if err := getJSON(ctx, s.client, url, headers, &parsed); err != nil {
		return 0, 0, err
	}
	ethList, srcList := parsed.Data["ETH"], parsed.Data[symbol]
	if len(ethList) == 0 || len(srcList) == 0 {
		return 0, 0, fmt.Errorf("missing quote data for ETH or %s", symbol)
	}
	return ethList[0].Quote.USD.Price, srcList[0].Quote.USD.Price, nil
}
