package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gasless-bridge/internal/config"
	bridgetypes "gasless-bridge/internal/types"
)

// LedgerTransfer is one finalized transfer on the source-chain ledger.
type LedgerTransfer struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"` // source-token base units
	Finalized bool   `json:"finalized"`
	Memo      string `json:"memo,omitempty"`
}

// SourceLedger is the bridge's view of the source-chain ledger gateway.
// Tests substitute fakes.
type SourceLedger interface {
	GetTransfer(ctx context.Context, proof string) (*LedgerTransfer, error)
	// TransferFrom spends the caller's pre-approved allowance into the
	// collection account and returns the finalized transfer.
	TransferFrom(ctx context.Context, from, to string, amount uint64, memo string) (*LedgerTransfer, error)
}

// LedgerClient queries the source-chain ledger gateway over HTTP.
type LedgerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewLedgerClient(cfg config.LedgerConfig) *LedgerClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &LedgerClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetTransfer fetches one transfer. A 404 means the proof references nothing.
func (c *LedgerClient) GetTransfer(ctx context.Context, proof string) (*LedgerTransfer, error) {
	endpoint := fmt.Sprintf("%s/v1/transfers/%s", c.baseURL, url.PathEscape(proof))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCTimeout, "ledger request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodePaymentNotFound, "no ledger transfer for proof %s", proof)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse, "ledger returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger response: %w", err)
	}

	var transfer LedgerTransfer
	if err := json.Unmarshal(body, &transfer); err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse, "bad ledger response: %v", err)
	}
	return &transfer, nil
}

// TransferFrom asks the gateway to execute an allowance-backed transfer.
func (c *LedgerClient) TransferFrom(ctx context.Context, from, to string, amount uint64, memo string) (*LedgerTransfer, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"from": from, "to": to, "amount": amount, "memo": memo,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCTimeout, "ledger request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodePaymentMismatch,
			"ledger rejected transfer of %d units from %s", amount, from)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse, "ledger returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger response: %w", err)
	}
	var transfer LedgerTransfer
	if err := json.Unmarshal(body, &transfer); err != nil {
		return nil, bridgetypes.NewError(bridgetypes.ErrCodeRPCBadResponse, "bad ledger response: %v", err)
	}
	return &transfer, nil
}
