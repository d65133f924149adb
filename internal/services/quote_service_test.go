package services

import (
	"context"
	"testing"
	"time"

	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"
)

func TestRequestQuoteHappyPath(t *testing.T) {
	h := newHarness(t)

	amount := uint64(10_000_000_000_000_000) // 0.01 ETH
	quote := h.newQuote(t, amount)

	if quote.Status != models.QuoteStatusActive {
		t.Errorf("status = %s, want active", quote.Status)
	}
	if quote.AmountOut != amount {
		t.Errorf("amount out = %d, want %d", quote.AmountOut, amount)
	}

	// Fee projection: base 1 gwei * 1.25, tip 2 gwei, max = 2*base + tip.
	wantMaxFee := 2*(gwei+gwei/4) + 2*gwei
	if quote.MaxFeePerGas != wantMaxFee {
		t.Errorf("max fee = %d, want %d", quote.MaxFeePerGas, wantMaxFee)
	}
	if quote.GasEstimate != 21_000 {
		t.Errorf("gas estimate = %d, want 21000", quote.GasEstimate)
	}

	// The reserve holds delivery plus the full gas budget.
	wantLocked := amount + wantMaxFee*21_000
	if got := h.reserve.Status().Locked; got != wantLocked {
		t.Errorf("reserve locked = %d, want %d", got, wantLocked)
	}
	if quote.LockedAmount() != wantLocked {
		t.Errorf("quote locked amount = %d, want %d", quote.LockedAmount(), wantLocked)
	}

	if quote.TotalCost == 0 {
		t.Error("total cost not priced")
	}
	validity := quote.ExpiresAt.Sub(quote.CreatedAt)
	if validity != 15*time.Minute {
		t.Errorf("validity window = %s, want 15m", validity)
	}
	if got := h.auditCount(t, AuditQuoteCreated); got != 1 {
		t.Errorf("quote_created audit entries = %d, want 1", got)
	}
}

func TestRequestQuoteValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		amount uint64
		addr   string
		chain  string
	}{
		{"bad address", 10_000_000_000_000_000, "not-an-address", testChain},
		{"unknown chain", 10_000_000_000_000_000, testDestAddr, "dogecoin"},
		{"below minimum", 1, testDestAddr, testChain},
		{"above maximum", 2_000_000_000_000_000_000, testDestAddr, testChain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.quotes.RequestQuote(ctx, testUser, tc.amount, tc.addr, tc.chain)
			wantCode(t, err, bridgetypes.ErrCodeValidation)
		})
	}

	if got := h.reserve.Status().Locked; got != 0 {
		t.Errorf("rejected quotes left %d wei locked", got)
	}
}

func TestRequestQuoteChecksummedAddressLowercased(t *testing.T) {
	h := newHarness(t)

	mixed := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	quote, err := h.quotes.RequestQuote(context.Background(), testUser, 10_000_000_000_000_000, mixed, testChain)
	if err != nil {
		t.Fatalf("checksummed address rejected: %v", err)
	}
	if quote.DestinationAddress != testDestAddr {
		t.Errorf("destination = %s, want lowercase %s", quote.DestinationAddress, testDestAddr)
	}
}

func TestRequestQuoteRefusesStalePrice(t *testing.T) {
	h := newHarness(t)
	h.oracle.rate.Stale = true

	_, err := h.quotes.RequestQuote(context.Background(), testUser, 10_000_000_000_000_000, testDestAddr, testChain)
	wantCode(t, err, bridgetypes.ErrCodePriceStale)

	if got := h.reserve.Status().Locked; got != 0 {
		t.Errorf("stale-price rejection left %d wei locked", got)
	}
}

func TestRequestQuoteWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.reserve.Pause("admin-1")

	_, err := h.quotes.RequestQuote(context.Background(), testUser, 10_000_000_000_000_000, testDestAddr, testChain)
	wantCode(t, err, bridgetypes.ErrCodeReservePaused)
}

func TestGetQuoteExpiresOnRead(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)

	h.db.Model(&models.Quote{}).Where("id = ?", quote.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute))

	got, err := h.quotes.GetQuote(quote.ID)
	if err != nil {
		t.Fatalf("get quote failed: %v", err)
	}
	if got.Status != models.QuoteStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if locked := h.reserve.Status().Locked; locked != 0 {
		t.Errorf("expiry left %d wei locked", locked)
	}
	if n := h.auditCount(t, AuditQuoteExpired); n != 1 {
		t.Errorf("quote_expired audit entries = %d, want 1", n)
	}
}

func TestGetQuoteNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.quotes.GetQuote("quote_missing")
	wantCode(t, err, bridgetypes.ErrCodeQuoteNotFound)
}

func TestExpireStaleSweep(t *testing.T) {
	h := newHarness(t)
	q1 := h.newQuote(t, 10_000_000_000_000_000)
	q2 := h.newQuote(t, 20_000_000_000_000_000)
	q3 := h.newQuote(t, 30_000_000_000_000_000)

	past := time.Now().UTC().Add(-time.Minute)
	h.db.Model(&models.Quote{}).Where("id IN ?", []string{q1.ID, q2.ID}).
		Update("expires_at", past)

	if n := h.quotes.ExpireStale(); n != 2 {
		t.Errorf("swept %d quotes, want 2", n)
	}

	survivor, err := h.quotes.GetQuote(q3.ID)
	if err != nil || survivor.Status != models.QuoteStatusActive {
		t.Errorf("unexpired quote touched by sweep: %v %v", survivor, err)
	}
	if locked := h.reserve.Status().Locked; locked != q3.LockedAmount() {
		t.Errorf("locked = %d, want only the surviving quote's %d", locked, q3.LockedAmount())
	}
}

func TestClaimForSettlementSingleWinner(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)

	claimed, err := h.quotes.ClaimForSettlement(quote.ID)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if claimed.Status != models.QuoteStatusSettled {
		t.Errorf("claimed status = %s, want settled", claimed.Status)
	}

	_, err = h.quotes.ClaimForSettlement(quote.ID)
	wantCode(t, err, bridgetypes.ErrCodeQuoteAlreadySettled)
}

func TestClaimForSettlementExpired(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.db.Model(&models.Quote{}).Where("id = ?", quote.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute))

	_, err := h.quotes.ClaimForSettlement(quote.ID)
	wantCode(t, err, bridgetypes.ErrCodeQuoteExpired)
}

func TestUserQuotesScopedToOwner(t *testing.T) {
	h := newHarness(t)
	h.newQuote(t, 10_000_000_000_000_000)
	if _, err := h.quotes.RequestQuote(context.Background(), "bob-principal",
		10_000_000_000_000_000, testDestAddr, testChain); err != nil {
		t.Fatalf("second user's quote failed: %v", err)
	}

	mine, err := h.quotes.UserQuotes(testUser)
	if err != nil {
		t.Fatalf("user quotes failed: %v", err)
	}
	if len(mine) != 1 || mine[0].User != testUser {
		t.Errorf("got %d quotes for %s", len(mine), testUser)
	}
}

func TestConvertWeiToSource(t *testing.T) {
	// 1 ETH at $2000 against a $4 token with 8 decimals: 500 tokens.
	units, err := ConvertWeiToSource(1_000_000_000_000_000_000, 2000, 4, 8, 0)
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if units != 50_000_000_000 {
		t.Errorf("units = %d, want 50000000000", units)
	}

	// Safety margin scales the result.
	units, err = ConvertWeiToSource(1_000_000_000_000_000_000, 2000, 4, 8, 20)
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if units != 60_000_000_000 {
		t.Errorf("units with 20%% margin = %d, want 60000000000", units)
	}

	// Fractional results round up, never down, and never to zero.
	units, err = ConvertWeiToSource(1, 2000, 4, 8, 0)
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if units != 1 {
		t.Errorf("dust conversion = %d, want 1 (rounded up)", units)
	}

	if _, err := ConvertWeiToSource(1_000_000_000_000_000_000, 0, 4, 8, 0); err == nil {
		t.Error("zero ETH price accepted")
	}
	if _, err := ConvertWeiToSource(1_000_000_000_000_000_000, 2000, -1, 8, 0); err == nil {
		t.Error("negative source price accepted")
	}
}
