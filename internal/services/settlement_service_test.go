package services

import (
	"context"
	"testing"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/models"
	bridgetypes "gasless-bridge/internal/types"
)

func TestSettleHappyPath(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	if settlement.Status != models.SettlementStatusCompleted {
		t.Fatalf("status = %s, want completed (last error: %s)", settlement.Status, settlement.LastError)
	}
	if settlement.TransactionHash == nil || *settlement.TransactionHash == "" {
		t.Error("transaction hash not recorded")
	}
	if settlement.GasUsed == nil || *settlement.GasUsed != 21_000 {
		t.Errorf("gas used = %v, want 21000", settlement.GasUsed)
	}
	if settlement.Nonce == nil || *settlement.Nonce != 5 {
		t.Errorf("nonce = %v, want 5 (chain pending count)", settlement.Nonce)
	}
	if settlement.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	// Reserve accounting: the reservation is gone and the balance shrank by
	// delivery plus the actual gas cost, not the worst-case budget.
	gasCost := uint64(21_000) * (gwei + gwei/2)
	wantSpent := quote.AmountOut + gasCost
	status := h.reserve.Status()
	if status.Locked != 0 {
		t.Errorf("reserve locked = %d after completion, want 0", status.Locked)
	}
	if status.Balance != reserveBalance-wantSpent {
		t.Errorf("reserve balance = %d, want %d", status.Balance, reserveBalance-wantSpent)
	}
	if status.DailyUsed != wantSpent {
		t.Errorf("daily used = %d, want %d", status.DailyUsed, wantSpent)
	}

	final, err := h.quotes.GetQuote(quote.ID)
	if err != nil || final.Status != models.QuoteStatusSettled {
		t.Errorf("quote status = %v %v, want settled", final, err)
	}
	if n := h.auditCount(t, AuditSettlementDone); n != 1 {
		t.Errorf("settlement_completed audit entries = %d, want 1", n)
	}

	// Only one transaction hit the chain.
	if len(h.rpc.sent) != 1 {
		t.Errorf("broadcast %d transactions, want 1", len(h.rpc.sent))
	}
}

func TestSettleIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	first, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	replay, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned settlement %s, want %s", replay.ID, first.ID)
	}
	if len(h.rpc.sent) != 1 {
		t.Errorf("replay broadcast again: %d transactions sent", len(h.rpc.sent))
	}
}

func TestSettleProofReuseAcrossQuotes(t *testing.T) {
	h := newHarness(t)
	q1 := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(q1, "proof-1")

	if _, err := h.settlements.Settle(context.Background(), testUser, q1.ID, "proof-1"); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	// The same proof cannot back a second quote: the replay path returns the
	// first settlement instead of paying out twice.
	q2 := h.newQuote(t, 10_000_000_000_000_000)
	replay, err := h.settlements.Settle(context.Background(), testUser, q2.ID, "proof-1")
	if err != nil {
		t.Fatalf("second settle errored: %v", err)
	}
	if replay.QuoteID != q1.ID {
		t.Errorf("proof paid out against quote %s, want the original %s", replay.QuoteID, q1.ID)
	}
	if len(h.rpc.sent) != 1 {
		t.Errorf("proof reuse broadcast %d transactions, want 1", len(h.rpc.sent))
	}
}

func TestSettlePaymentVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("unknown proof", func(t *testing.T) {
		quote := h.newQuote(t, 10_000_000_000_000_000)
		_, err := h.settlements.Settle(ctx, testUser, quote.ID, "no-such-proof")
		wantCode(t, err, bridgetypes.ErrCodePaymentNotFound)
	})

	t.Run("underpaid", func(t *testing.T) {
		quote := h.newQuote(t, 10_000_000_000_000_000)
		h.ledger.add("short-proof", clientsTransfer(quote.User, testCollector, quote.TotalCost-1, true))
		_, err := h.settlements.Settle(ctx, testUser, quote.ID, "short-proof")
		wantCode(t, err, bridgetypes.ErrCodePaymentMismatch)
	})

	t.Run("not finalized", func(t *testing.T) {
		quote := h.newQuote(t, 10_000_000_000_000_000)
		h.ledger.add("pending-proof", clientsTransfer(quote.User, testCollector, quote.TotalCost, false))
		_, err := h.settlements.Settle(ctx, testUser, quote.ID, "pending-proof")
		wantCode(t, err, bridgetypes.ErrCodePaymentNotFinal)
	})

	t.Run("wrong sender", func(t *testing.T) {
		quote := h.newQuote(t, 10_000_000_000_000_000)
		h.ledger.add("mallory-proof", clientsTransfer("mallory", testCollector, quote.TotalCost, true))
		_, err := h.settlements.Settle(ctx, testUser, quote.ID, "mallory-proof")
		wantCode(t, err, bridgetypes.ErrCodePaymentMismatch)
	})

	// None of the rejected attempts may claim the quote or broadcast.
	if len(h.rpc.sent) != 0 {
		t.Errorf("rejected payments broadcast %d transactions", len(h.rpc.sent))
	}
}

func TestSettleWrongUser(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	_, err := h.settlements.Settle(context.Background(), "bob-principal", quote.ID, "proof-1")
	wantCode(t, err, bridgetypes.ErrCodeQuoteNotFound)
}

func TestSettleRetriesTransientBroadcastError(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	h.rpc.sendQueue = []sendResult{
		{err: bridgetypes.NewError(bridgetypes.ErrCodeRPCTimeout, "rpc request timed out")},
	}

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settlement.Status != models.SettlementStatusCompleted {
		t.Fatalf("status = %s, want completed after retry", settlement.Status)
	}
	if settlement.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", settlement.RetryCount)
	}
	if len(h.rpc.sent) != 2 {
		t.Errorf("broadcast %d transactions, want 2", len(h.rpc.sent))
	}
}

func TestSettleFailsAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	down := bridgetypes.NewError(bridgetypes.ErrCodeAllEndpointsDown, "all rpc endpoints are down")
	h.rpc.sendQueue = []sendResult{{err: down}, {err: down}, {err: down}, {err: down}}

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle returned error instead of a failed settlement: %v", err)
	}
	if settlement.Status != models.SettlementStatusFailed {
		t.Fatalf("status = %s, want failed", settlement.Status)
	}

	// The reservation is released and the quote is dead.
	if locked := h.reserve.Status().Locked; locked != 0 {
		t.Errorf("failed settlement left %d wei locked", locked)
	}
	final, _ := h.quotes.GetQuote(quote.ID)
	if final.Status != models.QuoteStatusFailed {
		t.Errorf("quote status = %s, want failed", final.Status)
	}
	if n := h.auditCount(t, AuditRefundMarked); n != 1 {
		t.Errorf("refund_marked audit entries = %d, want 1", n)
	}

	// The proof stays burned: replaying it reports the consumed state.
	_, err = h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	wantCode(t, err, bridgetypes.ErrCodePaymentAlreadyUsed)
}

func TestSettleTreatsAlreadyKnownAsBroadcast(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	h.rpc.sendQueue = []sendResult{
		{err: bridgetypes.NewError(bridgetypes.ErrCodeRPCError, "rpc error: already known")},
	}

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settlement.Status != models.SettlementStatusCompleted {
		t.Fatalf("status = %s, want completed", settlement.Status)
	}
	// No rebroadcast: the mempool already had the transaction.
	if len(h.rpc.sent) != 1 {
		t.Errorf("broadcast %d transactions, want 1", len(h.rpc.sent))
	}
	if settlement.TransactionHash == nil || len(*settlement.TransactionHash) != 66 {
		t.Errorf("transaction hash = %v, want the locally computed hash", settlement.TransactionHash)
	}
}

func TestSettleResyncsNonceWhenTooLow(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	// First allocation sees pending 5, the node rejects it, the resync sees 9.
	h.rpc.nonceQueue = []uint64{5, 9}
	h.rpc.sendQueue = []sendResult{
		{err: bridgetypes.NewError(bridgetypes.ErrCodeRPCError, "rpc error: nonce too low")},
	}

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settlement.Status != models.SettlementStatusCompleted {
		t.Fatalf("status = %s, want completed", settlement.Status)
	}
	if settlement.Nonce == nil || *settlement.Nonce != 9 {
		t.Errorf("nonce = %v, want resynced 9", settlement.Nonce)
	}

	var row models.ChainNonce
	if err := h.db.First(&row).Error; err != nil {
		t.Fatalf("chain nonce row missing: %v", err)
	}
	if row.NextNonce != 10 {
		t.Errorf("next nonce = %d, want 10", row.NextNonce)
	}
}

func TestSettleRevertedTransaction(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	h.rpc.receipt.Status = 0

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settlement.Status != models.SettlementStatusFailed {
		t.Fatalf("status = %s, want failed", settlement.Status)
	}
	if settlement.LastError == "" {
		t.Error("revert reason not recorded")
	}
	if locked := h.reserve.Status().Locked; locked != 0 {
		t.Errorf("reverted settlement left %d wei locked", locked)
	}
}

func TestSettleWaitsForSlowReceipt(t *testing.T) {
	h := newHarness(t)
	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")

	h.rpc.receiptDelay = 6 // nil receipts for six polls, then confirmed

	settlement, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if settlement.Status != models.SettlementStatusCompleted {
		t.Fatalf("status = %s, want completed after polling", settlement.Status)
	}
}

func TestNonceCounterSurvivesChainLag(t *testing.T) {
	h := newHarness(t)

	// The chain keeps reporting pending 5 while two settlements run back to
	// back. The engine's own counter must hand out 5 then 6.
	q1 := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(q1, "proof-1")
	s1, err := h.settlements.Settle(context.Background(), testUser, q1.ID, "proof-1")
	if err != nil {
		t.Fatalf("first settle failed: %v", err)
	}

	q2 := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(q2, "proof-2")
	s2, err := h.settlements.Settle(context.Background(), testUser, q2.ID, "proof-2")
	if err != nil {
		t.Fatalf("second settle failed: %v", err)
	}

	if *s1.Nonce != 5 || *s2.Nonce != 6 {
		t.Errorf("nonces = %d, %d; want 5, 6", *s1.Nonce, *s2.Nonce)
	}
}

func TestGetSettlementNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.settlements.GetSettlement("settle_missing")
	wantCode(t, err, bridgetypes.ErrCodeSettlementNotFound)
}

func TestSettlementListenersSeeTerminalState(t *testing.T) {
	h := newHarness(t)
	recorder := &transitionRecorder{}
	h.settlements.AddListener(recorder)

	quote := h.newQuote(t, 10_000_000_000_000_000)
	h.payQuote(quote, "proof-1")
	if _, err := h.settlements.Settle(context.Background(), testUser, quote.ID, "proof-1"); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	want := []models.SettlementStatus{
		models.SettlementStatusPending,
		models.SettlementStatusExecuting,
		models.SettlementStatusCompleted,
	}
	if len(recorder.statuses) != len(want) {
		t.Fatalf("saw %d transitions %v, want %v", len(recorder.statuses), recorder.statuses, want)
	}
	for i, status := range want {
		if recorder.statuses[i] != status {
			t.Errorf("transition %d = %s, want %s", i, recorder.statuses[i], status)
		}
	}
}

type transitionRecorder struct {
	statuses []models.SettlementStatus
}

func (r *transitionRecorder) SettlementUpdated(settlement *models.Settlement) {
	r.statuses = append(r.statuses, settlement.Status)
}

func clientsTransfer(from, to string, amount uint64, finalized bool) clients.LedgerTransfer {
	return clients.LedgerTransfer{From: from, To: to, Amount: amount, Finalized: finalized}
}
