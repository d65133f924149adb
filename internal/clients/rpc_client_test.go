package clients

import (
	"context"
	"fmt"
	"testing"
	"time"

	bridgetypes "gasless-bridge/internal/types"
)

// nodeError mimics a structured JSON-RPC error from a healthy node.
type nodeError struct {
	code int
	msg  string
}

func (e *nodeError) Error() string  { return e.msg }
func (e *nodeError) ErrorCode() int { return e.code }

func TestClassifyRPCError(t *testing.T) {
	err := classifyRPCError(context.DeadlineExceeded)
	if !bridgetypes.IsCode(err, bridgetypes.ErrCodeRPCTimeout) {
		t.Errorf("deadline exceeded classified as %v, want RPC_TIMEOUT", err)
	}

	err = classifyRPCError(&nodeError{code: -32000, msg: "nonce too low"})
	if !bridgetypes.IsCode(err, bridgetypes.ErrCodeRPCError) {
		t.Errorf("node error classified as %v, want RPC_ERROR", err)
	}

	err = classifyRPCError(fmt.Errorf("connection refused"))
	if !bridgetypes.IsCode(err, bridgetypes.ErrCodeRPCBadResponse) {
		t.Errorf("transport error classified as %v, want RPC_BAD_RESPONSE", err)
	}

	wrapped := fmt.Errorf("call failed: %w", context.DeadlineExceeded)
	if !bridgetypes.IsCode(classifyRPCError(wrapped), bridgetypes.ErrCodeRPCTimeout) {
		t.Error("wrapped deadline not unwrapped")
	}
}

func TestNodeErrorStaysTransient(t *testing.T) {
	// Node-side errors like nonce conflicts are answers the settlement engine
	// inspects, and it may retry them on a fresh nonce.
	err := classifyRPCError(&nodeError{code: -32000, msg: "already known"})
	if !bridgetypes.Transient(err) {
		t.Error("node error not classified as retryable")
	}
}

func TestEndpointCooldownBackoff(t *testing.T) {
	e := &endpoint{url: "http://node-a"}

	e.recordFailure()
	first := e.cooldownUntil
	if first.IsZero() {
		t.Fatal("failure did not start a cooldown")
	}

	e.recordFailure()
	if !e.cooldownUntil.After(first) {
		t.Error("second failure did not extend the cooldown")
	}
	if e.failureCount != 2 {
		t.Errorf("failure count = %d, want 2", e.failureCount)
	}

	// Deep failure streaks cap at the maximum cooldown.
	for i := 0; i < 20; i++ {
		e.recordFailure()
	}
	remaining := e.cooldownUntil.Sub(nowForTest())
	if remaining > cooldownMax {
		t.Errorf("cooldown %s exceeds cap %s", remaining, cooldownMax)
	}

	e.recordSuccess(0)
	if e.failureCount != 0 || !e.cooldownUntil.IsZero() {
		t.Errorf("success did not reset health: count=%d cooldown=%s", e.failureCount, e.cooldownUntil)
	}
}

func TestEndpointAvailability(t *testing.T) {
	e := &endpoint{url: "http://node-a"}
	now := nowForTest()

	if !e.available(now) {
		t.Error("fresh endpoint unavailable")
	}

	e.recordFailure()
	if e.available(nowForTest()) {
		t.Error("cooling endpoint still available")
	}

	e.disabled = true
	e.cooldownUntil = nowForTest().Add(-cooldownMax)
	if e.available(nowForTest()) {
		t.Error("disabled endpoint available")
	}
}

func TestNewRPCPoolRequiresEndpoints(t *testing.T) {
	if _, err := NewRPCPool("base-sepolia", 84532, nil); err == nil {
		t.Error("empty endpoint list accepted")
	}
	pool, err := NewRPCPool("base-sepolia", 84532, []string{"http://localhost:8545", "http://localhost:8546"})
	if err != nil {
		t.Fatalf("pool construction failed: %v", err)
	}
	if len(pool.endpoints) != 2 {
		t.Errorf("pool has %d endpoints, want 2", len(pool.endpoints))
	}
	stats := pool.Stats()
	if len(stats.Endpoints) != 2 {
		t.Errorf("stats report %d endpoints, want 2", len(stats.Endpoints))
	}
	for _, es := range stats.Endpoints {
		if !es.Healthy {
			t.Errorf("undialed endpoint %s reported unhealthy", es.URL)
		}
	}
}

func TestOrderedPrefersFastEndpoints(t *testing.T) {
	pool, err := NewRPCPool("base-sepolia", 84532, []string{"http://slow", "http://fast"})
	if err != nil {
		t.Fatalf("pool construction failed: %v", err)
	}
	pool.endpoints[0].recordSuccess(200_000_000) // 200ms
	pool.endpoints[1].recordSuccess(20_000_000)  // 20ms

	ordered := pool.ordered()
	if len(ordered) != 2 || ordered[0].url != "http://fast" {
		t.Errorf("ordered[0] = %s, want the fast endpoint", ordered[0].url)
	}

	// A cooling endpoint drops out of rotation entirely.
	pool.endpoints[1].recordFailure()
	ordered = pool.ordered()
	if len(ordered) != 1 || ordered[0].url != "http://slow" {
		t.Errorf("ordered = %v, want only the healthy endpoint", urls(ordered))
	}

	// With everything cooling, the full list returns so recovery is possible.
	pool.endpoints[0].recordFailure()
	if got := len(pool.ordered()); got != 2 {
		t.Errorf("ordered while all cooling = %d endpoints, want 2", got)
	}
}

func urls(endpoints []*endpoint) []string {
	out := make([]string, len(endpoints))
	for i, e := range endpoints {
		out[i] = e.url
	}
	return out
}

func nowForTest() time.Time { return time.Now() }
