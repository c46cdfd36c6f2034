package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// FakeGateway is a deterministic in-process gateway for tests and local
// development. The same idempotency key always yields the same reference.
type FakeGateway struct {
	// Decline, when set, returns a non-empty reason to refuse a charge.
	Decline func(req ChargeRequest) string
	// Latency delays each charge; the delay honours ctx cancellation.
	Latency time.Duration

	mu      sync.Mutex
	charges map[string]*ChargeResult
	calls   []ChargeRequest
}

// NewFakeGateway returns a gateway that approves every charge.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{charges: make(map[string]*ChargeResult)}
}

// Charge implements Gateway.
func (g *FakeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.calls = append(g.calls, req)
	if prior, ok := g.charges[req.IdempotencyKey]; ok {
		g.mu.Unlock()
		res := *prior
		return &res, nil
	}
	g.mu.Unlock()

	if g.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.Latency):
		}
	}

	if g.Decline != nil {
		if reason := g.Decline(req); reason != "" {
			return nil, &DeclineError{Reason: reason}
		}
	}

	digest := sha256.Sum256([]byte(req.IdempotencyKey))
	suffix := hex.EncodeToString(digest[:12])
	res := &ChargeResult{
		PaymentRef:  "fake_pi_" + suffix,
		CustomerRef: fmt.Sprintf("fake_cus_%d", req.UserID),
	}
	if req.CustomerRef != "" {
		res.CustomerRef = req.CustomerRef
	}
	if req.Recurring {
		res.SubscriptionRef = "fake_sub_" + suffix
	}

	g.mu.Lock()
	if g.charges == nil {
		g.charges = make(map[string]*ChargeResult)
	}
	g.charges[req.IdempotencyKey] = res
	g.mu.Unlock()

	out := *res
	return &out, nil
}

// Calls returns every request the gateway has seen, including declines.
func (g *FakeGateway) Calls() []ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ChargeRequest, len(g.calls))
	copy(out, g.calls)
	return out
}
