// Package verifier is the gateway's client for the external verification
// engine. It submits a prompt/response pair, polls until the audit reaches a
// terminal state, and returns a normalized result or a typed failure.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nostalgicskinco/veritas-gateway/pkg/verifier/auditrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Failure taxonomy. Each bubbles up unchanged to the dispatcher; callers
// classify with errors.Is.
var (
	ErrSubmissionFailed  = errors.New("verifier: submission failed")
	ErrResultFetchFailed = errors.New("verifier: result fetch failed")
	ErrAuditFailed       = errors.New("verifier: audit failed")
	ErrAuditTimeout      = errors.New("verifier: audit timed out")
)

const (
	pollInterval    = 100 * time.Millisecond
	maxPollAttempts = 30
	pingTimeout     = 2 * time.Second
)

// Claim is one verified claim as reported by the engine.
type Claim struct {
	Text       string
	Verdict    string
	Confidence float64
}

// Result is a completed audit, normalized for the dispatcher.
type Result struct {
	Score          float64 // overall faithfulness in [0,1]
	Claims         []Claim
	ReasoningTrace string
}

// Client holds the long-lived channel to the verification engine.
type Client struct {
	conn    *grpc.ClientConn
	rpc     auditrpc.AuditServiceClient
	timeout time.Duration
}

// New creates a client for the engine at address. The connection is
// established lazily on first RPC, so New succeeds even when the engine is
// down — the gateway is fail-open.
func New(address string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("verifier: create channel to %s: %w", address, err)
	}

	return &Client{
		conn:    conn,
		rpc:     auditrpc.NewAuditServiceClient(conn),
		timeout: timeout,
	}, nil
}

// Evaluate submits the pair and polls for a terminal result. The outer
// deadline is the configured timeout; within it the poll runs every 100ms for
// at most 30 attempts.
func (c *Client) Evaluate(ctx context.Context, requestID, prompt, response string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sub, err := c.rpc.SubmitAudit(ctx, &auditrpc.SubmitAuditRequest{
		RequestID: requestID,
		Query:     prompt,
		Response:  response,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	req := &auditrpc.GetAuditResultRequest{AuditID: sub.AuditID}
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		res, err := c.rpc.GetAuditResult(ctx, req)
		if err != nil {
			// An expired outer deadline surfaces as an RPC error; report it
			// as the timeout it is, not a fetch failure.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrAuditTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %v", ErrResultFetchFailed, err)
		}

		switch res.Status {
		case auditrpc.StatusCompleted:
			return normalize(res), nil
		case auditrpc.StatusFailed:
			return nil, ErrAuditFailed
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrAuditTimeout, ctx.Err())
		case <-time.After(pollInterval):
		}
	}

	return nil, ErrAuditTimeout
}

// Ping checks engine liveness with a short deadline.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.rpc.HealthCheck(ctx, &auditrpc.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("verifier: ping: %w", err)
	}
	return nil
}

// Close releases the underlying channel.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func normalize(res *auditrpc.AuditResultResponse) *Result {
	claims := make([]Claim, len(res.Claims))
	for i, cl := range res.Claims {
		claims[i] = Claim{
			Text:       cl.Claim,
			Verdict:    cl.Status,
			Confidence: cl.Confidence,
		}
	}
	return &Result{
		Score:          res.FaithfulnessScore,
		Claims:         claims,
		ReasoningTrace: res.ReasoningTrace,
	}
}
