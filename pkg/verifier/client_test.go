package verifier

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nostalgicskinco/veritas-gateway/pkg/verifier/auditrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// fakeEngine scripts the AuditService behaviour per test.
type fakeEngine struct {
	auditrpc.UnimplementedAuditServiceServer

	mu        sync.Mutex
	submitErr error
	fetchErr  error
	// statuses are consumed one per GetAuditResult call; the last one
	// repeats once exhausted.
	statuses []string
	result   auditrpc.AuditResultResponse
	polls    int
}

func (f *fakeEngine) SubmitAudit(ctx context.Context, in *auditrpc.SubmitAuditRequest) (*auditrpc.SubmitAuditResponse, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &auditrpc.SubmitAuditResponse{AuditID: "audit-" + in.RequestID, Status: auditrpc.StatusPending}, nil
}

func (f *fakeEngine) GetAuditResult(ctx context.Context, in *auditrpc.GetAuditResultRequest) (*auditrpc.AuditResultResponse, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	st := f.statuses[len(f.statuses)-1]
	if f.polls <= len(f.statuses) {
		st = f.statuses[f.polls-1]
	}

	out := f.result
	out.Status = st
	return &out, nil
}

func (f *fakeEngine) HealthCheck(ctx context.Context, in *auditrpc.HealthCheckRequest) (*auditrpc.HealthCheckResponse, error) {
	return &auditrpc.HealthCheckResponse{Status: "ok"}, nil
}

// newTestClient wires a Client to an in-process engine over bufconn.
func newTestClient(t *testing.T, engine *fakeEngine, timeout time.Duration) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(auditrpc.Codec{}))
	auditrpc.RegisterAuditServiceServer(srv, engine)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &Client{
		conn:    conn,
		rpc:     auditrpc.NewAuditServiceClient(conn),
		timeout: timeout,
	}
}

func TestEvaluateCompletesAfterPending(t *testing.T) {
	engine := &fakeEngine{
		statuses: []string{auditrpc.StatusPending, auditrpc.StatusPending, auditrpc.StatusCompleted},
		result: auditrpc.AuditResultResponse{
			FaithfulnessScore: 0.92,
			Claims: []auditrpc.Claim{
				{Claim: "Paris is the capital of France", Status: "supported", Confidence: 0.9},
				{Claim: "France is in Asia", Status: "unsupported", Confidence: 0.85},
			},
			ReasoningTrace: "one claim contradicts the knowledge base",
		},
	}
	c := newTestClient(t, engine, 5*time.Second)

	res, err := c.Evaluate(context.Background(), "req-1", "[user]: q", "a")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Score != 0.92 {
		t.Errorf("score = %v, want 0.92", res.Score)
	}
	if len(res.Claims) != 2 {
		t.Fatalf("claims = %d, want 2", len(res.Claims))
	}
	if res.Claims[0].Verdict != "supported" || res.Claims[1].Verdict != "unsupported" {
		t.Errorf("verdicts = %q/%q", res.Claims[0].Verdict, res.Claims[1].Verdict)
	}
	if res.ReasoningTrace == "" {
		t.Error("missing reasoning trace")
	}

	engine.mu.Lock()
	polls := engine.polls
	engine.mu.Unlock()
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestEvaluateFailedStatus(t *testing.T) {
	engine := &fakeEngine{statuses: []string{auditrpc.StatusFailed}}
	c := newTestClient(t, engine, 5*time.Second)

	_, err := c.Evaluate(context.Background(), "req-2", "p", "r")
	if !errors.Is(err, ErrAuditFailed) {
		t.Fatalf("err = %v, want ErrAuditFailed", err)
	}
}

func TestEvaluateTimesOutWhilePending(t *testing.T) {
	engine := &fakeEngine{statuses: []string{auditrpc.StatusPending}}
	c := newTestClient(t, engine, 400*time.Millisecond)

	start := time.Now()
	_, err := c.Evaluate(context.Background(), "req-3", "p", "r")
	if !errors.Is(err, ErrAuditTimeout) {
		t.Fatalf("err = %v, want ErrAuditTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed out after %v, want ~400ms", elapsed)
	}
}

func TestEvaluateSubmitFailure(t *testing.T) {
	engine := &fakeEngine{submitErr: status.Error(codes.Unavailable, "engine overloaded")}
	c := newTestClient(t, engine, time.Second)

	_, err := c.Evaluate(context.Background(), "req-4", "p", "r")
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("err = %v, want ErrSubmissionFailed", err)
	}
}

func TestEvaluateFetchFailure(t *testing.T) {
	engine := &fakeEngine{
		statuses: []string{auditrpc.StatusPending},
		fetchErr: status.Error(codes.Internal, "result store down"),
	}
	c := newTestClient(t, engine, time.Second)

	_, err := c.Evaluate(context.Background(), "req-5", "p", "r")
	if !errors.Is(err, ErrResultFetchFailed) {
		t.Fatalf("err = %v, want ErrResultFetchFailed", err)
	}
}

func TestEvaluateHonoursCancellation(t *testing.T) {
	engine := &fakeEngine{statuses: []string{auditrpc.StatusPending}}
	c := newTestClient(t, engine, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Evaluate(ctx, "req-6", "p", "r")
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("returned after %v, want prompt cancellation", elapsed)
	}
}

func TestPing(t *testing.T) {
	engine := &fakeEngine{statuses: []string{auditrpc.StatusCompleted}}
	c := newTestClient(t, engine, time.Second)

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClose(t *testing.T) {
	engine := &fakeEngine{statuses: []string{auditrpc.StatusCompleted}}
	c := newTestClient(t, engine, time.Second)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
