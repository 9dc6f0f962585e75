// Package dispatch owns the bounded verification pipeline between the proxy
// and the subscriber hub: a fixed worker pool drains capture jobs, calls the
// verifier, and publishes results. Submission never blocks the request path;
// under pressure jobs are dropped and counted.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nostalgicskinco/veritas-gateway/pkg/alert"
	"github.com/nostalgicskinco/veritas-gateway/pkg/hub"
	"github.com/nostalgicskinco/veritas-gateway/pkg/verifier"
)

// hallucinationThreshold flags results whose overall score falls below it.
const hallucinationThreshold = 0.8

// Job is one captured prompt/response pair awaiting verification.
type Job struct {
	RequestID   string
	Prompt      string
	Response    string
	Model       string
	Timestamp   time.Time
	UserID      string
	RequestPath string
}

// Verifier is the capability the pool needs from the verification client.
type Verifier interface {
	Evaluate(ctx context.Context, requestID, prompt, response string) (*verifier.Result, error)
}

// Publisher is the capability the pool needs from the hub.
type Publisher interface {
	Broadcast(e *hub.Event)
	PublishJSON(data []byte)
}

// Pool is the fixed-size worker pool over a bounded job queue.
type Pool struct {
	// AlertWebhookURL, when set before Start, receives a notification for
	// every hallucination-flagged result.
	AlertWebhookURL string

	workers  int
	queue    chan *Job
	verifier Verifier
	hub      Publisher
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	dropped  atomic.Int64
}

// NewPool sizes the pool. A nil verifier disables processing (jobs are
// consumed and discarded); a nil hub disables publishing.
func NewPool(numWorkers, queueSize int, v Verifier, h Publisher) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  numWorkers,
		queue:    make(chan *Job, queueSize),
		verifier: v,
		hub:      h,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("dispatcher started (%d workers, queue %d)", p.workers, cap(p.queue))
}

// Stop cancels in-flight verifier calls, closes the queue, and waits for
// every worker to finish its current job.
func (p *Pool) Stop() {
	p.cancel()
	close(p.queue)
	p.wg.Wait()
	log.Printf("dispatcher stopped")
}

// Submit enqueues a job without blocking. On a full queue the job is dropped
// and counted.
func (p *Pool) Submit(job *Job) {
	select {
	case p.queue <- job:
	default:
		p.dropped.Add(1)
		log.Printf("[%s] dispatch queue full, dropping capture job", job.RequestID)
	}
}

// QueueDepth reports the number of jobs waiting.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Dropped reports the cumulative count of jobs shed on submission.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.processJob(id, job)
		}
	}
}

func (p *Pool) processJob(workerID int, job *Job) {
	start := time.Now()

	if p.verifier == nil {
		return
	}

	result, err := p.verifier.Evaluate(p.ctx, job.RequestID, job.Prompt, job.Response)
	if err != nil {
		log.Printf("[%s] worker %d: verification failed: %v", job.RequestID, workerID, err)
		if p.hub != nil {
			p.hub.Broadcast(&hub.Event{
				Type:      "audit_error",
				RequestID: job.RequestID,
				Error:     err.Error(),
			})
		}
		return
	}

	duration := time.Since(start)
	log.Printf("[%s] worker %d: verification complete in %v (score: %.2f, claims: %d)",
		job.RequestID, workerID, duration, result.Score, len(result.Claims))

	if p.hub == nil {
		return
	}

	// The verifier reports a single faithfulness score; relevancy and overall
	// mirror it until the engine grows distinct metrics.
	res := &hub.AuditResult{
		AuditID:               job.RequestID,
		RequestID:             job.RequestID,
		UserQuery:             job.Prompt,
		LLMResponse:           job.Response,
		FaithfulnessScore:     result.Score,
		RelevancyScore:        result.Score,
		OverallScore:          result.Score,
		HallucinationDetected: result.Score < hallucinationThreshold,
		Claims:                convertClaims(result.Claims),
		ReasoningTrace:        result.ReasoningTrace,
		ProcessingTimeMs:      duration.Milliseconds(),
		Timestamp:             time.Now().Format(time.RFC3339),
		Provider:              "proxy",
		Model:                 job.Model,
	}

	p.publish(res)

	if res.HallucinationDetected {
		alert.SendHallucinationAlert(p.AlertWebhookURL, res)
	}
}

// publish serializes the result once and hands it to the hub for fan-out.
func (p *Pool) publish(res *hub.AuditResult) {
	env := hub.Envelope{
		Type:      "audit_result",
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      res,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[%s] marshal audit result: %v", res.RequestID, err)
		return
	}
	p.hub.PublishJSON(data)
}

func convertClaims(claims []verifier.Claim) []hub.ClaimVerification {
	out := make([]hub.ClaimVerification, len(claims))
	for i, c := range claims {
		out[i] = hub.ClaimVerification{
			Claim:      c.Text,
			Status:     mapVerdict(c.Verdict),
			Confidence: c.Confidence,
			Evidence:   []string{},
		}
	}
	return out
}

// mapVerdict folds the verifier's verdict dialects into the broadcast status
// vocabulary. The match is case-insensitive and substring-based so enum
// names, snake_case strings, and prose verdicts all land correctly.
func mapVerdict(verdict string) string {
	v := strings.ToLower(verdict)
	switch {
	case strings.Contains(v, "unsupport"), strings.Contains(v, "contradict"):
		return "UNSUPPORTED"
	case strings.Contains(v, "partial") && strings.Contains(v, "support"):
		return "PARTIALLY_SUPPORTED"
	case strings.Contains(v, "supported"):
		return "SUPPORTED"
	default:
		return "UNSUPPORTED"
	}
}
