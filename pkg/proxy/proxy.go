// Package proxy implements the OpenAI-compatible interception front-end. It
// forwards chat requests to the upstream provider, tees streamed responses
// into an in-memory capture, and submits prompt/response pairs for
// verification off the hot path.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nostalgicskinco/veritas-gateway/pkg/dispatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("veritas-gateway")

// upstreamClient is the shared HTTP client for provider calls. The generous
// per-request ceiling accommodates long streamed completions; the transport
// pools connections across requests.
var upstreamClient = &http.Client{
	Timeout: 5 * time.Minute,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// streamChunkSize is the read granularity on the streaming path.
const streamChunkSize = 1024

// JobSubmitter accepts capture jobs; *dispatch.Pool satisfies it and tests
// inject recorders.
type JobSubmitter interface {
	Submit(job *dispatch.Job)
}

// Config holds front-end configuration.
type Config struct {
	UpstreamURL   string       // e.g. https://api.openai.com
	Dispatcher    JobSubmitter // nil = capture disabled
	VerifierReady bool         // reported by /health
}

// ChatCompletionRequest is the parsed view of an OpenAI chat request. The
// original bytes are kept for forwarding; this view is advisory only.
type ChatCompletionRequest struct {
	Model        string        `json:"model"`
	Messages     []ChatMessage `json:"messages"`
	Stream       bool          `json:"stream,omitempty"`
	Temperature  float64       `json:"temperature,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	User         string        `json:"user,omitempty"`
	TestResponse string        `json:"test_response,omitempty"` // short-circuits the upstream call
}

// ChatMessage is a single role-tagged message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the non-streaming completion envelope.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      ChatMessage  `json:"message"`
	FinishReason string       `json:"finish_reason"`
	Delta        *ChatMessage `json:"delta,omitempty"`
}

// Usage holds token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Handler returns the http.Handler serving the gateway's API surface.
func Handler(cfg Config) http.Handler {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Printf("WARN: invalid upstream URL %q: %v", cfg.UpstreamURL, err)
		upstream = nil
	}

	mux := http.NewServeMux()

	intercept := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handleIntercept(w, r, cfg, r.URL.Path)
	}
	mux.HandleFunc("/v1/chat/completions", intercept)
	mux.HandleFunc("/v1/completions", intercept)

	// Non-completion endpoints are forwarded untouched, no capture.
	forward := forwardHandler(upstream)
	mux.Handle("/v1/models", forward)
	mux.Handle("/v1/models/", forward)
	mux.Handle("/v1/embeddings", forward)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "healthy",
			"version":      "0.1.0",
			"audit_engine": cfg.VerifierReady,
		})
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("# metrics: reserved\n"))
	})

	return mux
}

// forwardHandler builds a transparent reverse proxy for pass-through routes.
func forwardHandler(upstream *url.URL) http.Handler {
	if upstream == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusBadGateway, "upstream not configured")
		})
	}

	rp := httputil.NewSingleHostReverseProxy(upstream)
	rp.Director = func(req *http.Request) {
		req.URL.Scheme = upstream.Scheme
		req.URL.Host = upstream.Host
		req.Host = upstream.Host
	}
	return rp
}

func handleIntercept(w http.ResponseWriter, r *http.Request, cfg Config, endpoint string) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	// Every intercepted response carries the correlation id, error paths
	// included.
	w.Header().Set("X-Request-ID", requestID)

	ctx, span := tracer.Start(r.Context(), "llm.intercept",
		trace.WithAttributes(
			attribute.String("gen_ai.run.id", requestID),
			attribute.String("gen_ai.request.endpoint", endpoint),
		),
	)
	defer span.End()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var chatReq ChatCompletionRequest
	if err := json.Unmarshal(bodyBytes, &chatReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	span.SetAttributes(
		attribute.String("gen_ai.request.model", chatReq.Model),
		attribute.Bool("gen_ai.stream", chatReq.Stream),
	)

	prompt := extractPrompt(chatReq.Messages)
	log.Printf("[%s] intercepted %s (model: %s, stream: %v)",
		requestID, endpoint, chatReq.Model, chatReq.Stream)

	// Test mode: synthesize the completion locally, no upstream call.
	if chatReq.TestResponse != "" {
		handleTestResponse(w, cfg, requestID, prompt, endpoint, chatReq)
		return
	}

	proxyReq, err := http.NewRequestWithContext(ctx, r.Method,
		cfg.UpstreamURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create upstream request")
		return
	}

	// Every request header travels verbatim; Authorization carries the
	// caller's provider key.
	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}
	proxyReq.Header.Set("X-Request-ID", requestID)

	resp, err := upstreamClient.Do(proxyReq)
	if err != nil {
		log.Printf("[%s] upstream request failed: %v", requestID, err)
		span.SetAttributes(attribute.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set("X-Request-ID", requestID)

	// The parsed stream flag is authoritative; the upstream content type is
	// not consulted.
	start := time.Now()
	if chatReq.Stream {
		handleStreaming(w, resp, cfg, requestID, prompt, endpoint, chatReq)
	} else {
		handleBuffered(w, resp, cfg, requestID, prompt, endpoint, chatReq)
	}
	span.SetAttributes(attribute.Int64("gen_ai.duration_ms", time.Since(start).Milliseconds()))
}

// handleStreaming forwards SSE chunks to the client as they arrive while the
// tee records a copy; the capture job is reconstructed at end-of-stream.
func handleStreaming(w http.ResponseWriter, resp *http.Response,
	cfg Config, requestID, prompt, endpoint string, req ChatCompletionRequest) {

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	tee := NewTeeWriter()
	buf := make([]byte, streamChunkSize)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; the capture is abandoned.
				log.Printf("[%s] client write error: %v", requestID, werr)
				return
			}
			tee.Write(buf[:n])
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Mid-stream upstream failure truncates the client response and
			// submits nothing.
			log.Printf("[%s] stream read error: %v", requestID, err)
			return
		}
	}

	captured := tee.String()
	content := extractStreamingContent(captured)
	log.Printf("[%s] stream complete, captured %d bytes, extracted %d chars",
		requestID, len(captured), len(content))

	submitJob(cfg, requestID, prompt, content, endpoint, req)
}

// handleBuffered reads the whole upstream body, extracts the assistant text
// from the completion envelope, and forwards the bytes untouched.
func handleBuffered(w http.ResponseWriter, resp *http.Response,
	cfg Config, requestID, prompt, endpoint string, req ChatCompletionRequest) {

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read upstream response")
		return
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err == nil && len(chatResp.Choices) > 0 {
		content := chatResp.Choices[0].Message.Content
		log.Printf("[%s] buffered response captured (%d chars)", requestID, len(content))
		submitJob(cfg, requestID, prompt, content, endpoint, req)
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(bodyBytes)
}

// handleTestResponse synthesizes a completion envelope from the request's
// test_response field and audits it like a real one.
func handleTestResponse(w http.ResponseWriter, cfg Config,
	requestID, prompt, endpoint string, req ChatCompletionRequest) {

	response := ChatCompletionResponse{
		ID:      "chatcmpl-test-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: req.TestResponse},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(req.TestResponse) / 4,
			TotalTokens:      (len(prompt) + len(req.TestResponse)) / 4,
		},
	}

	submitJob(cfg, requestID, prompt, req.TestResponse, endpoint, req)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-TrustAgent-Mode", "test")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// submitJob hands a captured pair to the dispatcher. Empty captures and
// disabled dispatchers submit nothing.
func submitJob(cfg Config, requestID, prompt, response, endpoint string, req ChatCompletionRequest) {
	if cfg.Dispatcher == nil || response == "" {
		return
	}
	cfg.Dispatcher.Submit(&dispatch.Job{
		RequestID:   requestID,
		Prompt:      prompt,
		Response:    response,
		Model:       req.Model,
		Timestamp:   time.Now(),
		UserID:      req.User,
		RequestPath: endpoint,
	})
}

// extractPrompt folds the conversation into the audit query: system and user
// messages in declared order, each prefixed with its role; assistant turns
// are excluded.
func extractPrompt(messages []ChatMessage) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == "system" || msg.Role == "user" {
			parts = append(parts, "["+msg.Role+"]: "+msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// extractStreamingContent reconstructs the assistant text from a captured SSE
// stream: every data: frame before the first [DONE] contributes its
// choices[0].delta.content, in arrival order.
func extractStreamingContent(sseData string) string {
	var sb strings.Builder
	for _, line := range strings.Split(sseData, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err == nil {
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				sb.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
	}
	return sb.String()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
