// Command gateway starts the Veritas Gateway — an OpenAI-compatible
// interception proxy that audits every completion for hallucinations and
// streams the verdicts to live monitoring subscribers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nostalgicskinco/veritas-gateway/pkg/config"
	"github.com/nostalgicskinco/veritas-gateway/pkg/dispatch"
	"github.com/nostalgicskinco/veritas-gateway/pkg/hub"
	"github.com/nostalgicskinco/veritas-gateway/pkg/proxy"
	"github.com/nostalgicskinco/veritas-gateway/pkg/verifier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_FILE", ""), "optional YAML config file")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.ApplyFile(*configPath); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.LogLevel == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	log.Printf("Veritas Gateway starting")
	log.Printf("  API port:      %d", cfg.Port)
	log.Printf("  WS port:       %d", cfg.WSPort)
	log.Printf("  Upstream:      %s", cfg.UpstreamURL)
	log.Printf("  Verifier:      %s", cfg.GRPCAddress)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- OTel tracing (best-effort; gateway works without it) ---
	tp, err := initTracer(ctx)
	if err != nil {
		log.Printf("WARN: OTel tracing disabled: %v", err)
	} else if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	// --- Verifier channel (fail-open: audits are skipped when the channel
	// cannot be created; an unreachable engine fails each audit instead) ---
	auditClient, err := verifier.New(cfg.GRPCAddress, cfg.GRPCTimeout)
	if err != nil {
		log.Printf("WARN: verifier channel unavailable: %v (audits will be skipped)", err)
	} else if perr := auditClient.Ping(ctx); perr != nil {
		log.Printf("WARN: verifier not responding at %s: %v (will keep trying per audit)", cfg.GRPCAddress, perr)
	} else {
		log.Printf("verifier reachable at %s", cfg.GRPCAddress)
	}

	// --- Subscriber hub ---
	h := hub.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go h.Run(hubCtx)

	// --- Dispatcher ---
	var v dispatch.Verifier
	if auditClient != nil {
		v = auditClient
	}
	pool := dispatch.NewPool(cfg.WorkerCount, cfg.QueueSize, v, h)
	pool.AlertWebhookURL = cfg.AlertWebhookURL
	pool.Start()

	// --- HTTP servers ---
	apiHandler := proxy.RequestLog(proxy.CORS(proxy.Recover(proxy.Handler(proxy.Config{
		UpstreamURL:   cfg.UpstreamURL,
		Dispatcher:    pool,
		VerifierReady: auditClient != nil,
	}))))

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(h, w, r)
	})

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      apiHandler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WSPort),
		Handler: proxy.RequestLog(proxy.CORS(proxy.Recover(wsMux))),
	}

	go func() {
		log.Printf("API server listening on :%d -> %s", cfg.Port, cfg.UpstreamURL)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server: %v", err)
		}
	}()
	go func() {
		log.Printf("subscriber server listening on :%d (/ws)", cfg.WSPort)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("subscriber server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()

	if err := apiServer.Shutdown(shutCtx); err != nil {
		log.Printf("API server shutdown: %v", err)
	}
	if err := wsServer.Shutdown(shutCtx); err != nil {
		log.Printf("subscriber server shutdown: %v", err)
	}

	hubCancel()
	pool.Stop()
	if auditClient != nil {
		auditClient.Close()
	}

	log.Println("shutdown complete")
}

func initTracer(ctx context.Context) (*sdktrace.TracerProvider, error) {
	endpoint := envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" {
		return nil, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("veritas-gateway"),
		semconv.ServiceVersion("0.1.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
