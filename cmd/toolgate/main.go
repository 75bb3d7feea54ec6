// Command toolgate runs the policy-gated tool execution daemon: the
// guardrail store, the pre-tool-use interceptors, and the admin gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aymenfurter/toolgate/internal/audit"
	"github.com/aymenfurter/toolgate/internal/config"
	"github.com/aymenfurter/toolgate/internal/gateway"
	"github.com/aymenfurter/toolgate/internal/guardrails"
	"github.com/aymenfurter/toolgate/internal/hitl"
	"github.com/aymenfurter/toolgate/internal/observability"
	"github.com/aymenfurter/toolgate/internal/policy"
	"github.com/aymenfurter/toolgate/internal/reviewer"
	"github.com/aymenfurter/toolgate/internal/shield"
	"github.com/aymenfurter/toolgate/internal/voice"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (YAML, JSON, or JSON5)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if err := run(*configPath, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "toolgate:", err)
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slogger := logger.Slog()

	traceEndpoint := ""
	if cfg.Tracing.Enabled {
		traceEndpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     traceEndpoint,
		SamplingRate: cfg.Tracing.SampleRate,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(ctx) //nolint:errcheck
	}()

	store := guardrails.Open(cfg.Guardrails.ConfigPath, slogger)

	shieldEndpoint := cfg.Shield.Endpoint
	if shieldEndpoint == "" {
		shieldEndpoint = store.Config().ContentSafetyEndpoint
	}
	shieldOpts := []shield.Option{shield.WithLogger(slogger)}
	if cfg.Shield.APIKey != "" {
		shieldOpts = append(shieldOpts, shield.WithTokenSource(shield.StaticToken(cfg.Shield.APIKey)))
	}
	shieldClient := shield.NewClient(shieldEndpoint, shieldOpts...)

	apiKey := cfg.Reviewer.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	model := store.Config().AITLModel
	if model == "" {
		model = cfg.Reviewer.Model
	}
	reviewerOpts := []reviewer.Option{reviewer.WithLogger(slogger)}
	if cfg.Reviewer.Spotlighting != nil {
		reviewerOpts = append(reviewerOpts, reviewer.WithSpotlighting(*cfg.Reviewer.Spotlighting))
	} else {
		reviewerOpts = append(reviewerOpts, reviewer.WithSpotlighting(store.Config().AITLSpotlighting))
	}
	aitl := reviewer.New(func() (reviewer.Backend, error) {
		return reviewer.NewAnthropicBackend(apiKey, model)
	}, reviewerOpts...)

	var phoneVerifier *voice.Verifier
	if cfg.VoiceEnabled() {
		twilio, err := voice.NewTwilioClient(voice.TwilioConfig{
			AccountSID: cfg.Voice.TwilioAccountSID,
			AuthToken:  cfg.Voice.TwilioAuthToken,
			FromNumber: cfg.Voice.FromNumber,
		})
		if err != nil {
			return fmt.Errorf("voice: %w", err)
		}
		phoneVerifier = voice.NewVerifier(twilio,
			func() string { return store.Config().PhoneNumber },
			cfg.Voice.PublicURL+"/voice/webhook",
			slogger)
	}

	auditStore, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer auditStore.Close()

	if cfg.Sandbox.Enabled {
		slogger.Warn("sandbox enabled in config but no provisioner is wired; shell rerouting inactive")
	}

	interceptors := make(map[policy.Context]*hitl.Interceptor, len(policy.KnownContexts()))
	for _, execCtx := range policy.KnownContexts() {
		interceptors[execCtx] = hitl.New(store, execCtx,
			hitl.WithShield(shieldClient),
			hitl.WithReviewer(aitl),
			hitl.WithRecorder(auditStore),
			hitl.WithTracer(tracer),
			hitl.WithLogger(slogger),
		)
	}

	gatewayOpts := []gateway.Option{
		gateway.WithShield(shieldClient),
		gateway.WithAuditLog(auditStore),
		gateway.WithTracer(tracer),
		gateway.WithLogger(slogger),
	}
	if phoneVerifier != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithVoiceWebhook(phoneVerifier.HandleWebhook))
	}
	server := gateway.New(cfg.Server.Host, cfg.Server.Port, store, interceptors, gatewayOpts...)
	if err := server.Start(); err != nil {
		return err
	}

	janitor := gateway.NewJanitor(interceptors, auditStore, shieldClient, cfg.Audit.RetentionDays, slogger)
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	slogger.Info("toolgate running", "addr", server.Addr())
	<-ctx.Done()

	slogger.Info("shutting down")
	janitor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
