// Command gateway runs the TensorZero-compatible inference gateway: it loads
// a model/function/metric config, wires a provider for every configured
// (model, provider) pair, and serves the HTTP surface in internal/httpapi.
//
// # Configuration
//
// The config file path is the command's first argument; its shape is a
// three-map (models/functions/metrics) YAML document, loaded by
// internal/config.Load.
//
// # Environment variables
//
//	GATEWAY_ADDR                        - HTTP listen address (default: ":3000")
//	CLICKHOUSE_URL / POSTGRES_URL        - observability store DSN; falls back to an in-memory store when unset
//	REDIS_URL                            - cache backend DSN; falls back to an in-memory cache when unset
//	TENSORZERO_CLICKHOUSE_BATCH_WRITES   - toggles async-batched observability writes (read by internal/store/postgres)
//	TEMPORAL_HOST_PORT                   - enables the durable batch-poll worker when set
//	Provider credential env vars (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) are read per-provider via each model's configured credentials.kind.
//
// # Exit codes
//
// 0 success (graceful shutdown); 1 config error; 2 runtime fatal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tensorzero/tensorzero-sub020/internal/batch"
	"github.com/tensorzero/tensorzero-sub020/internal/batch/temporal"
	"github.com/tensorzero/tensorzero-sub020/internal/cache"
	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/dispatch"
	"github.com/tensorzero/tensorzero-sub020/internal/httpapi"
	"github.com/tensorzero/tensorzero-sub020/internal/modeltable"
	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/anthropic"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/bedrock"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/dummy"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/openaicompat"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/relay"
	"github.com/tensorzero/tensorzero-sub020/internal/provider/vertex"
	"github.com/tensorzero/tensorzero-sub020/internal/store"
	"github.com/tensorzero/tensorzero-sub020/internal/store/memory"
	"github.com/tensorzero/tensorzero-sub020/internal/store/postgres"
	tztemporal "github.com/tensorzero/tensorzero-sub020/internal/telemetry"
	temporalclient "go.temporal.io/sdk/client"
)

// defaultMaxTokens bounds completions for providers whose wire protocol
// requires a max_tokens value but whose config.ModelProvider carries none
// (Anthropic, Bedrock).
const defaultMaxTokens = 4096

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gateway <config-file>")
		return 1
	}

	logger := tztemporal.NewZapLogger(zap.Must(zap.NewProduction()))

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: read config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: load config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := buildStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: build store: %v\n", err)
		return 2
	}
	defer closeStore()

	table, err := modeltable.Build(cfg, providerFactories())
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: build model table: %v\n", err)
		return 1
	}

	ch, cacheMode := buildCache(logger)

	d, err := dispatch.New(
		dispatch.WithConfig(cfg),
		dispatch.WithModelTable(table),
		dispatch.WithStore(st),
		dispatch.WithCache(ch, cacheMode),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: build dispatcher: %v\n", err)
		return 2
	}

	be := batch.New(cfg, table, st)
	stopPoller := maybeStartTemporalPoller(be, logger)
	defer stopPoller()

	srv := httpapi.New(cfg, d, be, st, logger)

	addr := envOr("GATEWAY_ADDR", ":3000")
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "gateway listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "gateway: serve: %v\n", err)
		return 2
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: shutdown: %v\n", err)
		return 2
	}
	d.Shutdown(30 * time.Second)
	return 0
}

// buildStore connects to Postgres when POSTGRES_URL (or the legacy
// CLICKHOUSE_URL name, kept for config-file compatibility with deployments
// that haven't renamed their env var yet) is set, falling back to the
// in-memory store otherwise.
func buildStore(ctx context.Context) (store.Store, func(), error) {
	dsn := firstNonEmpty(os.Getenv("POSTGRES_URL"), os.Getenv("CLICKHOUSE_URL"))
	if dsn == "" {
		return memory.New(), func() {}, nil
	}
	st, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to observability store: %w", err)
	}
	return st, st.Close, nil
}

// buildCache connects to Redis/Valkey when REDIS_URL is set, otherwise uses
// the in-process memory backend. Both run in cache.On mode.
func buildCache(logger tztemporal.Logger) (*cache.Cache, cache.EnabledMode) {
	logFn := func(msg string, keyvals ...any) {
		logger.Info(context.Background(), msg, keyvals...)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			opts = &redis.Options{Addr: url}
		}
		rdb := redis.NewClient(opts)
		return cache.New(cache.NewValkeyBackend(rdb, "tensorzero:", time.Hour), time.Hour, logFn), cache.On
	}
	return cache.New(cache.NewMemoryBackend(), time.Hour, logFn), cache.On
}

// providerFactories registers a modeltable.ProviderFactory for every
// config.ProviderKind. OpenAI-compatible backends (OpenAI itself, Azure,
// Fireworks, Together, Mistral, vLLM, Ollama, SGLang, xAI, Hyperbolic) all
// route through openaicompat with per-vendor Quirks.
func providerFactories() map[config.ProviderKind]modeltable.ProviderFactory {
	openAICompatFactory := func(quirks openaicompat.Quirks) modeltable.ProviderFactory {
		return func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return openaicompat.NewFromBaseURL(credential, pc.BaseURL, pc.ModelName, quirks)
		}
	}

	return map[config.ProviderKind]modeltable.ProviderFactory{
		config.ProviderDummy: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return dummy.New(pc.ModelName), nil
		},
		config.ProviderAnthropic: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return anthropic.NewFromAPIKey(credential, pc.ModelName, defaultMaxTokens)
		},
		config.ProviderAWSBedrock: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(pc.Region))
			if err != nil {
				return nil, fmt.Errorf("bedrock: load aws config: %w", err)
			}
			return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), pc.ModelName, defaultMaxTokens)
		},
		config.ProviderGCPVertex: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			creds, err := google.FindDefaultCredentials(context.Background(), "https://www.googleapis.com/auth/cloud-platform")
			if err != nil {
				return nil, fmt.Errorf("vertex: find default credentials: %w", err)
			}
			return vertex.New(vertexTokenSource{creds.TokenSource}, envOr("GCP_PROJECT_ID", ""), pc.Region, pc.ModelName)
		},
		config.ProviderRelay: func(pc config.ModelProvider, credential string) (provider.InferenceProvider, error) {
			return relay.New(pc.RelayGatewayURL, nil)
		},
		config.ProviderOpenAI:         openAICompatFactory(openaicompat.Quirks{}),
		config.ProviderAzureOpenAI:    openAICompatFactory(openaicompat.Quirks{}),
		config.ProviderFireworks:      openAICompatFactory(openaicompat.Quirks{}),
		config.ProviderTogether:       openAICompatFactory(openaicompat.Quirks{}),
		config.ProviderMistral:        openAICompatFactory(openaicompat.Quirks{}),
		config.ProviderVLLM:           openAICompatFactory(openaicompat.Quirks{NoStrictTools: true}),
		config.ProviderOllama:         openAICompatFactory(openaicompat.Quirks{NoStrictTools: true}),
		config.ProviderSGLang:         openAICompatFactory(openaicompat.Quirks{JSONModeRequiresSchema: true, NoStrictTools: true}),
		config.ProviderXAI:            openAICompatFactory(openaicompat.Quirks{NoStrictTools: true}),
		config.ProviderHyperbolic:     openAICompatFactory(openaicompat.Quirks{NoStrictTools: true}),
		config.ProviderGoogleAIStudio: openAICompatFactory(openaicompat.Quirks{}),
	}
}

// vertexTokenSource adapts an oauth2.TokenSource (as returned by
// google.FindDefaultCredentials) to vertex.TokenSource's context-aware,
// string-returning shape.
type vertexTokenSource struct {
	src oauth2.TokenSource
}

func (v vertexTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := v.src.Token()
	if err != nil {
		return "", fmt.Errorf("vertex: refresh token: %w", err)
	}
	return tok.AccessToken, nil
}

// maybeStartTemporalPoller starts the durable batch-poll worker when
// TEMPORAL_HOST_PORT is set. The returned stop function is a no-op in every
// case; a started worker is not stopped by it.
func maybeStartTemporalPoller(be *batch.Engine, logger tztemporal.Logger) func() {
	hostPort := os.Getenv("TEMPORAL_HOST_PORT")
	if hostPort == "" {
		return func() {}
	}
	poller := temporal.New(be, temporal.Options{
		ClientOptions: &temporalclient.Options{HostPort: hostPort},
		TaskQueue:     envOr("TEMPORAL_TASK_QUEUE", "tensorzero-batch-poll"),
		Logger:        logger,
	})
	if err := poller.EnsureWorker(); err != nil {
		logger.Error(context.Background(), "temporal worker did not start", "host_port", hostPort, "error", err)
	}
	return func() {}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
