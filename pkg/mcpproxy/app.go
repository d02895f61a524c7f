// Package mcpproxy wires the gateway's request-processing pipeline into an
// embeddable http.Handler: an Option-configured App built once at startup,
// whose Handler serves /mcp/:publicId/* for the lifetime of the process.
package mcpproxy

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wtfsayo/mcpay-sub002/internal/analytics"
	"github.com/wtfsayo/mcpay-sub002/internal/autosigner"
	"github.com/wtfsayo/mcpay-sub002/internal/cache"
	"github.com/wtfsayo/mcpay-sub002/internal/circuitbreaker"
	"github.com/wtfsayo/mcpay-sub002/internal/config"
	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/identity"
	"github.com/wtfsayo/mcpay-sub002/internal/metrics"
	"github.com/wtfsayo/mcpay-sub002/internal/observability"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline/stages"
	"github.com/wtfsayo/mcpay-sub002/internal/ratehost"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
	"github.com/wtfsayo/mcpay-sub002/internal/upstream"
	"github.com/wtfsayo/mcpay-sub002/pkg/x402/solana"
)

// App holds the assembled pipeline and its leaf collaborators.
type App struct {
	Store       storage.GatewayStore
	Cache       *cache.ResponseCache
	RateTable   *ratehost.Table
	Upstream    *upstream.Client
	Facilitator *facilitator.Router
	AutoSigner  autosigner.AutoSigner
	Resolver    *identity.Resolver
	Analytics   *analytics.Recorder
	Hooks       *observability.Registry

	runner             *pipeline.Runner
	solanaVerifier     *solana.SolanaVerifier
	ownsSolanaVerifier bool
	maxBodyBytes       int64
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store          storage.GatewayStore
	session        identity.SessionProvider
	autoSigner     autosigner.AutoSigner
	solanaVerifier *solana.SolanaVerifier
	hooks          *observability.Registry
	metrics        *metrics.Metrics
}

// WithStore sets a custom GatewayStore backend.
func WithStore(store storage.GatewayStore) Option {
	return func(o *options) { o.store = store }
}

// WithSessionProvider injects an external session resolver (cookies/JWT).
func WithSessionProvider(p identity.SessionProvider) Option {
	return func(o *options) { o.session = p }
}

// WithAutoSigner overrides the managed-wallet auto-signer.
func WithAutoSigner(signer autosigner.AutoSigner) Option {
	return func(o *options) { o.autoSigner = signer }
}

// WithSolanaVerifier injects an already-constructed Solana verifier instead
// of letting NewApp open its own RPC/WS connection.
func WithSolanaVerifier(v *solana.SolanaVerifier) Option {
	return func(o *options) { o.solanaVerifier = v }
}

// WithHooks injects an observability registry instead of letting NewApp
// build its own with a PrometheusHook wired to WithMetrics' collector.
func WithHooks(hooks *observability.Registry) Option {
	return func(o *options) { o.hooks = hooks }
}

// WithMetrics sets the Prometheus collector NewApp's default observability
// registry reports payment/settlement events to. Ignored if WithHooks is
// also given.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewApp assembles the gateway pipeline for embedding or standalone use.
func NewApp(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{Hooks: optState.hooks}
	if app.Hooks == nil {
		app.Hooks = observability.NewRegistry(logger)
		if optState.metrics != nil {
			app.Hooks.RegisterPaymentHook(observability.NewPrometheusHook(optState.metrics))
		}
	}

	if optState.store != nil {
		app.Store = optState.store
	} else {
		app.Store = storage.NewMemoryGatewayStore()
	}

	var sessionProvider identity.SessionProvider
	if optState.session != nil {
		sessionProvider = optState.session
	} else if cfg.Identity.SessionSigningKey != "" {
		sessionProvider = identity.NewJWTSessionProvider(
			[]byte(cfg.Identity.SessionSigningKey),
			cfg.Identity.SessionTTL.Duration,
			"mcpay-gateway",
		)
	}
	app.Resolver = identity.New(app.Store, sessionProvider)

	app.Cache = cache.New(cache.Config{
		CoingeckoTTL: cfg.Pipeline.CoingeckoCacheTTL.Duration,
		APITTL:       cfg.Pipeline.APICacheTTL.Duration,
		DefaultTTL:   cfg.Pipeline.DefaultCacheTTL.Duration,
		MaxCacheSize: cfg.Pipeline.MaxCacheSize,
	})

	app.RateTable = ratehost.New(ratehost.Config{
		MinRequestDelay: cfg.Pipeline.MinRequestDelay.Duration,
		MaxPerMinute:    cfg.Pipeline.MaxRequestsPerMinute,
		WindowLength:    60 * time.Second,
	})

	cb := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	app.Upstream = upstream.New(&http.Client{Timeout: cfg.Pipeline.UpstreamTimeout.Duration}, upstream.Config{
		BaseDelay:  cfg.Pipeline.BaseRetryDelay.Duration,
		MaxRetries: cfg.Pipeline.MaxRetries,
	}, cb)

	router := facilitator.NewRouter(cb)
	if cfg.Facilitator.EVM.RPCURL != "" && cfg.Facilitator.EVM.RelayerKeyHex != "" {
		evmClient, err := facilitator.NewEVMClient(facilitator.EVMConfig{
			RPCURL:        cfg.Facilitator.EVM.RPCURL,
			RelayerKeyHex: cfg.Facilitator.EVM.RelayerKeyHex,
			ChainID:       cfg.Facilitator.EVM.ChainID,
			TokenName:     cfg.Facilitator.EVM.TokenName,
		}, logger)
		if err != nil {
			return nil, err
		}
		router.Register(cfg.Facilitator.EVM.Network, evmClient)
	}

	if optState.solanaVerifier != nil {
		app.solanaVerifier = optState.solanaVerifier
	} else if cfg.Facilitator.Solana.TokenMint != "" && cfg.X402.RPCURL != "" {
		verifier, err := solana.NewSolanaVerifier(cfg.X402.RPCURL, cfg.X402.WSURL)
		if err != nil {
			return nil, err
		}
		app.solanaVerifier = verifier
		app.ownsSolanaVerifier = true
	}
	if app.solanaVerifier != nil {
		router.Register(cfg.Facilitator.Solana.Network, facilitator.NewSolanaClient(
			app.solanaVerifier, cfg.Facilitator.Solana.TokenMint, cfg.Facilitator.Solana.Recipient,
		))
	}
	app.Facilitator = router

	if optState.autoSigner != nil {
		app.AutoSigner = optState.autoSigner
	}
	// Else: no managed-wallet custody provider configured. AutoSigner stays
	// nil and PaymentPreAuth falls back to requiring a client-supplied
	// X-PAYMENT header.

	app.Analytics = analytics.New(app.Store, logger)
	app.maxBodyBytes = cfg.Pipeline.MaxRequestBodyBytes

	app.runner = pipeline.New(buildStages(app, cfg), logger)

	return app, nil
}

func buildStages(app *App, cfg *config.Config) []pipeline.Stage {
	publicURL := cfg.Pipeline.GatewayOrigin
	if publicURL == "" {
		publicURL = "https://gateway.mcpay.local"
	}

	capture := stages.NewPaymentCapture(app.Facilitator, app.Store, cfg.Pipeline.PaymentCapturePolicy)
	if app.Hooks != nil {
		capture.SetHooks(app.Hooks)
	}

	return []pipeline.Stage{
		stages.NewAuthResolve(app.Resolver),
		stages.NewTiming(),
		stages.NewJsonRpcGate(),
		stages.NewInspect(app.Store, int(cfg.Pipeline.MaxRequestBodyBytes)),
		stages.NewBrowserHeaders(publicURL),
		stages.NewForward(),
		stages.NewCacheRead(app.Cache),
		stages.NewRateLimit(app.RateTable),
		stages.NewPaymentPreAuth(app.Facilitator, app.AutoSigner, app.Resolver),
		stages.NewUpstream(app.Upstream),
		stages.NewCacheWrite(app.Cache),
		capture,
		stages.NewMirror(),
		stages.NewAnalytics(app.Analytics),
	}
}

// Handler returns the http.Handler serving /mcp/:publicId/*.
func (a *App) Handler() http.Handler {
	return &gatewayHandler{runner: a.runner, maxBodyBytes: a.maxBodyBytes}
}

// Close releases resources owned by the app. A Solana verifier injected via
// WithSolanaVerifier belongs to its constructor, not this App, and is left
// running.
func (a *App) Close() error {
	if a.solanaVerifier != nil && a.ownsSolanaVerifier {
		a.solanaVerifier.Close()
	}
	return nil
}
