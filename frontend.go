// Package frontend implements the RPC frontend of a confidential,
// replicated transaction service: the boundary component that admits,
// authenticates, routes, and drives committed execution of already-parsed
// client requests against a versioned key-value store and a consensus
// layer.
package frontend

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/rpcfrontend/internal/callerid"
	"pkt.systems/rpcfrontend/internal/consensus"
	"pkt.systems/rpcfrontend/internal/correlation"
	"pkt.systems/rpcfrontend/internal/metrics"
	"pkt.systems/rpcfrontend/internal/svcfields"
	"pkt.systems/rpcfrontend/internal/verifiers"
)

const (
	defaultMaxAttempts      = 30
	defaultSigTxInterval    = 5000
	defaultSigMSInterval    = 1000 * time.Millisecond
	defaultInvalidCallerMsg = "Invalid caller identity."
	defaultSignedHeaderList = "(request-target) digest content-type"
)

// Config constructs a Frontend, following the per-component Config-struct
// idiom used by internal/tcleader.Config and internal/tccluster's
// NewStore parameters.
type Config struct {
	Name string

	Registry Registry
	Store    Store
	Forwarder Forwarder

	Logger pslog.Logger
	Tracer trace.Tracer
	Metrics *metrics.Metrics

	MaxAttempts int

	SigTxInterval int64
	SigMSInterval time.Duration

	ClientSignaturesTable  string
	RequestStoringDisabled bool

	InvalidCallerMessage string
	SignedHeaderList     string

	// ResolveCallerID and LookupForwardedCallerCert are extension hooks
	// standing in for a resolve_caller_id / lookup_forwarded_caller_cert
	// override. Nil defaults to the registry-backed behavior.
	ResolveCallerID           func(reqCtx Context) string
	LookupForwardedCallerCert func(reqCtx Context) (callerid.ID, bool)

	// Abort is invoked on a KV serialization failure, per the process-wide
	// abort contract. Defaults to a real process exit; tests inject a
	// recording stub to assert the fatal path was reached without killing
	// the test binary.
	Abort func(reason string)
}

// Frontend is the stateful, per-actor RPC frontend object.
type Frontend struct {
	name string

	registry  Registry
	store     Store
	forwarder Forwarder

	logger pslog.Logger
	tracer trace.Tracer
	metrics *metrics.Metrics

	maxAttempts int

	sigTxInterval int64
	sigMSInterval time.Duration
	msToSig       int64

	clientSignaturesTable  string
	requestStoringDisabled bool

	invalidCallerMessage string
	signedHeaderList     string

	resolveCallerID           func(reqCtx Context) string
	lookupForwardedCallerCert func(reqCtx Context) (callerid.ID, bool)

	abort func(reason string)

	lifecycle lifecycleGate

	verifierCache *verifiers.Cache

	txCount atomic.Int64

	lastSigEmitNano atomic.Int64

	consensus consensus.Consensus
	history   consensus.History
}

// New constructs a Frontend from cfg.
func New(cfg Config) (*Frontend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "frontend")

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sigTxInterval := cfg.SigTxInterval
	if sigTxInterval <= 0 {
		sigTxInterval = defaultSigTxInterval
	}
	sigMSInterval := cfg.SigMSInterval
	if sigMSInterval <= 0 {
		sigMSInterval = defaultSigMSInterval
	}
	invalidCallerMessage := cfg.InvalidCallerMessage
	if invalidCallerMessage == "" {
		invalidCallerMessage = defaultInvalidCallerMsg
	}
	signedHeaderList := cfg.SignedHeaderList
	if signedHeaderList == "" {
		signedHeaderList = defaultSignedHeaderList
	}
	abort := cfg.Abort
	if abort == nil {
		abort = defaultAbort(logger)
	}

	f := &Frontend{
		name:                      cfg.Name,
		registry:                  cfg.Registry,
		store:                     cfg.Store,
		forwarder:                 cfg.Forwarder,
		logger:                    logger,
		tracer:                    cfg.Tracer,
		metrics:                   cfg.Metrics,
		maxAttempts:               maxAttempts,
		sigTxInterval:             sigTxInterval,
		sigMSInterval:             sigMSInterval,
		msToSig:                   sigMSInterval.Milliseconds(),
		clientSignaturesTable:     cfg.ClientSignaturesTable,
		requestStoringDisabled:    cfg.RequestStoringDisabled,
		invalidCallerMessage:      invalidCallerMessage,
		signedHeaderList:          signedHeaderList,
		resolveCallerID:           cfg.ResolveCallerID,
		lookupForwardedCallerCert: cfg.LookupForwardedCallerCert,
		abort:                     abort,
		verifierCache:             verifiers.NewCache(),
	}
	return f, nil
}

// defaultAbort logs the reason and exits the process immediately, per the
// crash-consistency contract: a KV serialization failure must not be
// allowed to continue running against corrupted state.
func defaultAbort(logger pslog.Logger) func(string) {
	return func(reason string) {
		logger.Error("frontend.abort", "reason", reason)
		os.Exit(1)
	}
}

// refreshCollaborators re-reads the consensus and history pointers from
// the store; these are plain pointers refreshed at each entry rather than
// cached for the object's lifetime.
func (f *Frontend) refreshCollaborators() {
	if f.store == nil {
		return
	}
	f.consensus = f.store.GetConsensus()
	f.history = f.store.GetHistory()
	f.registry.SetConsensus(f.consensus)
	f.registry.SetHistory(f.history)
}

// isPrimary reports whether this replica should treat the request as
// primary: a create request always qualifies; otherwise it defers to
// consensus.
func (f *Frontend) isPrimary(reqCtx Context) bool {
	if f.consensus == nil {
		return true
	}
	if reqCtx.IsCreateRequest() {
		return true
	}
	return f.consensus.IsPrimary()
}

// startSpan starts a tracing span for one request entry point, matching the
// teacher's handler.wrap span pattern.
func (f *Frontend) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if f.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return f.tracer.Start(ctx, name)
}

// withRequestLogger ensures ctx carries a correlation id and a logger
// tagged with it, matching sa6mwa-lockd/internal/httpapi/handler.go's
// correlation.Ensure/pslog.ContextWithLogger idiom applied at each entry
// point's boundary.
func (f *Frontend) withRequestLogger(ctx context.Context, entryPoint string) context.Context {
	ctx = correlation.Ensure(ctx)
	if !correlation.Has(ctx) {
		ctx = correlation.Set(ctx, correlation.Generate())
	}
	logger := svcfields.WithSubsystem(f.logger, entryPoint).With("correlation_id", correlation.ID(ctx))
	return pslog.ContextWithLogger(ctx, logger)
}
