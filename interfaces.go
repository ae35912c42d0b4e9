package frontend

import (
	"context"
	"crypto/x509"

	"pkt.systems/rpcfrontend/internal/consensus"
)

// Registry is the endpoint registry collaborator: endpoint lookup, handler
// execution, caller-id resolution, and per-endpoint metrics buckets.
type Registry interface {
	// FindEndpoint looks up the handler registered at (path, verb). found is
	// false on a path/verb miss; allowedVerbs lists the verbs registered at
	// path (possibly empty) so the caller can distinguish 404 from 405.
	FindEndpoint(path, verb string) (ep *Endpoint, found bool, allowedVerbs []string)
	// GetCallerID resolves the session-level caller id, independent of any
	// signature present on the request.
	GetCallerID(ctx *EndpointContext) string
	// GetCallerIDByDigest resolves a caller id from a signature's key
	// digest. ok is false if the digest is unknown.
	GetCallerIDByDigest(digest []byte) (callerID string, cert *x509.Certificate, ok bool)
	// HasCerts reports whether the registry can resolve a caller id from a
	// certificate without the frontend supplying one.
	HasCerts() bool
	// IncrementCalls/IncrementErrors/IncrementFailures update the
	// per-endpoint metrics buckets.
	IncrementCalls(endpointKey string)
	IncrementErrors(endpointKey string)
	IncrementFailures(endpointKey string)
	// ExecuteEndpoint invokes the endpoint's handler with the constructed
	// endpoint context.
	ExecuteEndpoint(ep *Endpoint, ec *EndpointContext) (*HandlerResult, error)
	// InitHandlers is called once when the lifecycle gate transitions open.
	InitHandlers()
	// Tick hands the elapsed duration and consensus stats to the registry,
	// which drives signature-interval logic.
	Tick(elapsed int64, stats Stats, sigTxInterval int64, sigMSInterval int64)
	// SetConsensus/SetHistory let the registry observe the refreshed
	// collaborator pointers alongside the frontend.
	SetConsensus(c consensus.Consensus)
	SetHistory(h consensus.History)
}

// Store is the KV store and history collaborator. CreateTx begins a new
// transaction, whose Tx accessors read the fixed tables the frontend relies
// on (SERVICE, NODES, JWT_PUBLIC_SIGNING_KEYS, AFT_REQUESTS).
type Store interface {
	CreateTx(ctx context.Context) Tx
	GetConsensus() consensus.Consensus
	GetHistory() consensus.History
}

// Version is a store-assigned transaction version, used literally (not as a
// "latest" sentinel).
type Version int64

// ServiceStatus mirrors the SERVICE table's status column.
type ServiceStatus string

// ServiceOpen is the status value that permits the lifecycle gate to open.
const ServiceOpen ServiceStatus = "OPEN"

// ServiceRecord is the SERVICE table row read by is_open.
type ServiceRecord struct {
	Status      ServiceStatus
	Certificate CertFingerprint
}

// Tx is the per-request transaction handle. Implementations must release
// the underlying transaction on every exit path (commit, conflict, or
// error).
type Tx interface {
	// GetServiceRecord reads the SERVICE table at the given version.
	GetServiceRecord(version Version) (ServiceRecord, bool, error)
	// LookupNode reads the NODES table for a node id.
	LookupNode(nodeID string) (consensus.NodeInfo, bool, error)
	// LookupJWTSigningKey and LookupJWTIssuer back internal/jwtauth's
	// KeySource against the JWT_PUBLIC_SIGNING_KEYS /
	// JWT_PUBLIC_SIGNING_KEY_ISSUER tables.
	LookupJWTSigningKey(kid string) (publicKeyDER []byte, ok bool, err error)
	LookupJWTIssuer(kid string) (issuer string, ok bool, err error)
	// RecordClientSignature persists a verified signature, stripped to the
	// bare signature when requestStoringDisabled is set.
	RecordClientSignature(table string, callerID string, req SignedRequest, requestStoringDisabled bool) error
	// AppendAFTRequest logs a BFT request-id into AFT_REQUESTS.
	AppendAFTRequest(reqID RequestID, serialisedRequest []byte, frameFormat int) error
	// SetRequestID records a BFT request-id onto the transaction.
	SetRequestID(reqID RequestID)
	// Commit attempts to commit the transaction, returning a tagged outcome.
	Commit() CommitOutcome
	// ReadVersion/CommitVersion/CommitTerm back the seqno/view assignment
	// made on commit.
	ReadVersion() int64
	CommitVersion() int64
	CommitTerm() int64
	// Reset discards buffered writes and restarts the transaction, used on
	// a compacted-version conflict.
	Reset()
	// Release returns the transaction's resources; safe to call more than
	// once.
	Release()
}

// Context is the HTTP-context collaborator: request parsing and response
// serialization.
type Context interface {
	Method() string
	Verb() string
	Path() string
	RequestHeaders() map[string][]string
	// SignedRequest returns the signed request extracted from ctx, if any.
	SignedRequest() (SignedRequest, bool)
	// CallerCert returns the session's caller certificate, if any.
	CallerCert() *x509.Certificate
	// OriginalCallerCert returns the cert of the original (pre-forward)
	// caller, set only on a forwarded request.
	OriginalCallerCert() (*x509.Certificate, bool)
	// IsForwarding reports whether this ctx already travelled through a
	// forward hop.
	IsForwarding() bool
	// IsCreateRequest reports whether this request is exempt from signature
	// verification and from is_primary gating.
	IsCreateRequest() bool
	// ExecuteOnNode reports the execute_on_node flag used by the BFT
	// routing table.
	ExecuteOnNode() bool
	// ShouldApplyWrites reports whether the handler's response applies
	// writes.
	ShouldApplyWrites() bool
	// ClientSessionID returns the session id used in the BFT RequestID triple.
	ClientSessionID() string
	// RequestIndex returns the monotonic per-session request counter used in
	// the BFT RequestID triple.
	RequestIndex() uint64
	SerialisedRequest() []byte
	FrameFormat() int
	// SetResponseStatus/SetResponseBody/SetResponseHeader build the outbound
	// HTTP response.
	SetResponseStatus(status int)
	SetResponseBody(body []byte)
	SetResponseHeader(key, value string)
	// SetSeqnoViewGlobalCommit records the committed transaction's
	// coordinates.
	SetSeqnoViewGlobalCommit(seqno, view, globalCommit int64)
}

// Forwarder delivers a forwarded command to the current primary.
// internal/forwarder.Forwarder is the concrete reference implementation
// wired against this interface.
type Forwarder interface {
	// Forward delivers ctx's request to the node at primaryEndpoint, passing
	// callerID and the (possibly empty) cert to forward. ok is false if
	// delivery failed.
	Forward(ctx context.Context, primaryEndpoint, callerID string, certToForward []byte, ec *EndpointContext) (ok bool)
}
