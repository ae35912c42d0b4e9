package frontend

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"pkt.systems/rpcfrontend/internal/consensus"
)

// ForwardingRequired classifies whether an endpoint must be forwarded to the
// primary.
type ForwardingRequired int

const (
	// ForwardingNever executes the endpoint locally regardless of role.
	ForwardingNever ForwardingRequired = iota
	// ForwardingSometimes forwards unless the request was already forwarded
	// (CFT) or unless execute_locally/execute_on_node say otherwise (BFT).
	ForwardingSometimes
	// ForwardingAlways always forwards on a non-primary replica.
	ForwardingAlways
)

func (f ForwardingRequired) String() string {
	switch f {
	case ForwardingNever:
		return "never"
	case ForwardingSometimes:
		return "sometimes"
	case ForwardingAlways:
		return "always"
	default:
		return "unknown"
	}
}

// EndpointProperties controls admission and routing for one (path, verb)
// endpoint.
type EndpointProperties struct {
	RequireClientIdentity  bool
	RequireClientSignature bool
	RequireJWTAuthentication bool
	ForwardingRequired     ForwardingRequired
	ExecuteLocally         bool
}

// Endpoint is the registry-owned handler definition borrowed by the frontend.
type Endpoint struct {
	Path       string
	Verb       string
	Properties EndpointProperties
	Handler    HandlerFunc
}

// HandlerFunc executes one endpoint inside a transaction, given the
// endpoint context `{rpc_ctx, tx, caller_id}`.
type HandlerFunc func(ec *EndpointContext) (*HandlerResult, error)

// HandlerResult is the handler's outcome, covering the "response does not
// apply writes" short-circuit.
type HandlerResult struct {
	Status       int
	Body         []byte
	ContentType  string
	Headers      map[string]string
	AppliesWrites bool
}

// EndpointContext is constructed just before handler invocation and
// destroyed when the handler returns.
type EndpointContext struct {
	Ctx      Context
	Tx       Tx
	CallerID string
}

// SignedRequest is a request accompanied by a detached signature.
type SignedRequest struct {
	Req   []byte
	Sig   []byte
	MD    map[string]string
	KeyID string
}

// JWTClaim is constructed on successful bearer-token verification.
type JWTClaim struct {
	Issuer  string
	Header  map[string]string
	Payload map[string]any
}

// RequestID is the (caller_id, client_session_id, request_index) triple
// carried for BFT-distributed requests.
type RequestID struct {
	CallerID        string
	ClientSessionID string
	RequestIndex    uint64
}

// CommitOutcomeTag enumerates the tagged commit outcome in place of
// exception-based control flow.
type CommitOutcomeTag int

const (
	// CommitOK is a successful commit carrying a version.
	CommitOK CommitOutcomeTag = iota
	// CommitConflict is an optimistic-concurrency conflict, retried.
	CommitConflict
	// CommitNoReplicate means the commit could not replicate.
	CommitNoReplicate
	// CommitCompacted is a compaction-racing conflict, reset-and-retry.
	CommitCompacted
	// CommitRPCError carries a handler-declared status/body.
	CommitRPCError
	// CommitJSONError carries a JSON-parse-error pointer/message.
	CommitJSONError
	// CommitFatal is a KV serialization failure; the process aborts.
	CommitFatal
	// CommitOther is any other handler exception.
	CommitOther
)

// CommitOutcome is the tagged result of one commit attempt.
type CommitOutcome struct {
	Tag      CommitOutcomeTag
	Version  int64
	RPCStatus int
	RPCMsg   string
	JSONPointer string
	JSONMsg  string
	OtherMsg string
}

// InvalidID is the sentinel caller-id meaning "no caller resolved".
const InvalidID = ""

// CertFingerprint identifies a certificate for the lifecycle gate's waiting
// state.
type CertFingerprint string

// NodeInfo re-exports the consensus package's node-set entry shape for
// callers that only import the root package.
type NodeInfo = consensus.NodeInfo

// certFingerprintOf computes a stable fingerprint for an x509 certificate.
func certFingerprintOf(cert *x509.Certificate) CertFingerprint {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return CertFingerprint(hex.EncodeToString(sum[:]))
}

// Stats mirrors consensus.Stats with tx_count overridden by the frontend's
// own atomic counter before being handed to the registry.
type Stats = consensus.Stats
