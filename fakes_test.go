package frontend

import (
	"context"
	"crypto/x509"

	"pkt.systems/rpcfrontend/internal/consensus"
)

// fakeTx is a scriptable Tx double: fields set the next-returned values,
// and the *Calls counters record how many times each method fired.
type fakeTx struct {
	serviceRecord ServiceRecord
	serviceOK     bool
	serviceErr    error

	commitSeq   []CommitOutcome
	commitCalls int

	readVersion   int64
	commitVersion int64
	commitTerm    int64

	resetCalls   int
	releaseCalls int

	recordSigCalls int
	recordSigErr   error
	lastSigReq     SignedRequest

	appendAFTCalls int
	appendAFTErr   error
	lastAFTReqID   RequestID

	setRequestIDCalls []RequestID

	jwtKeyDER   []byte
	jwtKeyOK    bool
	jwtIssuer   string
	jwtIssuerOK bool
}

func (tx *fakeTx) GetServiceRecord(Version) (ServiceRecord, bool, error) {
	return tx.serviceRecord, tx.serviceOK, tx.serviceErr
}

func (tx *fakeTx) LookupNode(string) (consensus.NodeInfo, bool, error) {
	return consensus.NodeInfo{}, false, nil
}

func (tx *fakeTx) LookupJWTSigningKey(string) ([]byte, bool, error) {
	return tx.jwtKeyDER, tx.jwtKeyOK, nil
}

func (tx *fakeTx) LookupJWTIssuer(string) (string, bool, error) {
	return tx.jwtIssuer, tx.jwtIssuerOK, nil
}

func (tx *fakeTx) RecordClientSignature(_ string, _ string, req SignedRequest, _ bool) error {
	tx.recordSigCalls++
	tx.lastSigReq = req
	return tx.recordSigErr
}

func (tx *fakeTx) AppendAFTRequest(reqID RequestID, _ []byte, _ int) error {
	tx.appendAFTCalls++
	tx.lastAFTReqID = reqID
	return tx.appendAFTErr
}

func (tx *fakeTx) SetRequestID(reqID RequestID) {
	tx.setRequestIDCalls = append(tx.setRequestIDCalls, reqID)
}

// Commit pops the next outcome off commitSeq, repeating the last entry once
// the sequence is exhausted so callers can script "conflict, conflict, ok".
func (tx *fakeTx) Commit() CommitOutcome {
	tx.commitCalls++
	if len(tx.commitSeq) == 0 {
		return CommitOutcome{Tag: CommitOK}
	}
	out := tx.commitSeq[0]
	if len(tx.commitSeq) > 1 {
		tx.commitSeq = tx.commitSeq[1:]
	}
	return out
}

func (tx *fakeTx) ReadVersion() int64   { return tx.readVersion }
func (tx *fakeTx) CommitVersion() int64 { return tx.commitVersion }
func (tx *fakeTx) CommitTerm() int64    { return tx.commitTerm }
func (tx *fakeTx) Reset()               { tx.resetCalls++ }
func (tx *fakeTx) Release()             { tx.releaseCalls++ }

// fakeStore hands out a single fakeTx and a pair of consensus collaborators
// fixed at construction, matching the real Store's "refreshed at each
// entry" shape closely enough for a test double.
type fakeStore struct {
	tx        *fakeTx
	consensus consensus.Consensus
	history   consensus.History
}

func (s *fakeStore) CreateTx(context.Context) Tx                    { return s.tx }
func (s *fakeStore) GetConsensus() consensus.Consensus               { return s.consensus }
func (s *fakeStore) GetHistory() consensus.History                   { return s.history }

// fakeRegistry is a scriptable Registry double keyed by "VERB PATH".
type fakeRegistry struct {
	endpoints    map[string]*Endpoint
	allowedVerbs map[string][]string

	callerID         string
	digestCallerID   string
	digestCert       *x509.Certificate
	digestOK         bool
	hasCerts         bool

	executeResult *HandlerResult
	executeErr    error

	calls    map[string]int
	errors   map[string]int
	failures map[string]int

	initHandlersCalls int
	tickCalls         int
	tickStats         Stats

	consensus consensus.Consensus
	history   consensus.History
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		endpoints:    map[string]*Endpoint{},
		allowedVerbs: map[string][]string{},
		calls:        map[string]int{},
		errors:       map[string]int{},
		failures:     map[string]int{},
	}
}

func (r *fakeRegistry) addEndpoint(ep *Endpoint) {
	r.endpoints[endpointMetricsKey(ep)] = ep
	r.allowedVerbs[ep.Path] = append(r.allowedVerbs[ep.Path], ep.Verb)
}

func (r *fakeRegistry) FindEndpoint(path, verb string) (*Endpoint, bool, []string) {
	key := verb + " " + path
	for k, ep := range r.endpoints {
		if k == key {
			return ep, true, nil
		}
	}
	return nil, false, r.allowedVerbs[path]
}

func (r *fakeRegistry) GetCallerID(*EndpointContext) string { return r.callerID }

func (r *fakeRegistry) GetCallerIDByDigest([]byte) (string, *x509.Certificate, bool) {
	return r.digestCallerID, r.digestCert, r.digestOK
}

func (r *fakeRegistry) HasCerts() bool { return r.hasCerts }

func (r *fakeRegistry) IncrementCalls(key string)    { r.calls[key]++ }
func (r *fakeRegistry) IncrementErrors(key string)   { r.errors[key]++ }
func (r *fakeRegistry) IncrementFailures(key string) { r.failures[key]++ }

func (r *fakeRegistry) ExecuteEndpoint(*Endpoint, *EndpointContext) (*HandlerResult, error) {
	if r.executeErr != nil {
		return nil, r.executeErr
	}
	if r.executeResult != nil {
		return r.executeResult, nil
	}
	return &HandlerResult{Status: 200, AppliesWrites: true}, nil
}

func (r *fakeRegistry) InitHandlers() { r.initHandlersCalls++ }

func (r *fakeRegistry) Tick(_ int64, stats Stats, _ int64, _ int64) {
	r.tickCalls++
	r.tickStats = stats
}

func (r *fakeRegistry) SetConsensus(c consensus.Consensus) { r.consensus = c }
func (r *fakeRegistry) SetHistory(h consensus.History)     { r.history = h }

// fakeForwarder is a scriptable Forwarder double.
type fakeForwarder struct {
	ok       bool
	calls    int
	endpoint string
	callerID string
	cert     []byte
}

func (f *fakeForwarder) Forward(_ context.Context, endpoint, callerID string, cert []byte, _ *EndpointContext) bool {
	f.calls++
	f.endpoint = endpoint
	f.callerID = callerID
	f.cert = cert
	return f.ok
}

// fakeConsensus is a scriptable Consensus double.
type fakeConsensus struct {
	mode      consensus.Mode
	isPrimary bool
	primaryID string
	nodes     []consensus.NodeInfo
	stats     consensus.Stats
}

func (c *fakeConsensus) Mode() consensus.Mode               { return c.mode }
func (c *fakeConsensus) IsPrimary() bool                    { return c.isPrimary }
func (c *fakeConsensus) PrimaryID() string                  { return c.primaryID }
func (c *fakeConsensus) ActiveNodes() []consensus.NodeInfo   { return c.nodes }
func (c *fakeConsensus) Stats() consensus.Stats              { return c.stats }

// fakeHistory is a scriptable History double.
type fakeHistory struct {
	emitCalls       int
	addRequestCalls int
	flushCalls      int
	lastRequestID   consensus.RequestID
}

func (h *fakeHistory) TryEmitSignature() { h.emitCalls++ }

func (h *fakeHistory) AddRequest(reqID consensus.RequestID, _ string, _ []byte, _ []byte, _ int) {
	h.addRequestCalls++
	h.lastRequestID = reqID
}

func (h *fakeHistory) Flush() { h.flushCalls++ }

// testContext is a scriptable Context double covering every accessor and
// response-writing call the frontend makes against an incoming request.
type testContext struct {
	method  string
	verb    string
	path    string
	headers map[string][]string

	signed SignedRequest
	hasSig bool

	callerCert *x509.Certificate

	originalCallerCert *x509.Certificate
	hasOriginalCert    bool

	forwarding      bool
	createRequest   bool
	executeOnNode   bool
	shouldApply     bool
	clientSessionID string
	requestIndex    uint64
	serialised      []byte
	frameFormat     int

	respStatus  int
	respBody    []byte
	respHeaders map[string]string

	seqno, view, globalCommit int64
}

func (c *testContext) Method() string                      { return c.method }
func (c *testContext) Verb() string                        { return c.verb }
func (c *testContext) Path() string                         { return c.path }
func (c *testContext) RequestHeaders() map[string][]string { return c.headers }
func (c *testContext) SignedRequest() (SignedRequest, bool) { return c.signed, c.hasSig }
func (c *testContext) CallerCert() *x509.Certificate        { return c.callerCert }
func (c *testContext) OriginalCallerCert() (*x509.Certificate, bool) {
	return c.originalCallerCert, c.hasOriginalCert
}
func (c *testContext) IsForwarding() bool      { return c.forwarding }
func (c *testContext) IsCreateRequest() bool   { return c.createRequest }
func (c *testContext) ExecuteOnNode() bool     { return c.executeOnNode }
func (c *testContext) ShouldApplyWrites() bool { return c.shouldApply }
func (c *testContext) ClientSessionID() string { return c.clientSessionID }
func (c *testContext) RequestIndex() uint64    { return c.requestIndex }
func (c *testContext) SerialisedRequest() []byte { return c.serialised }
func (c *testContext) FrameFormat() int          { return c.frameFormat }

func (c *testContext) SetResponseStatus(status int) { c.respStatus = status }
func (c *testContext) SetResponseBody(body []byte)  { c.respBody = body }
func (c *testContext) SetResponseHeader(key, value string) {
	if c.respHeaders == nil {
		c.respHeaders = map[string]string{}
	}
	c.respHeaders[key] = value
}

func (c *testContext) SetSeqnoViewGlobalCommit(seqno, view, globalCommit int64) {
	c.seqno, c.view, c.globalCommit = seqno, view, globalCommit
}
