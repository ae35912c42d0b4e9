package frontend

import (
	"context"
	"testing"

	"pkt.systems/rpcfrontend/internal/callerid"
	"pkt.systems/rpcfrontend/internal/consensus"
)

func TestProcessForwardedRequiresOriginalCallerCert(t *testing.T) {
	registry := newFakeRegistry()
	f := newTestFrontend(t, registry, &fakeStore{tx: &fakeTx{}}, nil)

	_, err := f.ProcessForwarded(context.Background(), &testContext{})
	if err != ErrOriginalCallerMissing {
		t.Fatalf("expected ErrOriginalCallerMissing, got %v", err)
	}
}

func TestProcessForwardedNotOpenReturns404(t *testing.T) {
	registry := newFakeRegistry()
	cert, _ := newTestCert(t, "original-caller")
	f := newTestFrontend(t, registry, &fakeStore{tx: &fakeTx{}}, nil)

	reqCtx := &testContext{originalCallerCert: cert, hasOriginalCert: true}
	pending, err := f.ProcessForwarded(context.Background(), reqCtx)
	if err != nil || pending {
		t.Fatalf("expected a non-error, non-pending 404 response, got pending=%v err=%v", pending, err)
	}
	if reqCtx.respStatus != 404 {
		t.Fatalf("expected status 404, got %d", reqCtx.respStatus)
	}
}

// TestProcessForwardedCFTSkipsSignatureVerification covers the genuine
// CFT-forward bypass: the forwarding replica already verified the
// signature, so a deliberately invalid one must still be accepted here.
func TestProcessForwardedCFTSkipsSignatureVerification(t *testing.T) {
	registry := newFakeRegistry()
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}
	registry.addEndpoint(ep)
	cert, _ := newTestCert(t, "original-caller")
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)
	openFrontend(t, f)

	reqCtx := &testContext{
		verb:               "POST",
		path:               "/v1/tx",
		originalCallerCert: cert,
		hasOriginalCert:    true,
		signed:             SignedRequest{Req: []byte("digest"), Sig: []byte("not-a-real-signature"), KeyID: "k"},
		hasSig:             true,
		forwarding:         true,
	}

	pending, err := f.ProcessForwarded(context.Background(), reqCtx)
	if err != nil {
		t.Fatalf("ProcessForwarded: %v", err)
	}
	if pending {
		t.Fatalf("expected the transaction to drive synchronously")
	}
	if reqCtx.respStatus != 200 {
		t.Fatalf("expected a 200 response despite the bogus signature, because the CFT forwarder already verified it, got %d", reqCtx.respStatus)
	}
}

// TestProcessForwardedMissingJWTNamesPathNotVerbInBody guards the same
// jwt_invalid message bug as the direct Process path, exercised through
// ProcessForwarded's own authenticateJWT call site.
func TestProcessForwardedMissingJWTNamesPathNotVerbInBody(t *testing.T) {
	registry := newFakeRegistry()
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST", Properties: EndpointProperties{RequireJWTAuthentication: true}}
	registry.addEndpoint(ep)
	cert, _ := newTestCert(t, "original-caller")
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)
	openFrontend(t, f)

	reqCtx := &testContext{verb: "POST", path: "/v1/tx", originalCallerCert: cert, hasOriginalCert: true}
	if _, err := f.ProcessForwarded(context.Background(), reqCtx); err != nil {
		t.Fatalf("ProcessForwarded: %v", err)
	}
	if reqCtx.respStatus != 401 {
		t.Fatalf("expected status 401, got %d", reqCtx.respStatus)
	}
	if want := "'/v1/tx' JWT is malformed"; string(reqCtx.respBody) != want {
		t.Fatalf("expected body %q naming the path, got %q", want, reqCtx.respBody)
	}
}

func TestProcessForwardedDelegatesToProcessBFTUnderBFT(t *testing.T) {
	registry := newFakeRegistry()
	cert, _ := newTestCert(t, "original-caller")
	cons := &fakeConsensus{mode: consensus.BFT}
	store := &fakeStore{tx: &fakeTx{}, consensus: cons}
	f := newTestFrontend(t, registry, store, nil)
	// Deliberately not opened: ProcessBFT reports its own not-open error,
	// which is how we confirm delegation happened.

	reqCtx := &testContext{originalCallerCert: cert, hasOriginalCert: true}
	_, err := f.ProcessForwarded(context.Background(), reqCtx)
	if err != ErrProcessBFTNotOpen {
		t.Fatalf("expected ProcessForwarded to delegate to ProcessBFT under BFT mode, got err=%v", err)
	}
}

func TestProcessBFTNotOpenReturnsError(t *testing.T) {
	registry := newFakeRegistry()
	f := newTestFrontend(t, registry, &fakeStore{tx: &fakeTx{}}, nil)

	_, err := f.ProcessBFT(context.Background(), &testContext{})
	if err != ErrProcessBFTNotOpen {
		t.Fatalf("expected ErrProcessBFTNotOpen, got %v", err)
	}
}

// TestProcessBFTAlwaysVerifiesSignature is the regression test for the fix
// that stopped ProcessBFT from passing forwarded=true into
// authenticateSignature: under BFT, every non-create-request execution
// must verify the client signature, never bypass it wholesale.
func TestProcessBFTAlwaysVerifiesSignature(t *testing.T) {
	registry := newFakeRegistry()
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}
	registry.addEndpoint(ep)
	cert, _ := newTestCert(t, "bft-caller")
	registry.digestCallerID = "bft-caller"
	registry.digestCert = cert
	registry.digestOK = true
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)
	openFrontend(t, f)

	reqCtx := &testContext{
		verb:   "POST",
		path:   "/v1/tx",
		signed: SignedRequest{Req: []byte("digest"), Sig: []byte("not-a-real-signature"), KeyID: "k"},
		hasSig: true,
	}

	pending, err := f.ProcessBFT(context.Background(), reqCtx)
	if err != nil {
		t.Fatalf("ProcessBFT: %v", err)
	}
	if pending {
		t.Fatalf("expected a synchronous failure response")
	}
	if reqCtx.respStatus != 401 {
		t.Fatalf("expected a 401 rejecting the invalid signature under BFT, got %d", reqCtx.respStatus)
	}
}

func TestProcessBFTAcceptsValidSignatureAndLogsAFTRequest(t *testing.T) {
	registry := newFakeRegistry()
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}
	registry.addEndpoint(ep)
	cert, priv := newTestCert(t, "bft-caller")
	registry.digestCallerID = "bft-caller"
	registry.digestCert = cert
	registry.digestOK = true
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)
	openFrontend(t, f)

	digest := []byte("the canonical signed digest")
	sig := signEd25519(priv, digest)
	reqCtx := &testContext{
		verb:            "POST",
		path:            "/v1/tx",
		signed:          SignedRequest{Req: digest, Sig: sig, KeyID: "k"},
		hasSig:          true,
		clientSessionID: "session-1",
		requestIndex:    3,
	}

	pending, err := f.ProcessBFT(context.Background(), reqCtx)
	if err != nil {
		t.Fatalf("ProcessBFT: %v", err)
	}
	if pending {
		t.Fatalf("expected a synchronous success response")
	}
	if reqCtx.respStatus != 200 {
		t.Fatalf("expected status 200, got %d", reqCtx.respStatus)
	}
	if tx.appendAFTCalls != 1 {
		t.Fatalf("expected the pre-exec hook to log one AFT request, got %d", tx.appendAFTCalls)
	}
}

func TestUpdateMerkleTreeFlushesHistory(t *testing.T) {
	registry := newFakeRegistry()
	history := &fakeHistory{}
	store := &fakeStore{tx: &fakeTx{}, history: history}
	f := newTestFrontend(t, registry, store, nil)

	f.UpdateMerkleTree()
	if history.flushCalls != 1 {
		t.Fatalf("expected Flush to be called once, got %d", history.flushCalls)
	}
}

func TestProcessForwardedResolvesCallerIDFromOriginalCert(t *testing.T) {
	registry := newFakeRegistry()
	registry.hasCerts = true
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST", Properties: EndpointProperties{RequireClientIdentity: true}}
	registry.addEndpoint(ep)

	uriCert := certWithSPIFFEURI(t, "spiffe://cluster/original-caller")
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)
	openFrontend(t, f)

	reqCtx := &testContext{verb: "POST", path: "/v1/tx", originalCallerCert: uriCert, hasOriginalCert: true}
	if _, err := f.ProcessForwarded(context.Background(), reqCtx); err != nil {
		t.Fatalf("ProcessForwarded: %v", err)
	}
	if reqCtx.respStatus != 200 {
		t.Fatalf("expected the caller id resolved from the original cert to pass the required-identity gate, got status %d", reqCtx.respStatus)
	}
	want := callerid.FromCertificate(uriCert)
	if want == callerid.Invalid {
		t.Fatalf("expected a resolvable caller id from the SPIFFE URI cert")
	}
}
