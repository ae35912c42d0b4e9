package frontend

import (
	"context"
	"testing"

	"pkt.systems/rpcfrontend/internal/consensus"
)

func TestDriveTransactionConflictThenSuccess(t *testing.T) {
	registry := newFakeRegistry()
	tx := &fakeTx{commitSeq: []CommitOutcome{{Tag: CommitConflict}, {Tag: CommitConflict}, {Tag: CommitOK}}}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)

	reqCtx := &testContext{}
	ec := &EndpointContext{Ctx: reqCtx, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}

	fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false)
	if fail != nil {
		t.Fatalf("expected the retry loop to eventually succeed, got %+v", fail)
	}
	if tx.commitCalls != 3 {
		t.Fatalf("expected 3 commit attempts, got %d", tx.commitCalls)
	}
	if reqCtx.respStatus != 200 {
		t.Fatalf("expected the success response to be written, got status %d", reqCtx.respStatus)
	}
}

func TestDriveTransactionExhaustsRetriesOnPersistentConflict(t *testing.T) {
	registry := newFakeRegistry()
	tx := &fakeTx{commitSeq: []CommitOutcome{{Tag: CommitConflict}}}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)

	reqCtx := &testContext{}
	ec := &EndpointContext{Ctx: reqCtx, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}

	fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false)
	if fail == nil || fail.Code != "retries_exhausted" {
		t.Fatalf("expected a retries_exhausted failure, got %+v", fail)
	}
	if fail.HTTPStatus != 409 {
		t.Fatalf("expected a 409 status, got %d", fail.HTTPStatus)
	}
	if tx.commitCalls != f.maxAttempts {
		t.Fatalf("expected exactly %d commit attempts, got %d", f.maxAttempts, tx.commitCalls)
	}
	key := endpointMetricsKey(ep)
	if registry.errors[key] != 1 {
		t.Fatalf("expected the error counter to be charged once for the 409, got %d", registry.errors[key])
	}
}

func TestDriveTransactionReadOnlyResponseChargesStatus(t *testing.T) {
	registry := newFakeRegistry()
	registry.executeResult = &HandlerResult{Status: 404, Body: []byte("not found"), AppliesWrites: false}
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)

	reqCtx := &testContext{}
	ec := &EndpointContext{Ctx: reqCtx, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "GET"}

	fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false)
	if fail != nil {
		t.Fatalf("expected the AppliesWrites=false short-circuit to return a nil Failure, got %+v", fail)
	}
	if reqCtx.respStatus != 404 {
		t.Fatalf("expected the handler's 404 status to be written, got %d", reqCtx.respStatus)
	}
	key := endpointMetricsKey(ep)
	if registry.errors[key] != 1 {
		t.Fatalf("expected the read-only 404 response to charge the error counter, got %d", registry.errors[key])
	}
	if tx.commitCalls != 0 {
		t.Fatalf("expected Commit never to be called for a response that does not apply writes")
	}
}

func TestDriveTransactionReadOnlySuccessDoesNotChargeAnyCounter(t *testing.T) {
	registry := newFakeRegistry()
	registry.executeResult = &HandlerResult{Status: 200, AppliesWrites: false}
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)

	ec := &EndpointContext{Ctx: &testContext{}, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "GET"}

	if fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false); fail != nil {
		t.Fatalf("expected success, got %+v", fail)
	}
	key := endpointMetricsKey(ep)
	if registry.errors[key] != 0 || registry.failures[key] != 0 {
		t.Fatalf("expected a 2xx read-only response not to be charged, got errors=%d failures=%d", registry.errors[key], registry.failures[key])
	}
}

func TestDriveTransactionHandlerErrorTranslatesToFailure(t *testing.T) {
	registry := newFakeRegistry()
	registry.executeErr = Failure{Code: "boom", Detail: "handler exploded", HTTPStatus: 500}
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)

	ec := &EndpointContext{Ctx: &testContext{}, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}

	fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false)
	if fail == nil || fail.Code != "boom" {
		t.Fatalf("expected the handler's own Failure to pass through, got %+v", fail)
	}
	key := endpointMetricsKey(ep)
	if registry.failures[key] != 1 {
		t.Fatalf("expected the failure counter to be charged, got %d", registry.failures[key])
	}
}

func TestDriveTransactionAbortsProcessOnCommitFatal(t *testing.T) {
	registry := newFakeRegistry()
	tx := &fakeTx{commitSeq: []CommitOutcome{{Tag: CommitFatal}}}
	aborted := false
	f, err := New(Config{
		Name:     "test",
		Registry: registry,
		Store:    &fakeStore{tx: tx},
		Abort:    func(string) { aborted = true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ec := &EndpointContext{Ctx: &testContext{}, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}

	fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false)
	if fail == nil {
		t.Fatalf("expected a failure to be returned alongside the abort")
	}
	if !aborted {
		t.Fatalf("expected a KV serialization failure to invoke the abort hook")
	}
}

// fakeSeqnoConsensus is a fakeConsensus that also implements
// committedSeqnoTracker, for the one test that needs to observe
// onCommitOK feeding a commit's seqno back into consensus.
type fakeSeqnoConsensus struct {
	fakeConsensus
	setSeqno uint64
}

func (c *fakeSeqnoConsensus) SetCommittedSeqno(seqno uint64) { c.setSeqno = seqno }

func TestDriveTransactionFeedsCommittedSeqnoToConsensus(t *testing.T) {
	registry := newFakeRegistry()
	tx := &fakeTx{commitSeq: []CommitOutcome{{Tag: CommitOK}}, commitVersion: 42}
	cons := &fakeSeqnoConsensus{fakeConsensus: fakeConsensus{stats: consensus.Stats{CommittedSeqno: 42}}}
	store := &fakeStore{tx: tx, consensus: cons}
	f := newTestFrontend(t, registry, store, nil)
	f.refreshCollaborators()

	ec := &EndpointContext{Ctx: &testContext{}, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}

	if fail := f.driveTransaction(context.Background(), ec, ep, nil, false, SignedRequest{}, false); fail != nil {
		t.Fatalf("expected success, got %+v", fail)
	}
	if cons.setSeqno != 42 {
		t.Fatalf("expected onCommitOK to feed the commit's seqno into consensus, got %d", cons.setSeqno)
	}
}

func TestDriveTransactionPreExecHookFailureAbortsAttempt(t *testing.T) {
	registry := newFakeRegistry()
	tx := &fakeTx{}
	f := newTestFrontend(t, registry, &fakeStore{tx: tx}, nil)

	ec := &EndpointContext{Ctx: &testContext{}, Tx: tx}
	ep := &Endpoint{Path: "/v1/tx", Verb: "POST"}
	pre := func(Tx, *EndpointContext) error { return Failure{Code: "pre_exec_failed", HTTPStatus: 500} }

	fail := f.driveTransaction(context.Background(), ec, ep, pre, false, SignedRequest{}, false)
	if fail == nil || fail.Code != "pre_exec_failed" {
		t.Fatalf("expected the pre-exec hook's failure to propagate, got %+v", fail)
	}
	if tx.commitCalls != 0 {
		t.Fatalf("expected the handler never to run after a pre-exec failure")
	}
}
