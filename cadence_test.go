package frontend

import (
	"testing"
	"time"

	"pkt.systems/rpcfrontend/internal/consensus"
)

func TestTickFoldsTxCountAndResetsCounter(t *testing.T) {
	registry := newFakeRegistry()
	cons := &fakeConsensus{stats: consensus.Stats{CommittedSeqno: 7, View: 2}}
	store := &fakeStore{tx: &fakeTx{}, consensus: cons}
	f := newTestFrontend(t, registry, store, nil)

	f.txCount.Store(5)
	f.Tick(250 * time.Millisecond)

	if registry.tickCalls != 1 {
		t.Fatalf("expected Tick to be forwarded to the registry once, got %d", registry.tickCalls)
	}
	if registry.tickStats.TxCount != 5 || registry.tickStats.CommittedSeqno != 7 {
		t.Fatalf("expected the folded stats to carry TxCount 5 and CommittedSeqno 7, got %+v", registry.tickStats)
	}
	if f.txCount.Load() != 0 {
		t.Fatalf("expected the transaction counter to reset after Tick, got %d", f.txCount.Load())
	}
}

func TestSetSigIntervalsOnlyAppliesPositiveValues(t *testing.T) {
	registry := newFakeRegistry()
	f := newTestFrontend(t, registry, &fakeStore{tx: &fakeTx{}}, nil)

	f.SetSigIntervals(100, 2*time.Second)
	if f.sigTxInterval != 100 || f.sigMSInterval != 2*time.Second {
		t.Fatalf("expected both intervals to apply, got tx=%d ms=%v", f.sigTxInterval, f.sigMSInterval)
	}

	f.SetSigIntervals(0, 0)
	if f.sigTxInterval != 100 || f.sigMSInterval != 2*time.Second {
		t.Fatalf("expected non-positive values to be ignored, got tx=%d ms=%v", f.sigTxInterval, f.sigMSInterval)
	}
}

func TestSetCmdForwarderInstallsTransport(t *testing.T) {
	registry := newFakeRegistry()
	f := newTestFrontend(t, registry, &fakeStore{tx: &fakeTx{}}, nil)

	fwd := &fakeForwarder{}
	f.SetCmdForwarder(fwd)
	if f.forwarder != fwd {
		t.Fatalf("expected SetCmdForwarder to install the given forwarder")
	}
}
