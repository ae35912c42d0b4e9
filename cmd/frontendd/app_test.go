package main

import (
	"io"
	"net/http"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestNewRootCommandDefaults(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))

	flag := root.Flags().Lookup("mode")
	if flag == nil || flag.DefValue != "cft" {
		t.Fatalf("expected --mode to default to cft, got %#v", flag)
	}
	if flag := root.Flags().Lookup("listen"); flag == nil || flag.DefValue != ":9441" {
		t.Fatalf("expected --listen default, got %#v", flag)
	}
	if flag := root.Flags().Lookup("metrics-listen"); flag == nil || flag.DefValue != "" {
		t.Fatalf("expected --metrics-listen to default empty, got %#v", flag)
	}
}

func TestBuildConsensusCFTModeSolo(t *testing.T) {
	cfg := frontendConfig{Mode: "cft", Self: "http://node-a", LeaseTTL: time.Second}
	quorum, bft, err := buildConsensus(cfg, http.DefaultClient, pslog.NewStructured(io.Discard))
	if err != nil {
		t.Fatalf("buildConsensus: %v", err)
	}
	if quorum == nil || bft != nil {
		t.Fatalf("expected a quorum adapter and no bft adapter, got quorum=%v bft=%v", quorum, bft)
	}
	if quorum.IsPrimary() {
		t.Fatalf("expected freshly built quorum adapter to not yet be primary")
	}
}

func TestBuildConsensusBFTMode(t *testing.T) {
	cfg := frontendConfig{Mode: "bft", Self: "node-a", BFTPrimary: "node-a"}
	quorum, bft, err := buildConsensus(cfg, nil, pslog.NewStructured(io.Discard))
	if err != nil {
		t.Fatalf("buildConsensus: %v", err)
	}
	if bft == nil || quorum != nil {
		t.Fatalf("expected a bft adapter and no quorum adapter, got quorum=%v bft=%v", quorum, bft)
	}
	if !bft.IsPrimary() {
		t.Fatalf("expected node-a to be primary when seeded as bft-primary")
	}
}

func TestBuildConsensusUnknownMode(t *testing.T) {
	cfg := frontendConfig{Mode: "paxos"}
	if _, _, err := buildConsensus(cfg, nil, pslog.NewStructured(io.Discard)); err == nil {
		t.Fatalf("expected an error for an unrecognised consensus mode")
	}
}

func TestBuildConsensusCFTRequiresSelfWithPeers(t *testing.T) {
	cfg := frontendConfig{Mode: "cft", Peers: []string{"http://node-a", "http://node-b"}}
	if _, _, err := buildConsensus(cfg, nil, pslog.NewStructured(io.Discard)); err == nil {
		t.Fatalf("expected an error when peers are configured without a self address")
	}
}

func TestBindConfigReadsViperDefaults(t *testing.T) {
	newRootCommand(pslog.NewStructured(io.Discard))

	var cfg frontendConfig
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Mode != "cft" {
		t.Fatalf("expected default mode cft, got %q", cfg.Mode)
	}
	if cfg.ListenAddr != ":9441" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddr)
	}
}
