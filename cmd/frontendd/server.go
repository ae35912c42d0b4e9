package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rpcfrontend/internal/consensus"
	"pkt.systems/rpcfrontend/internal/svcfields"
	"pkt.systems/rpcfrontend/internal/tlsutil"
)

// consensusServer exposes QuorumConsensus's inbound lease-protocol endpoints,
// the receiving counterpart to QuorumConsensus's own outbound acquire/renew/
// release posts, without the request-wrapping/logging middleware stack used
// on the main request API (out of scope here: there is no Context
// collaborator to drive it through).
type consensusServer struct {
	quorum *consensus.QuorumConsensus
	logger pslog.Logger
	srv    *http.Server
	ln     net.Listener
}

// startConsensusServer starts the inbound lease-protocol listener. When
// bundle is non-nil the listener requires and verifies peer client
// certificates against the bundle's CA pool and denylist, the same
// arrangement the main request API's own listener applies to client
// connections.
func startConsensusServer(addr string, quorum *consensus.QuorumConsensus, bundle *tlsutil.Bundle, logger pslog.Logger) (*consensusServer, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "consensus.server")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("consensus: listen: %w", err)
	}
	if bundle != nil {
		ln = tls.NewListener(ln, buildConsensusServerTLS(bundle))
	}
	cs := &consensusServer{quorum: quorum, logger: logger, ln: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/consensus/lease/acquire", cs.handleAcquire)
	mux.HandleFunc("/v1/consensus/lease/renew", cs.handleRenew)
	mux.HandleFunc("/v1/consensus/lease/release", cs.handleRelease)
	mux.HandleFunc("/v1/consensus/primary", cs.handlePrimary)
	cs.srv = &http.Server{Handler: mux}

	go func() {
		if err := cs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("consensus.server.serve_error", "error", err)
		}
	}()
	logger.Info("consensus.server.listening", "addr", addr)
	return cs, nil
}

func (cs *consensusServer) Shutdown(ctx context.Context) error {
	if cs == nil || cs.srv == nil {
		return nil
	}
	err := cs.srv.Shutdown(ctx)
	if cs.ln != nil {
		_ = cs.ln.Close()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (cs *consensusServer) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req consensus.AcquireRequest
	if !decodeRequest(w, r, &req, cs.logger) {
		return
	}
	writeJSON(w, cs.quorum.HandleAcquire(req))
}

func (cs *consensusServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req consensus.RenewRequest
	if !decodeRequest(w, r, &req, cs.logger) {
		return
	}
	writeJSON(w, cs.quorum.HandleRenew(req))
}

func (cs *consensusServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req consensus.ReleaseRequest
	if !decodeRequest(w, r, &req, cs.logger) {
		return
	}
	cs.quorum.HandleRelease(req)
	writeJSON(w, struct{}{})
}

func (cs *consensusServer) handlePrimary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, cs.quorum.HandlePrimary())
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, logger pslog.Logger) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Warn("consensus.server.decode_failed", "error", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func buildConsensusServerTLS(bundle *tlsutil.Bundle) *tls.Config {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{bundle.ServerCertificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    bundle.CAPool,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyConsensusPeerCert(rawCerts, bundle)
		},
	}
	return tlsCfg
}

func verifyConsensusPeerCert(rawCerts [][]byte, bundle *tlsutil.Bundle) error {
	if len(rawCerts) == 0 {
		return errors.New("consensus: missing peer certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("consensus: parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]
	if _, revoked := bundle.Denylist[strings.ToLower(leaf.SerialNumber.Text(16))]; revoked {
		return fmt.Errorf("consensus: certificate %s revoked", leaf.SerialNumber.Text(16))
	}
	opts := x509.VerifyOptions{
		Roots:         bundle.CAPool,
		CurrentTime:   time.Now(),
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("consensus: verify peer certificate: %w", err)
	}
	return nil
}
