// Package forwarder implements the "forwarder" collaborator the frontend
// treats as an external dependency: an HTTP transport that ships a
// forwarded command to the node that should execute it. Adapted from
// internal/tcclient.NewHTTPClient, which built an mTLS *http.Client for the
// lease protocol; this version targets a forward-command endpoint instead.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/rpcfrontend/internal/tlsutil"
)

// Config configures a Forwarder's HTTP transport.
type Config struct {
	DisableMTLS bool
	BundlePath  string
	Bundle      *tlsutil.Bundle
	Timeout     time.Duration
	TrustPEM    [][]byte
}

// Command is the forwarded-command envelope delivered to the node that owns
// the request: the serialised request body travels alongside the caller id
// and forwarding certificate the receiving node needs to reconstruct the
// admission context.
type Command struct {
	CallerID        string `json:"caller_id"`
	ForwardCertPEM  []byte `json:"forward_cert_pem,omitempty"`
	Method          string `json:"method"`
	Path            string `json:"path"`
	Body            []byte `json:"body"`
	ContentType     string `json:"content_type,omitempty"`
	ClientSessionID string `json:"client_session_id,omitempty"`
	RequestIndex    uint64 `json:"request_index,omitempty"`
}

// Result is the forwarded command's response, relayed back to the original
// caller verbatim.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Forwarder ships a Command to a target node's forward endpoint over mTLS.
type Forwarder struct {
	http *http.Client
}

// New builds a Forwarder from cfg.
func New(cfg Config) (*Forwarder, error) {
	client, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Forwarder{http: client}, nil
}

// Client exposes the Forwarder's configured mTLS transport so a host process
// can reuse the same peer-authenticated connection pool for other
// node-to-node calls instead of dialing a second client with identical
// certificates.
func (f *Forwarder) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.http
}

// Forward POSTs cmd to target's forward endpoint and returns the relayed response.
func (f *Forwarder) Forward(ctx context.Context, target string, cmd Command) (Result, error) {
	if f == nil || f.http == nil {
		return Result{}, errors.New("forwarder: not configured")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("forwarder: encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/forward", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("forwarder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("forwarder: deliver command: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("forwarder: read response: %w", err)
	}
	return Result{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("forwarder: http transport unexpected type")
	}
	tr := transport.Clone()
	if cfg.DisableMTLS {
		tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return &http.Client{Timeout: cfg.Timeout, Transport: tr}, nil
	}
	bundle := cfg.Bundle
	if bundle == nil {
		if cfg.BundlePath == "" {
			return nil, errors.New("forwarder: bundle required for mTLS")
		}
		var err error
		bundle, err = tlsutil.LoadBundle(cfg.BundlePath, "")
		if err != nil {
			return nil, fmt.Errorf("forwarder: load bundle: %w", err)
		}
	}
	roots := x509.NewCertPool()
	if bundle.CAPool != nil {
		roots = bundle.CAPool.Clone()
	}
	for _, blob := range cfg.TrustPEM {
		if len(blob) == 0 {
			continue
		}
		roots.AppendCertsFromPEM(blob)
	}
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{bundle.ServerCertificate},
		RootCAs:            roots,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeerCertificate(rawCerts, roots)
		},
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: tr}, nil
}

func verifyPeerCertificate(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errors.New("forwarder: missing peer certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("forwarder: parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]
	opts := x509.VerifyOptions{
		Roots:         roots,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		Intermediates: x509.NewCertPool(),
		CurrentTime:   time.Now(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("forwarder: verify peer certificate: %w", err)
	}
	return nil
}
