package frontend

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/rpcfrontend/internal/forwarder"
)

// fakeForwardContext is a minimal Context stub exercising only the
// accessors HTTPForwarder.Forward reads and writes.
type fakeForwardContext struct {
	method      string
	path        string
	body        []byte
	headers     map[string][]string
	sessionID   string
	reqIndex    uint64
	respStatus  int
	respBody    []byte
	respHeaders map[string]string
}

func (f *fakeForwardContext) Method() string                              { return f.method }
func (f *fakeForwardContext) Verb() string                                { return f.method }
func (f *fakeForwardContext) Path() string                                { return f.path }
func (f *fakeForwardContext) RequestHeaders() map[string][]string         { return f.headers }
func (f *fakeForwardContext) SignedRequest() (SignedRequest, bool)        { return SignedRequest{}, false }
func (f *fakeForwardContext) CallerCert() *x509.Certificate               { return nil }
func (f *fakeForwardContext) OriginalCallerCert() (*x509.Certificate, bool) { return nil, false }
func (f *fakeForwardContext) IsForwarding() bool                          { return false }
func (f *fakeForwardContext) IsCreateRequest() bool                       { return false }
func (f *fakeForwardContext) ExecuteOnNode() bool                         { return false }
func (f *fakeForwardContext) ShouldApplyWrites() bool                     { return true }
func (f *fakeForwardContext) ClientSessionID() string                     { return f.sessionID }
func (f *fakeForwardContext) RequestIndex() uint64                        { return f.reqIndex }
func (f *fakeForwardContext) SerialisedRequest() []byte                   { return f.body }
func (f *fakeForwardContext) FrameFormat() int                            { return 0 }
func (f *fakeForwardContext) SetResponseStatus(status int)                { f.respStatus = status }
func (f *fakeForwardContext) SetResponseBody(body []byte)                 { f.respBody = body }
func (f *fakeForwardContext) SetResponseHeader(key, value string) {
	if f.respHeaders == nil {
		f.respHeaders = map[string]string{}
	}
	f.respHeaders[key] = value
}
func (f *fakeForwardContext) SetSeqnoViewGlobalCommit(seqno, view, globalCommit int64) {}

func TestHTTPForwarderForwardRelaysResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"relayed":true}`))
	}))
	defer srv.Close()

	transport, err := forwarder.New(forwarder.Config{DisableMTLS: true})
	if err != nil {
		t.Fatalf("forwarder.New: %v", err)
	}
	h := NewHTTPForwarder(transport)

	fc := &fakeForwardContext{
		method:    "POST",
		path:      "/v1/tx",
		body:      []byte(`{"k":"v"}`),
		headers:   map[string][]string{"Content-Type": {"application/json"}},
		sessionID: "session-1",
		reqIndex:  7,
	}
	ec := &EndpointContext{Ctx: fc, CallerID: "caller-1"}

	ok := h.Forward(context.Background(), srv.URL, "caller-1", nil, ec)
	if !ok {
		t.Fatalf("expected Forward to succeed")
	}
	if fc.respStatus != http.StatusAccepted {
		t.Fatalf("expected relayed status 202, got %d", fc.respStatus)
	}
	if string(fc.respBody) != `{"relayed":true}` {
		t.Fatalf("unexpected relayed body: %s", fc.respBody)
	}
	if fc.respHeaders["Content-Type"] != "application/json" {
		t.Fatalf("expected relayed content type header, got %+v", fc.respHeaders)
	}
}

func TestHTTPForwarderForwardFailsOnUnreachableTarget(t *testing.T) {
	transport, err := forwarder.New(forwarder.Config{DisableMTLS: true})
	if err != nil {
		t.Fatalf("forwarder.New: %v", err)
	}
	h := NewHTTPForwarder(transport)
	fc := &fakeForwardContext{method: "POST", path: "/v1/tx", body: []byte("{}")}
	ec := &EndpointContext{Ctx: fc, CallerID: "caller-1"}

	if h.Forward(context.Background(), "http://127.0.0.1:1", "caller-1", nil, ec) {
		t.Fatalf("expected Forward to fail against an unreachable target")
	}
}

func TestHTTPForwarderForwardNilTransport(t *testing.T) {
	h := NewHTTPForwarder(nil)
	fc := &fakeForwardContext{}
	ec := &EndpointContext{Ctx: fc}
	if h.Forward(context.Background(), "http://example.invalid", "caller-1", nil, ec) {
		t.Fatalf("expected Forward to fail with no transport configured")
	}
}

func TestFirstHeaderIsCaseInsensitive(t *testing.T) {
	headers := map[string][]string{"content-type": {"text/plain"}}
	if got := firstHeader(headers, "Content-Type"); got != "text/plain" {
		t.Fatalf("expected case-insensitive header match, got %q", got)
	}
	if got := firstHeader(headers, "X-Missing"); got != "" {
		t.Fatalf("expected empty string for missing header, got %q", got)
	}
}
