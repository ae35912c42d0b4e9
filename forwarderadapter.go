package frontend

import (
	"context"
	"strings"

	"pkt.systems/rpcfrontend/internal/forwarder"
)

// HTTPForwarder adapts internal/forwarder.Forwarder to the Forwarder
// interface, translating the admission-time EndpointContext into the
// transport-level Command envelope and relaying the response back onto
// ec.Ctx, the way an HTTP handler decodes a transport response directly
// onto the live http.ResponseWriter.
type HTTPForwarder struct {
	transport *forwarder.Forwarder
}

// NewHTTPForwarder wraps an already-constructed internal/forwarder.Forwarder.
func NewHTTPForwarder(transport *forwarder.Forwarder) *HTTPForwarder {
	return &HTTPForwarder{transport: transport}
}

// Forward implements Forwarder.
func (h *HTTPForwarder) Forward(ctx context.Context, primaryEndpoint, callerID string, certToForward []byte, ec *EndpointContext) bool {
	if h == nil || h.transport == nil {
		return false
	}
	cmd := forwarder.Command{
		CallerID:        callerID,
		ForwardCertPEM:  certToForward,
		Method:          ec.Ctx.Method(),
		Path:            ec.Ctx.Path(),
		Body:            ec.Ctx.SerialisedRequest(),
		ClientSessionID: ec.Ctx.ClientSessionID(),
		RequestIndex:    ec.Ctx.RequestIndex(),
	}
	if ct := firstHeader(ec.Ctx.RequestHeaders(), "Content-Type"); ct != "" {
		cmd.ContentType = ct
	}
	result, err := h.transport.Forward(ctx, primaryEndpoint, cmd)
	if err != nil {
		return false
	}
	ec.Ctx.SetResponseStatus(result.StatusCode)
	ec.Ctx.SetResponseBody(result.Body)
	if result.ContentType != "" {
		ec.Ctx.SetResponseHeader("Content-Type", result.ContentType)
	}
	return true
}

func firstHeader(headers map[string][]string, key string) string {
	for k, values := range headers {
		if !strings.EqualFold(k, key) {
			continue
		}
		if len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
