package frontend

import (
	"context"
	"strings"

	"pkt.systems/rpcfrontend/internal/callerid"
)

// admissionResult carries the outcome of admitting a request: either a
// resolved endpoint ready for routing, or a terminal Failure.
type admissionResult struct {
	Endpoint *Endpoint
	Failure  *Failure
}

// admit performs endpoint lookup, the 404/405 distinction, the calls
// counter, and the required-identity/required-signature checks.
// It does not perform signature verification itself (that is auth.go's
// job) — only the "is a signature present at all" gate.
func (f *Frontend) admit(ctx context.Context, ec *EndpointContext, reqCtx Context) admissionResult {
	path := reqCtx.Path()
	verb := reqCtx.Verb()

	ep, found, allowedVerbs := f.registry.FindEndpoint(path, verb)
	if !found {
		if len(allowedVerbs) == 0 {
			fail := unknownPathFailure(path)
			return admissionResult{Failure: &fail}
		}
		fail := methodNotAllowedFailure(path, allowedVerbs)
		return admissionResult{Failure: &fail}
	}

	endpointKey := endpointMetricsKey(ep)
	f.registry.IncrementCalls(endpointKey)
	if f.metrics != nil {
		f.metrics.RecordCall(ctx, endpointKey)
	}

	if ep.Properties.RequireClientIdentity && f.registry.HasCerts() {
		if !f.callerIDValid(ec, reqCtx) {
			fail := invalidCallerFailure(f.invalidCallerMessage)
			return admissionResult{Endpoint: ep, Failure: &fail}
		}
	}

	if ep.Properties.RequireClientSignature {
		if _, hasSig := reqCtx.SignedRequest(); !hasSig {
			fail := missingSignatureFailure(path, f.signedHeaderList)
			return admissionResult{Endpoint: ep, Failure: &fail}
		}
	}

	return admissionResult{Endpoint: ep}
}

// callerIDValid checks the "required client identity" rule: the caller-id
// must be valid, or — for a forwarded request — a
// forwarder-cert lookup must succeed.
func (f *Frontend) callerIDValid(ec *EndpointContext, reqCtx Context) bool {
	if ec.CallerID != InvalidID {
		return true
	}
	if !reqCtx.IsForwarding() {
		return false
	}
	lookup := f.lookupForwardedCallerCert
	if lookup == nil {
		lookup = f.defaultLookupForwardedCallerCert
	}
	_, ok := lookup(reqCtx)
	return ok
}

func (f *Frontend) defaultLookupForwardedCallerCert(reqCtx Context) (callerid.ID, bool) {
	cert, ok := reqCtx.OriginalCallerCert()
	if !ok || cert == nil {
		return callerid.Invalid, false
	}
	id := callerid.FromCertificate(cert)
	return id, id.Valid()
}

func endpointMetricsKey(ep *Endpoint) string {
	if ep == nil {
		return ""
	}
	return strings.ToUpper(ep.Verb) + " " + ep.Path
}
