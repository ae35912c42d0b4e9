package frontend

import (
	"context"

	"pkt.systems/rpcfrontend/internal/consensus"
)

// Process is the primary entry point: lifecycle check → caller-id resolve
// → endpoint lookup → routing decision → (forward/redirect OR transaction
// driver) → serialize response. It returns true when the request is
// pending (forwarded or BFT-distributed) and no response has been written
// yet.
func (f *Frontend) Process(ctx context.Context, reqCtx Context) (pending bool) {
	ctx = f.withRequestLogger(ctx, "frontend.process")
	ctx, span := f.startSpan(ctx, "frontend.Process")
	defer span.End()

	f.refreshCollaborators()

	tx := f.store.CreateTx(ctx)
	defer tx.Release()

	if !f.IsOpen(tx) {
		f.applyFailure(reqCtx, notOpenFailure())
		return false
	}

	ec := &EndpointContext{Ctx: reqCtx, Tx: tx}
	ec.CallerID = f.resolveInitialCallerID(ec)

	admitted := f.admit(ctx, ec, reqCtx)
	if admitted.Failure != nil {
		f.rejectRequest(ctx, reqCtx, *admitted.Failure, endpointMetricsKey(admitted.Endpoint), "admission")
		return false
	}
	ep := admitted.Endpoint

	signed, hasSig, shouldRecordSig, authFail := f.authenticateSignature(ec, reqCtx, ep, false)
	if authFail != nil {
		f.rejectRequest(ctx, reqCtx, *authFail, endpointMetricsKey(ep), "auth")
		return false
	}

	if ep.Properties.RequireJWTAuthentication {
		if fail := f.authenticateJWT(ec, reqCtx, reqCtx.Path()); fail != nil {
			f.rejectRequest(ctx, reqCtx, *fail, endpointMetricsKey(ep), "auth")
			return false
		}
	}

	mode := consensus.CFT
	if f.consensus != nil {
		mode = f.consensus.Mode()
	}
	primary := f.isPrimary(reqCtx)

	if wantsBFTDistribute(mode, primary, reqCtx.ExecuteOnNode(), ep) {
		f.distributeBFT(ec, reqCtx, ep)
		return true
	}

	if !primary {
		action := decideRoute(mode, ep, reqCtx.IsForwarding(), reqCtx.ExecuteOnNode())
		switch action {
		case routeForward, routeRedirect:
			fail := f.forwardOrRedirect(ctx, ec, reqCtx, ep)
			if fail != nil {
				f.rejectRequest(ctx, reqCtx, *fail, endpointMetricsKey(ep), "forward")
				return false
			}
			return true
		}
	}

	fail := f.driveTransaction(ctx, ec, ep, nil, hasSig && shouldRecordSig, signed, hasSig)
	if fail != nil {
		f.applyFailure(reqCtx, *fail)
	}
	return false
}

// distributeBFT constructs the request-id triple, logs it to history, sets
// it on the tx, and leaves the response pending.
func (f *Frontend) distributeBFT(ec *EndpointContext, reqCtx Context, ep *Endpoint) {
	reqID := bftRequestID(ec, reqCtx)
	ec.Tx.SetRequestID(reqID)
	if f.history != nil {
		cert := f.certToForward(reqCtx, ep)
		f.history.AddRequest(consensus.RequestID(reqID), ec.CallerID, cert, reqCtx.SerialisedRequest(), reqCtx.FrameFormat())
	}
}

// resolveInitialCallerID applies the ResolveCallerID extension hook, if
// configured, falling back to the registry-backed resolution.
func (f *Frontend) resolveInitialCallerID(ec *EndpointContext) string {
	if f.resolveCallerID != nil {
		return f.resolveCallerID(ec.Ctx)
	}
	return f.registry.GetCallerID(ec)
}

// applyFailure renders a Failure onto the HTTP context collaborator. It
// does not charge per-endpoint metrics: callers whose failure originated
// inside driveTransaction have already had chargeByStatus/chargeFailure
// run against the endpoint there, so a second charge here would double
// count. Use rejectRequest instead for a failure that has not yet been
// charged.
func (f *Frontend) applyFailure(reqCtx Context, fail Failure) {
	reqCtx.SetResponseStatus(fail.HTTPStatus)
	reqCtx.SetResponseBody([]byte(fail.Detail))
	if fail.WWWAuthenticate != "" {
		reqCtx.SetResponseHeader("WWW-Authenticate", fail.WWWAuthenticate)
	}
	if len(fail.Allow) > 0 {
		reqCtx.SetResponseHeader("Allow", joinVerbs(fail.Allow))
	}
	for k, v := range fail.Headers {
		reqCtx.SetResponseHeader(k, v)
	}
}

// rejectRequest renders fail and charges it against endpointKey, applying
// the closing rule that every terminal response path updates per-endpoint
// metrics, including admission- and authentication-time rejections that
// never reach driveTransaction. endpointKey is empty when no endpoint had
// been resolved yet (an unknown path or a verb not allowed on a known
// path), in which case chargeByStatus is a no-op.
func (f *Frontend) rejectRequest(ctx context.Context, reqCtx Context, fail Failure, endpointKey, trigger string) {
	f.applyFailure(reqCtx, fail)
	f.chargeByStatus(ctx, endpointKey, fail.HTTPStatus, trigger)
}
