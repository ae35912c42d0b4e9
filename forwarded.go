package frontend

import (
	"context"
	"errors"

	"pkt.systems/rpcfrontend/internal/callerid"
	"pkt.systems/rpcfrontend/internal/consensus"
)

// ErrProcessBFTNotOpen is returned by ProcessBFT when the frontend has not
// reached the open state: under BFT this is evidence of a malicious
// primary, and the caller is expected to initiate a view change.
var ErrProcessBFTNotOpen = errors.New("process_bft: frontend not open")

// ErrOriginalCallerMissing is returned by ProcessForwarded when the context
// carries no original-caller certificate: a forwarded command is expected
// to always have one.
var ErrOriginalCallerMissing = errors.New("process_forwarded: original caller certificate missing")

// ProcessForwarded is the entry point for commands already verified and
// forwarded by another replica. Under CFT it runs the same transaction
// driver using the original caller's identity, with signature verification
// skipped (the forwarding replica already verified it). Under BFT it
// delegates to ProcessBFT.
func (f *Frontend) ProcessForwarded(ctx context.Context, reqCtx Context) (pending bool, err error) {
	ctx = f.withRequestLogger(ctx, "frontend.process_forwarded")
	ctx, span := f.startSpan(ctx, "frontend.ProcessForwarded")
	defer span.End()

	f.refreshCollaborators()

	originalCert, ok := reqCtx.OriginalCallerCert()
	if !ok || originalCert == nil {
		return false, ErrOriginalCallerMissing
	}

	mode := consensus.CFT
	if f.consensus != nil {
		mode = f.consensus.Mode()
	}
	if mode == consensus.BFT {
		return f.ProcessBFT(ctx, reqCtx)
	}

	tx := f.store.CreateTx(ctx)
	defer tx.Release()

	if !f.IsOpen(tx) {
		f.applyFailure(reqCtx, notOpenFailure())
		return false, nil
	}

	ec := &EndpointContext{Ctx: reqCtx, Tx: tx, CallerID: string(callerid.FromCertificate(originalCert))}

	admitted := f.admit(ctx, ec, reqCtx)
	if admitted.Failure != nil {
		f.rejectRequest(ctx, reqCtx, *admitted.Failure, endpointMetricsKey(admitted.Endpoint), "admission")
		return false, nil
	}
	ep := admitted.Endpoint

	signed, hasSig, shouldRecordSig, authFail := f.authenticateSignature(ec, reqCtx, ep, true)
	if authFail != nil {
		f.rejectRequest(ctx, reqCtx, *authFail, endpointMetricsKey(ep), "auth")
		return false, nil
	}

	if ep.Properties.RequireJWTAuthentication {
		if fail := f.authenticateJWT(ec, reqCtx, reqCtx.Path()); fail != nil {
			f.rejectRequest(ctx, reqCtx, *fail, endpointMetricsKey(ep), "auth")
			return false, nil
		}
	}

	fail := f.driveTransaction(ctx, ec, ep, nil, hasSig && shouldRecordSig, signed, hasSig)
	if fail != nil {
		f.applyFailure(reqCtx, *fail)
	}
	return false, nil
}

// ProcessBFT is the BFT-replicated execution entry point: the frontend
// must already be open, and the pre_exec hook logs the request into
// AFT_REQUESTS before the handler runs.
func (f *Frontend) ProcessBFT(ctx context.Context, reqCtx Context) (pending bool, err error) {
	ctx = f.withRequestLogger(ctx, "frontend.process_bft")
	ctx, span := f.startSpan(ctx, "frontend.ProcessBFT")
	defer span.End()

	f.refreshCollaborators()

	tx := f.store.CreateTx(ctx)
	defer tx.Release()

	if !f.IsOpen(tx) {
		return false, ErrProcessBFTNotOpen
	}

	ec := &EndpointContext{Ctx: reqCtx, Tx: tx}
	ec.CallerID = f.resolveInitialCallerID(ec)

	admitted := f.admit(ctx, ec, reqCtx)
	if admitted.Failure != nil {
		f.rejectRequest(ctx, reqCtx, *admitted.Failure, endpointMetricsKey(admitted.Endpoint), "admission")
		return false, nil
	}
	ep := admitted.Endpoint

	signed, hasSig, shouldRecordSig, authFail := f.authenticateSignature(ec, reqCtx, ep, false)
	if authFail != nil {
		f.rejectRequest(ctx, reqCtx, *authFail, endpointMetricsKey(ep), "auth")
		return false, nil
	}

	pre := func(tx Tx, ec *EndpointContext) error {
		return tx.AppendAFTRequest(bftRequestID(ec, reqCtx), reqCtx.SerialisedRequest(), reqCtx.FrameFormat())
	}

	fail := f.driveTransaction(ctx, ec, ep, pre, hasSig && shouldRecordSig, signed, hasSig)
	if fail != nil {
		f.applyFailure(reqCtx, *fail)
	}
	return false, nil
}

// UpdateMerkleTree flushes any pending history entries.
func (f *Frontend) UpdateMerkleTree() {
	f.refreshCollaborators()
	if f.history != nil {
		f.history.Flush()
	}
}
