package frontend

import (
	"context"
	"time"

	"pkt.systems/pslog"
)

// preExecHook is a closure hook run before the handler, in place of a
// dynamic pre_exec callable; BFT uses it to log the request into
// AFT_REQUESTS before the handler runs.
type preExecHook func(tx Tx, ec *EndpointContext) error

// committedSeqnoTracker is implemented by a Consensus that needs to learn
// this replica's committed log position to gate its own election/renewal
// decisions on it. Not every Consensus implementation tracks this, so the
// frontend probes for it rather than requiring it on the interface.
type committedSeqnoTracker interface {
	SetCommittedSeqno(seqno uint64)
}

// driveTransaction runs the commit retry loop: up to f.maxAttempts commit
// attempts, driven off the tagged CommitOutcome.
func (f *Frontend) driveTransaction(ctx context.Context, ec *EndpointContext, ep *Endpoint, pre preExecHook, shouldRecordSig bool, signed SignedRequest, hasSig bool) *Failure {
	endpointKey := endpointMetricsKey(ep)
	start := time.Now()
	defer func() {
		if f.metrics != nil {
			f.metrics.RecordDecide(ctx, endpointKey, time.Since(start))
		}
	}()

	attempts := 0
	for attempts < f.maxAttempts {
		attempts++

		if pre != nil {
			if err := pre(ec.Tx, ec); err != nil {
				fail := f.translateHandlerError(err)
				f.chargeFailure(ctx, endpointKey, &fail)
				return &fail
			}
		}

		if hasSig && shouldRecordSig {
			if err := f.recordSignatureIfNeeded(ec, signed, true); err != nil {
				fail := f.translateHandlerError(err)
				f.chargeFailure(ctx, endpointKey, &fail)
				return &fail
			}
		}

		result, err := f.registry.ExecuteEndpoint(ep, ec)
		if err != nil {
			fail := f.translateHandlerError(err)
			f.chargeFailure(ctx, endpointKey, &fail)
			return &fail
		}

		if !result.AppliesWrites {
			f.chargeByStatus(ctx, endpointKey, result.Status, "handler")
			f.writeResponse(ec.Ctx, result)
			return nil
		}

		outcome := ec.Tx.Commit()
		switch outcome.Tag {
		case CommitOK:
			f.onCommitOK(ctx, ec, outcome)
			f.writeResponse(ec.Ctx, result)
			return nil
		case CommitConflict:
			continue
		case CommitNoReplicate:
			fail := noReplicateFailure()
			f.chargeFailure(ctx, endpointKey, &fail)
			return &fail
		case CommitCompacted:
			ec.Tx.Reset()
			attempts--
			continue
		case CommitRPCError:
			fail := Failure{Code: "rpc_error", Detail: outcome.RPCMsg, HTTPStatus: outcome.RPCStatus}
			f.chargeByStatus(ctx, endpointKey, fail.HTTPStatus, "handler")
			return &fail
		case CommitJSONError:
			fail := jsonParseFailure(outcome.JSONPointer, outcome.JSONMsg)
			f.chargeFailure(ctx, endpointKey, &fail)
			return &fail
		case CommitFatal:
			logger := f.logger
			if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
				logger = ctxLogger
			}
			logger.Error("frontend.commit.fatal", "endpoint", endpointKey)
			f.abort("KV serialization failure on commit")
			fail := otherFailure("fatal: serialization failure")
			return &fail
		default:
			fail := otherFailure(outcome.OtherMsg)
			f.chargeFailure(ctx, endpointKey, &fail)
			return &fail
		}
	}

	fail := retriesExhaustedFailure()
	f.chargeFailure(ctx, endpointKey, &fail)
	return &fail
}

// onCommitOK handles a successful commit: seqno/view/global_commit
// assignment and, on the primary, a signature-emission attempt.
func (f *Frontend) onCommitOK(ctx context.Context, ec *EndpointContext, outcome CommitOutcome) {
	seqno := ec.Tx.CommitVersion()
	if seqno == 0 {
		seqno = ec.Tx.ReadVersion()
	}
	view := ec.Tx.CommitTerm()
	globalCommit := int64(0)
	if f.consensus != nil {
		if tracker, ok := f.consensus.(committedSeqnoTracker); ok {
			tracker.SetCommittedSeqno(uint64(seqno))
		}
		globalCommit = int64(f.consensus.Stats().CommittedSeqno)
	}
	ec.Ctx.SetSeqnoViewGlobalCommit(seqno, view, globalCommit)

	f.txCount.Add(1)

	if f.consensus != nil && f.consensus.IsPrimary() && f.history != nil {
		f.history.TryEmitSignature()
		now := time.Now().UnixNano()
		if last := f.lastSigEmitNano.Swap(now); last != 0 && f.metrics != nil {
			f.metrics.RecordSignatureInterval(ctx, time.Duration(now-last))
		}
	}
}

// translateHandlerError turns a handler error into a Failure: an explicit
// Failure passes through, anything else becomes a generic internal error.
// A KV serialization failure is not modeled here because the store signals
// that outcome through CommitOutcome.Tag == CommitFatal, not through err.
func (f *Frontend) translateHandlerError(err error) Failure {
	if failure, ok := asFailure(err); ok {
		return failure
	}
	return otherFailure(err.Error())
}

func asFailure(err error) (Failure, bool) {
	if err == nil {
		return Failure{}, false
	}
	if failure, ok := err.(Failure); ok {
		return failure, true
	}
	return Failure{}, false
}

func (f *Frontend) chargeFailure(ctx context.Context, endpointKey string, fail *Failure) {
	f.chargeByStatus(ctx, endpointKey, fail.HTTPStatus, "handler")
}

// chargeByStatus applies the closing rule that every terminal response
// path updates per-endpoint metrics, 4xx → errors, 5xx → failures. An
// empty endpointKey means no endpoint was resolved (an admission
// rejection before lookup), which is never charged.
func (f *Frontend) chargeByStatus(ctx context.Context, endpointKey string, status int, trigger string) {
	if endpointKey == "" {
		return
	}
	switch {
	case status >= 500:
		f.registry.IncrementFailures(endpointKey)
		if f.metrics != nil {
			f.metrics.RecordFailure(ctx, endpointKey, trigger)
		}
	case status >= 400:
		f.registry.IncrementErrors(endpointKey)
		if f.metrics != nil {
			f.metrics.RecordError(ctx, endpointKey, trigger)
		}
	}
}

func (f *Frontend) writeResponse(reqCtx Context, result *HandlerResult) {
	reqCtx.SetResponseStatus(result.Status)
	reqCtx.SetResponseBody(result.Body)
	for k, v := range result.Headers {
		reqCtx.SetResponseHeader(k, v)
	}
}
