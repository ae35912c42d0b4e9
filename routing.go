package frontend

import (
	"context"
	"strconv"
	"time"

	"pkt.systems/rpcfrontend/internal/consensus"
)

// routeAction is the result of the routing decision.
type routeAction int

const (
	routeExecuteLocally routeAction = iota
	routeForward
	routeRedirect
	routeBFTDistribute
)

// decideRoute applies the routing table. It assumes the
// caller already established that this replica is not primary (or, for the
// BFT-distribute branch, that it is); primary-and-execute-locally requests
// never reach this function.
func decideRoute(mode consensus.Mode, ep *Endpoint, alreadyForwarded, executeOnNode bool) routeAction {
	switch mode {
	case consensus.CFT:
		switch ep.Properties.ForwardingRequired {
		case ForwardingNever:
			return routeExecuteLocally
		case ForwardingAlways:
			return routeForward
		case ForwardingSometimes:
			if alreadyForwarded {
				return routeExecuteLocally
			}
			return routeForward
		}
	case consensus.BFT:
		switch ep.Properties.ForwardingRequired {
		case ForwardingNever:
			return routeExecuteLocally
		case ForwardingAlways:
			return routeForward
		case ForwardingSometimes:
			// Forward unless execute_locally and execute_on_node is false.
			if ep.Properties.ExecuteLocally && !executeOnNode {
				return routeExecuteLocally
			}
			return routeForward
		}
	}
	return routeExecuteLocally
}

// wantsBFTDistribute reports whether a request should be distributed under
// BFT: BFT mode, on primary (or execute_on_node), and the endpoint is not
// execute_locally.
func wantsBFTDistribute(mode consensus.Mode, isPrimary, executeOnNode bool, ep *Endpoint) bool {
	if mode != consensus.BFT {
		return false
	}
	if !isPrimary && !executeOnNode {
		return false
	}
	return !ep.Properties.ExecuteLocally
}

// certToForward returns the full session caller cert, unless the receiving
// side can resolve caller-id on its own AND the endpoint requires client
// identity, in which case an empty cert is sent to keep the forwarded frame
// small.
func (f *Frontend) certToForward(reqCtx Context, ep *Endpoint) []byte {
	if f.registry.HasCerts() && ep != nil && ep.Properties.RequireClientIdentity {
		return nil
	}
	cert := reqCtx.CallerCert()
	if cert == nil {
		return nil
	}
	return cert.Raw
}

// forwardOrRedirect attempts delivery to the primary when a forwarder is
// configured and the command has not already been forwarded; otherwise it
// redirects the client.
func (f *Frontend) forwardOrRedirect(ctx context.Context, ec *EndpointContext, reqCtx Context, ep *Endpoint) *Failure {
	endpointKey := endpointMetricsKey(ep)
	if f.forwarder != nil && !reqCtx.IsForwarding() {
		start := time.Now()
		primaryID := consensus.NoNode
		if f.consensus != nil {
			primaryID = f.consensus.PrimaryID()
		}
		if primaryID != consensus.NoNode {
			endpoint := f.primaryEndpoint(primaryID)
			cert := f.certToForward(reqCtx, ep)
			if endpoint != "" && f.forwarder.Forward(ctx, endpoint, ec.CallerID, cert, ec) {
				if f.metrics != nil {
					f.metrics.RecordFanout(ctx, endpointKey, "forwarded", time.Since(start))
				}
				return nil // pending
			}
		}
		if f.metrics != nil {
			f.metrics.RecordFanout(ctx, endpointKey, "forward_failed", time.Since(start))
		}
		fail := forwarderUnknownPrimaryFailure()
		return &fail
	}
	return f.redirect(reqCtx)
}

// redirect builds the 307 redirect response, reading the NODES table for
// the primary's published host/port when consensus knows it.
func (f *Frontend) redirect(reqCtx Context) *Failure {
	fail := Failure{Code: "redirect", HTTPStatus: 307}
	if f.consensus == nil {
		return &fail
	}
	primaryID := f.consensus.PrimaryID()
	if primaryID == consensus.NoNode {
		return &fail
	}
	for _, node := range f.consensus.ActiveNodes() {
		if node.NodeID != primaryID {
			continue
		}
		fail.Headers = map[string]string{"Location": nodeLocation(node)}
		return &fail
	}
	return &fail
}

func (f *Frontend) primaryEndpoint(primaryID string) string {
	if f.consensus == nil {
		return ""
	}
	for _, node := range f.consensus.ActiveNodes() {
		if node.NodeID == primaryID {
			return node.Endpoint
		}
	}
	return ""
}

func nodeLocation(node consensus.NodeInfo) string {
	if node.PubHost == "" {
		return node.Endpoint
	}
	return node.PubHost + ":" + strconv.Itoa(node.RPCPort)
}

// bftRequestID builds the (caller_id, client_session_id, request_index)
// triple handed to Tx.SetRequestID and History.AddRequest.
func bftRequestID(ec *EndpointContext, reqCtx Context) RequestID {
	return RequestID{
		CallerID:        ec.CallerID,
		ClientSessionID: reqCtx.ClientSessionID(),
		RequestIndex:    reqCtx.RequestIndex(),
	}
}
