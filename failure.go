package frontend

import "fmt"

// Failure captures a transport-neutral error surfaced by the admission,
// auth, or driver stages, carrying the fields (Allow, WWWAuthenticate) an
// HTTP adapter at the boundary of this module needs to render every
// documented response without re-deriving headers.
type Failure struct {
	Code            string
	Detail          string
	HTTPStatus      int
	Allow           []string
	WWWAuthenticate string
	Headers         map[string]string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func notOpenFailure() Failure {
	return Failure{Code: "frontend_not_open", Detail: "Frontend is not open.", HTTPStatus: 404}
}

// unknownPathFailure builds the 404 response for a path with no registered
// verbs, substituting the path itself into the body rather than the method.
func unknownPathFailure(path string) Failure {
	return Failure{
		Code:       "unknown_path",
		Detail:     fmt.Sprintf("Unknown path: %s", path),
		HTTPStatus: 404,
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}

func methodNotAllowedFailure(method string, allowed []string) Failure {
	return Failure{
		Code:       "method_not_allowed",
		Detail:     fmt.Sprintf("Allowed methods for '%s' are: %s", method, joinVerbs(allowed)),
		HTTPStatus: 405,
		Allow:      allowed,
	}
}

func invalidCallerFailure(message string) Failure {
	if message == "" {
		message = "Invalid caller."
	}
	return Failure{Code: "invalid_caller", Detail: message, HTTPStatus: 403}
}

func missingSignatureFailure(method, headers string) Failure {
	return Failure{
		Code:            "signature_required",
		Detail:          fmt.Sprintf("'%s' RPC must be signed", method),
		HTTPStatus:      401,
		WWWAuthenticate: fmt.Sprintf(`Signature realm="Signed request access", headers="%s"`, headers),
	}
}

func invalidSignatureFailure(headers string) Failure {
	return Failure{
		Code:            "signature_invalid",
		Detail:          "Failed to verify client signature",
		HTTPStatus:      401,
		WWWAuthenticate: fmt.Sprintf(`Signature realm="Signed request access", headers="%s"`, headers),
	}
}

func jwtFailure(method, reason string) Failure {
	return Failure{
		Code:            "jwt_invalid",
		Detail:          fmt.Sprintf("'%s' %s", method, reason),
		HTTPStatus:      401,
		WWWAuthenticate: `Bearer realm="JWT bearer token access", error="invalid_token"`,
	}
}

func forwarderUnknownPrimaryFailure() Failure {
	return Failure{Code: "forward_unknown_primary", Detail: "RPC could not be forwarded to unknown primary.", HTTPStatus: 500}
}

func noReplicateFailure() Failure {
	return Failure{Code: "no_replicate", Detail: "Transaction failed to replicate.", HTTPStatus: 500}
}

func jsonParseFailure(pointer, what string) Failure {
	return Failure{Code: "json_parse_error", Detail: fmt.Sprintf("At %s:\n\t%s", pointer, what), HTTPStatus: 400}
}

func retriesExhaustedFailure() Failure {
	return Failure{Code: "retries_exhausted", Detail: "Transaction continued to conflict after 30 attempts.", HTTPStatus: 409}
}

func otherFailure(what string) Failure {
	return Failure{Code: "internal_error", Detail: what, HTTPStatus: 500}
}

func joinVerbs(verbs []string) string {
	out := ""
	for i, v := range verbs {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}
