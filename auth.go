package frontend

import (
	"crypto"
	"crypto/x509"
	"strings"

	"pkt.systems/rpcfrontend/internal/jwtauth"
)

// authenticateSignature runs the signature-verification steps, mutating
// ec.CallerID in place when a signing key resolves and returning a Failure
// on a verification failure path. forwarded indicates the command already
// passed through a CFT forward hop, whose sender already verified the
// signature.
func (f *Frontend) authenticateSignature(ec *EndpointContext, reqCtx Context, ep *Endpoint, forwarded bool) (signed SignedRequest, hasSig bool, record bool, fail *Failure) {
	signed, hasSig = reqCtx.SignedRequest()
	if !hasSig {
		return signed, false, false, nil
	}

	callerCert := reqCtx.CallerCert()
	if resolvedCallerID, cert, ok := f.registry.GetCallerIDByDigest([]byte(signed.KeyID)); ok {
		ec.CallerID = resolvedCallerID
		if cert != nil {
			callerCert = cert
		}
	}

	if reqCtx.IsCreateRequest() || forwarded {
		return signed, true, f.isPrimary(reqCtx), nil
	}

	verifier, err := f.verifierCache.GetOrCreate(ec.CallerID, callerCert)
	if err != nil {
		failure := invalidSignatureFailure(f.signedHeaderList)
		return signed, true, false, &failure
	}
	if err := verifier.Verify(signatureDigest(signed), signed.Sig); err != nil {
		failure := invalidSignatureFailure(f.signedHeaderList)
		return signed, true, false, &failure
	}

	return signed, true, f.isPrimary(reqCtx), nil
}

// recordSignatureIfNeeded records a signature only on the primary, after
// verification succeeds (or when is_create_request bypassed it).
func (f *Frontend) recordSignatureIfNeeded(ec *EndpointContext, signed SignedRequest, shouldRecord bool) error {
	if !shouldRecord || f.clientSignaturesTable == "" {
		return nil
	}
	return ec.Tx.RecordClientSignature(f.clientSignaturesTable, ec.CallerID, signed, f.requestStoringDisabled)
}

// authenticateJWT extracts and verifies a bearer token from the request's
// Authorization header.
func (f *Frontend) authenticateJWT(ec *EndpointContext, reqCtx Context, path string) *Failure {
	authHeader := ""
	for k, values := range reqCtx.RequestHeaders() {
		if strings.EqualFold(k, "Authorization") && len(values) > 0 {
			authHeader = values[0]
			break
		}
	}
	token, ok := jwtauth.ExtractBearer(authHeader)
	if !ok {
		failure := jwtFailure(path, "JWT is malformed")
		return &failure
	}

	claim, reason := jwtauth.Verify(token, txKeySource{tx: ec.Tx})
	if reason != "" {
		failure := jwtFailure(path, reason)
		return &failure
	}
	_ = claim
	return nil
}

// txKeySource adapts a Tx to internal/jwtauth.KeySource, backed by the
// JWT_PUBLIC_SIGNING_KEYS / JWT_PUBLIC_SIGNING_KEY_ISSUER tables.
type txKeySource struct {
	tx Tx
}

func (s txKeySource) SigningKey(kid string) (publicKey crypto.PublicKey, ok bool) {
	der, found, err := s.tx.LookupJWTSigningKey(kid)
	if err != nil || !found {
		return nil, false
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, false
	}
	return key, true
}

func (s txKeySource) Issuer(kid string) (string, bool) {
	issuer, ok, err := s.tx.LookupJWTIssuer(kid)
	if err != nil || !ok {
		return "", false
	}
	return issuer, true
}

func signatureDigest(signed SignedRequest) []byte {
	return signed.Req
}

