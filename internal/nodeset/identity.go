package nodeset

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// IdentityFromCertificate derives a stable node id from a server certificate's
// spiffe:// URI SAN, mirroring internal/callerid's caller-facing analogue.
func IdentityFromCertificate(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	for _, uri := range cert.URIs {
		if uri == nil || !strings.EqualFold(uri.Scheme, "spiffe") {
			continue
		}
		if !strings.HasPrefix(uri.Path, "/node/") {
			continue
		}
		nodeID := strings.Trim(strings.TrimPrefix(uri.Path, "/node/"), "/")
		if nodeID != "" {
			return nodeID
		}
	}
	return ""
}

// IdentityFromEndpoint derives a stable node id from an endpoint string, used
// when no certificate-derived identity is available.
func IdentityFromEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(endpoint))
	return strings.ToLower(hex.EncodeToString(sum[:]))
}
