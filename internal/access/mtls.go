package access

import (
	"fmt"
	"net/http"
)

// PeerApplianceID returns the appliance identity asserted by the
// request's verified mTLS client certificate, or "" when the request
// carries none.
func PeerApplianceID(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return r.TLS.PeerCertificates[0].Subject.CommonName
}

// CheckApplianceIdentity cross-checks a claimed appliance_id against
// the mTLS peer certificate. Requests without a client cert pass; the
// bootstrap-token path and TLS-terminating proxies have no cert to
// present. A cert whose CN disagrees with the claim never passes.
func CheckApplianceIdentity(r *http.Request, applianceID string) error {
	peer := PeerApplianceID(r)
	if peer == "" {
		return nil
	}
	if peer != applianceID {
		return fmt.Errorf("mtls identity %q does not match claimed appliance %q", peer, applianceID)
	}
	return nil
}
