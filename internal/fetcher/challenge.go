package fetcher

import (
	"bytes"
	"net/http"
	"strings"
)

// Signature recognises one kind of bot-challenge interstitial.
type Signature struct {
	Name  string
	Match func(status int, header http.Header, body []byte) bool
}

// BodyMarker returns a signature matching a case-sensitive phrase in the body.
func BodyMarker(marker string) Signature {
	needle := []byte(marker)
	return Signature{
		Name: marker,
		Match: func(_ int, _ http.Header, body []byte) bool {
			return bytes.Contains(body, needle)
		},
	}
}

// CloudflareForbidden matches a 403 served by Cloudflare, whatever the body says.
var CloudflareForbidden = Signature{
	Name: "cloudflare-403",
	Match: func(status int, header http.Header, _ []byte) bool {
		return status == http.StatusForbidden && strings.Contains(strings.ToLower(header.Get("Server")), "cloudflare")
	},
}

// DefaultSignatures is the ordered list checked against every response.
func DefaultSignatures() []Signature {
	return []Signature{
		CloudflareForbidden,
		BodyMarker("Just a moment..."),
		BodyMarker("cf-browser-verification"),
		BodyMarker("challenge-platform"),
		BodyMarker("Checking your browser before accessing"),
		BodyMarker("Verifying you are human"),
		BodyMarker("Attention Required! | Cloudflare"),
		BodyMarker("DDoS protection by"),
	}
}

// Detector runs an ordered list of signatures.
type Detector struct {
	signatures []Signature
}

// NewDetector builds a detector from the defaults followed by extra body markers.
func NewDetector(extraMarkers ...string) *Detector {
	sigs := DefaultSignatures()
	for _, m := range extraMarkers {
		if m = strings.TrimSpace(m); m != "" {
			sigs = append(sigs, BodyMarker(m))
		}
	}
	return &Detector{signatures: sigs}
}

// Add appends a signature; it is checked after the existing ones.
func (d *Detector) Add(sig Signature) {
	d.signatures = append(d.signatures, sig)
}

// Detect returns the first matching signature name, or "" when the response looks clean.
func (d *Detector) Detect(status int, header http.Header, body []byte) string {
	if header == nil {
		header = http.Header{}
	}
	for _, sig := range d.signatures {
		if sig.Match(status, header, body) {
			return sig.Name
		}
	}
	return ""
}
