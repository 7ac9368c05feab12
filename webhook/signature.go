// Package webhook implements verification, parsing, and dispatch of inbound
// Stripe webhook events.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrAuthentication marks signature failures. This is the only error class
// whose message is echoed verbatim to the caller.
var ErrAuthentication = errors.New("authentication failed")

// Verifier checks that an inbound request body was signed by Stripe with the
// shared webhook secret.
type Verifier struct {
	secret    string
	tolerance time.Duration // 0 disables timestamp checking
	now       func() time.Time
}

// NewVerifier creates a Verifier for the given shared secret. A non-zero
// tolerance additionally rejects signatures whose timestamp is further than
// tolerance from the current time.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// signatureHeader is the parsed form of a "t=<ts>,v1=<hex>" header value.
type signatureHeader struct {
	timestamp string
	signature string
}

// parseSignatureHeader splits the composite header into its t= and v1=
// components. Both must be present.
func parseSignatureHeader(header string) (*signatureHeader, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: missing stripe-signature header", ErrAuthentication)
	}

	var parsed signatureHeader
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed.timestamp = v
		case "v1":
			parsed.signature = v
		}
	}

	if parsed.timestamp == "" || parsed.signature == "" {
		return nil, fmt.Errorf("%w: malformed stripe-signature header", ErrAuthentication)
	}
	return &parsed, nil
}

// Verify checks the signature header against the raw request body. The body
// must be the exact bytes received, not re-serialized JSON.
func (v *Verifier) Verify(body []byte, header string) error {
	parsed, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		ts, err := strconv.ParseInt(parsed.timestamp, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid signature timestamp", ErrAuthentication)
		}
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: signature timestamp outside tolerance", ErrAuthentication)
		}
	}

	supplied, err := hex.DecodeString(parsed.signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrAuthentication)
	}

	expected := computeSignature(v.secret, parsed.timestamp, body)
	// hmac.Equal compares in constant time over the full MAC length.
	if !hmac.Equal(supplied, expected) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}
	return nil
}

// computeSignature returns the HMAC-SHA-256 of "timestamp.body" under secret.
func computeSignature(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign produces a valid signature header for the given body at the given
// time. Used by tests and local replay tooling.
func Sign(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	sig := computeSignature(secret, ts, body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(sig))
}
