package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"subsync/pkg/errors"
)

// Signature failure reasons, used as the metric label and the audit reason.
const (
	ReasonMissingSignature = "missing_signature"
	ReasonMalformedHeader  = "malformed_header"
	ReasonTimestampSkew    = "timestamp_skew"
	ReasonMismatch         = "mismatch"
)

// Verifier checks provider signatures of the form
// "t=<unix>,v1=<hex>[,v1=<hex>...]" where each v1 candidate is
// HMAC-SHA256 over "<t>.<body>" keyed with the signing secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// WithClock overrides the verifier's clock. Used by tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Enabled reports whether a signing secret is configured. When it is not,
// the ingress accepts unsigned deliveries and logs a warning per request.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks header against body. On failure it returns an unauthorized
// error whose "reason" detail is one of the Reason constants.
func (v *Verifier) Verify(header string, body []byte) error {
	if header == "" {
		return unauthorized(ReasonMissingSignature, "signature header missing")
	}

	var timestamp int64
	var candidates []string
	seenTimestamp := false

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return unauthorized(ReasonMalformedHeader, "malformed signature header")
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return unauthorized(ReasonMalformedHeader, "malformed signature timestamp")
			}
			timestamp = ts
			seenTimestamp = true
		case "v1":
			candidates = append(candidates, value)
		}
	}

	if !seenTimestamp || len(candidates) == 0 {
		return unauthorized(ReasonMalformedHeader, "signature header missing timestamp or digest")
	}

	skew := v.now().Sub(time.Unix(timestamp, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return unauthorized(ReasonTimestampSkew, fmt.Sprintf("signature timestamp outside %s tolerance", v.tolerance))
	}

	expected := v.Sign(timestamp, body)
	for _, candidate := range candidates {
		digest, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(digest, expected) {
			return nil
		}
	}

	return unauthorized(ReasonMismatch, "signature mismatch")
}

// Sign computes the digest for timestamp and body. Exported so tests and
// tooling can produce valid signatures.
func (v *Verifier) Sign(timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader renders a complete header value for timestamp and body.
func (v *Verifier) SignatureHeader(timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(v.Sign(timestamp, body)))
}

func unauthorized(reason, msg string) error {
	return errors.ErrUnauthorized.WithDetail("reason", reason).WithDetail("message", msg)
}
