package webhooks

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

// SignatureHeader is the header carrying the payload signature.
const SignatureHeader = "Tally-Signature"

var (
	// ErrSignatureMalformed is returned when the header does not parse.
	ErrSignatureMalformed = errors.New("malformed signature header")
	// ErrSignatureExpired is returned when the timestamp is outside the
	// allowed tolerance.
	ErrSignatureExpired = errors.New("signature timestamp outside tolerance")
	// ErrSignatureMismatch is returned when no v1 signature matches.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Sign produces a signature header value for a payload: the hex HMAC-SHA256
// of "<timestamp>.<payload>" under the secret.
func Sign(secret string, at time.Time, payload []byte) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(secret, ts, payload))
}

func computeSignature(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against the payload. Multiple
// v1 entries are accepted to allow secret rotation; any match passes.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var ts int64
	var sigs []string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ErrSignatureMalformed
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrSignatureMalformed
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, value)
		}
	}

	if ts == 0 || len(sigs) == 0 {
		return ErrSignatureMalformed
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return ErrSignatureExpired
	}

	expected := computeSignature(secret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
