package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Signed-call helpers. A signed call carries a caller-supplied nonce (a
// microsecond timestamp) and an HMAC-SHA256 over the exact concatenation
// action + nonce + payload under the session secret. The nonce must fall
// within the receive window of server time or the call is refused before any
// SQL is issued.

// Nonce renders t as the microsecond nonce string.
func Nonce(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// Sign computes hex(HMAC-SHA256(secret, action+nonce+payload)). An empty
// payload signs as the literal "null", matching what is forwarded to SQL.
func Sign(secret, action, nonce, payload string) string {
	if payload == "" {
		payload = "null"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(action))
	mac.Write([]byte(nonce))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC and compares in constant time.
func VerifySignature(secret, action, nonce, payload, signature string) bool {
	want := Sign(secret, action, nonce, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}

// InWindow reports whether the nonce is within window of now. A nonce that
// does not parse as a microsecond timestamp is always outside the window.
func InWindow(nonce string, now time.Time, window time.Duration) bool {
	micros, err := strconv.ParseInt(nonce, 10, 64)
	if err != nil {
		return false
	}
	delta := now.Sub(time.UnixMicro(micros))
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
