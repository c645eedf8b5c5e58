package webhook

import "crypto/subtle"

// Verify answers the provider's subscription handshake. It returns the
// challenge to echo and true when mode is "subscribe" and token matches the
// configured one. An empty configured token rejects every handshake.
func Verify(mode, token, challenge, expected string) (string, bool) {
	if mode != "subscribe" || expected == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return "", false
	}
	return challenge, true
}
