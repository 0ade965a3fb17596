package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Prover request header names.
const (
	HeaderAPIKey    = "X-Veil-Api-Key"
	HeaderTimestamp = "X-Veil-Timestamp"
	HeaderSignature = "X-Veil-Signature"
)

// HMACAuth signs requests to the eligibility prover service.
type HMACAuth struct {
	Key    string
	Secret string // base64; used raw if it does not decode
}

// Headers returns the auth headers for a request at the current time.
func (h *HMACAuth) Headers(method, path string, body []byte) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt returns the auth headers for a request at unixTS. The signature
// is base64(HMAC-SHA256(secret, ts + method + path + body)).
func (h *HMACAuth) HeadersAt(method, path string, body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	secret, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		secret = []byte(h.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path))
	mac.Write(body)

	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
