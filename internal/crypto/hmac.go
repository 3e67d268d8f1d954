package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for signed futures REST requests.
type HMACAuth struct {
	Key    string // API key, sent as X-MBX-APIKEY
	Secret string // API secret, the HMAC key
}

// Sign returns the hex-encoded HMAC-SHA256 of payload under the secret.
func (h *HMACAuth) Sign(payload string) string {
	return hmacSHA256Hex([]byte(h.Secret), payload)
}

// SignedQuery stamps params with timestamp and recvWindow, encodes them and
// appends the signature. The signature must be the last parameter.
func (h *HMACAuth) SignedQuery(params url.Values, recvWindow time.Duration) string {
	return h.SignedQueryAt(params, recvWindow, time.Now().UnixMilli())
}

// SignedQueryAt is like SignedQuery but lets the caller supply the
// millisecond timestamp.
func (h *HMACAuth) SignedQueryAt(params url.Values, recvWindow time.Duration, unixMilli int64) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(unixMilli, 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	query := params.Encode()
	return query + "&signature=" + h.Sign(query)
}

// Headers returns the HTTP headers for an authenticated request.
func (h *HMACAuth) Headers() map[string]string {
	return map[string]string{"X-MBX-APIKEY": h.Key}
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result hex encoded.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
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
