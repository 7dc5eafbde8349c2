package exchange

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

// Auth signs private API requests.
//
// The venue authenticates each private call with an HMAC-SHA512 signature
// over `endpoint + NUL + urlencoded-form + NUL + nonce`, rendered as
// lowercase hex, where the nonce is milliseconds since epoch and must be
// strictly increasing per key. Headers carry the key, the signature and
// the nonce; the body is the same urlencoded form the signature covers.
type Auth struct {
	apiKey    string
	apiSecret string
	lastNonce atomic.Int64
}

// NewAuth creates an Auth instance. Empty credentials are allowed; callers
// check HasKeys before signing.
func NewAuth(apiKey, apiSecret string) *Auth {
	return &Auth{apiKey: apiKey, apiSecret: apiSecret}
}

// HasKeys returns whether API credentials are configured.
func (a *Auth) HasKeys() bool {
	return a.apiKey != "" && a.apiSecret != ""
}

// Nonce returns a strictly increasing millisecond timestamp. Two calls in
// the same millisecond still produce distinct, increasing values.
func (a *Auth) Nonce() int64 {
	for {
		now := time.Now().UnixMilli()
		last := a.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if a.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Sign computes the signature for one private request. The same
// endpoint/form/nonce triple always yields the same signature.
func (a *Auth) Sign(endpoint, encodedForm string, nonce int64) string {
	msg := endpoint + "\x00" + encodedForm + "\x00" + strconv.FormatInt(nonce, 10)
	mac := hmac.New(sha512.New, []byte(a.apiSecret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers builds the header set for a private request, drawing a fresh
// nonce. The returned form string must be sent as the request body
// unchanged, or the signature will not verify.
func (a *Auth) Headers(endpoint, encodedForm string) map[string]string {
	nonce := a.Nonce()
	return map[string]string{
		"Api-Key":      a.apiKey,
		"Api-Sign":     a.Sign(endpoint, encodedForm, nonce),
		"Api-Nonce":    strconv.FormatInt(nonce, 10),
		"Content-Type": "application/x-www-form-urlencoded",
	}
}
