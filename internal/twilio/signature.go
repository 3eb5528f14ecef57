package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"log"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the request signature on every Twilio webhook.
const SignatureHeader = "X-Twilio-Signature"

var (
	ErrMissingSignature = errors.New("twilio: missing signature")
	ErrInvalidSignature = errors.New("twilio: invalid signature")
	ErrNoAuthToken      = errors.New("twilio: no auth token configured")
)

// SignatureVerifier checks that webhooks were sent by Twilio.
//
// Without an auth token the verifier rejects everything, unless it was built
// with allowUnsigned (development only), in which case every request is
// accepted and logged as a security warning.
type SignatureVerifier struct {
	authToken     string
	allowUnsigned bool
	logger        *log.Logger
}

func NewSignatureVerifier(authToken string, allowUnsigned bool, logger *log.Logger) *SignatureVerifier {
	if authToken == "" && allowUnsigned {
		logger.Printf("SECURITY: TWILIO_AUTH_TOKEN is not set; webhook signatures will NOT be verified (development mode)")
	}
	return &SignatureVerifier{
		authToken:     authToken,
		allowUnsigned: allowUnsigned,
		logger:        logger,
	}
}

// Verify checks signature against fullURL and the posted form params.
func (v *SignatureVerifier) Verify(fullURL string, params url.Values, signature string) error {
	if v.authToken == "" {
		if v.allowUnsigned {
			v.logger.Printf("SECURITY: accepting unverified webhook for %s (no auth token, development mode)", fullURL)
			return nil
		}
		return ErrNoAuthToken
	}
	if signature == "" {
		return ErrMissingSignature
	}

	expected := ComputeSignature(v.authToken, fullURL, params)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Valid is Verify reduced to a yes/no answer.
func (v *SignatureVerifier) Valid(fullURL string, params url.Values, signature string) bool {
	return v.Verify(fullURL, params, signature) == nil
}

// ComputeSignature returns the base64 HMAC-SHA1 of fullURL followed by every
// param key and value, keys sorted, no separators.
func ComputeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, val := range values {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
