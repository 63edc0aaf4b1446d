package trigger

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // sha1/sha384 supported for GitHub/provider compatibility, not new security boundaries
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

const defaultReplayTolerance = 300 * time.Second

var hmacAlgorithms = map[domain.AuthType]func() hash.Hash{
	domain.AuthHMACSHA1:   sha1.New,
	domain.AuthHMACSHA256: sha256.New,
	domain.AuthHMACSHA384: sha512.New384,
	domain.AuthHMACSHA512: sha512.New,
}

// signatureHeaders maps each known provider to its canonical signature
// header name, matching the original webhook authenticator's defaults.
var signatureHeaders = map[domain.SignatureProvider]string{
	domain.SignatureGitHub:       "X-Hub-Signature-256",
	domain.SignatureGitHubLegacy: "X-Hub-Signature",
	domain.SignatureStripe:       "Stripe-Signature",
	domain.SignatureGeneric:      "X-Webhook-Signature",
}

var fallbackSignatureHeaders = []string{
	"x-webhook-signature", "x-hub-signature-256", "x-hub-signature", "x-signature",
}

// verifyAuth checks trigger's configured authentication scheme against an
// inbound webhook request, returning a human-readable reason on failure.
func verifyAuth(t domain.Trigger, header http.Header, body []byte) (bool, string) {
	switch t.AuthType {
	case "", domain.AuthNone:
		return true, ""
	case domain.AuthAPIKey:
		return verifyAPIKey(t.Secret, header)
	case domain.AuthBearer:
		return verifyBearer(t.Secret, header)
	default:
		if _, ok := hmacAlgorithms[t.AuthType]; ok {
			return verifyHMAC(t, header, body)
		}
		return false, fmt.Sprintf("unknown auth_type: %s", t.AuthType)
	}
}

func verifyAPIKey(secret string, header http.Header) (bool, string) {
	key := firstNonEmpty(header.Get("X-Api-Key"), header.Get("X-Webhook-Secret"), header.Get("Api-Key"))
	if key == "" {
		return false, "API key not provided"
	}
	if !constantTimeEqual(key, secret) {
		return false, "invalid API key"
	}
	return true, ""
}

func verifyBearer(secret string, header http.Header) (bool, string) {
	auth := header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return false, "bearer token not provided"
	}
	token := strings.TrimSpace(auth[len("Bearer "):])
	if !constantTimeEqual(token, secret) {
		return false, "invalid bearer token"
	}
	return true, ""
}

func verifyHMAC(t domain.Trigger, header http.Header, body []byte) (bool, string) {
	newHash, ok := hmacAlgorithms[t.AuthType]
	if !ok {
		return false, fmt.Sprintf("unsupported HMAC algorithm: %s", t.AuthType)
	}

	headerName := signatureHeaders[t.SignatureProvider]
	if headerName == "" {
		headerName = "X-Webhook-Signature"
	}
	sigHeader := header.Get(headerName)
	if sigHeader == "" {
		for _, name := range fallbackSignatureHeaders {
			if v := header.Get(name); v != "" {
				sigHeader = v
				break
			}
		}
	}
	if sigHeader == "" {
		return false, "signature header not found"
	}

	expected := parseSignature(sigHeader)
	if expected == "" {
		return false, "could not parse signature"
	}

	mac := hmac.New(newHash, []byte(t.Secret))
	mac.Write(body)
	calculated := fmt.Sprintf("%x", mac.Sum(nil))

	if !constantTimeEqual(strings.ToLower(calculated), strings.ToLower(expected)) {
		return false, "signature verification failed"
	}

	tolerance := time.Duration(t.ReplayToleranceSec) * time.Second
	if tolerance <= 0 {
		tolerance = defaultReplayTolerance
	}
	if t.SignatureProvider == domain.SignatureStripe {
		if ts := extractStripeTimestamp(sigHeader); ts != "" {
			if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
				age := time.Since(time.Unix(sec, 0))
				if age < 0 {
					age = -age
				}
				if age > tolerance {
					return false, fmt.Sprintf("request too old (%ds)", int(age.Seconds()))
				}
			}
		}
	}

	return true, ""
}

// parseSignature extracts the hex digest from GitHub (algo=hex), Stripe
// (t=...,v1=hex), or plain-hex signature header formats.
func parseSignature(header string) string {
	header = strings.TrimSpace(header)
	if strings.Contains(header, "=") && !strings.Contains(header, ",") {
		parts := strings.SplitN(header, "=", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	if strings.Contains(header, ",") {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "v1=") {
				return part[len("v1="):]
			}
		}
	}
	return header
}

func extractStripeTimestamp(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			return part[len("t="):]
		}
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
