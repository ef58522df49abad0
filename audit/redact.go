package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Redactor decides which payload fields must be replaced before an event is
// hashed, logged, or returned to a caller. The default redactor matches
// spec §7: credential-bearing header names, fields an adapter schema marks
// "secret", and values over 20 characters matching a configured regex.
type Redactor struct {
	salt          string
	secretKeys    map[string]struct{}
	secretRegexes []*regexp.Regexp
}

// defaultSecretKeyNames are credential-bearing header/field names redacted
// regardless of length.
var defaultSecretKeyNames = []string{
	"authorization", "x-api-key", "api_key", "apikey", "password", "secret",
	"token", "access_token", "refresh_token", "private_key", "client_secret",
}

// defaultSecretPatterns catch common high-entropy credential shapes: bearer
// tokens, AWS-style keys, and generic long hex/base64 blobs.
var defaultSecretPatterns = []string{
	`(?i)^bearer\s+\S+$`,
	`^AKIA[0-9A-Z]{16}$`,
	`^sk-[A-Za-z0-9]{20,}$`,
	`^[A-Za-z0-9+/=_-]{32,}$`,
}

// NewRedactor builds a Redactor. salt is process-wide and must remain
// stable for the lifetime of a tenant's chain: the redaction placeholder is
// H(value+salt), and a changed salt makes previously-redacted fields
// unverifiable against future ones (by design — the salt is a singleton,
// per spec §9, "must not be re-initialized after executor start").
// extraSecretKeys supplements (not replaces) the default key-name list;
// adapters mark additional argument fields "secret" via their JSON schema
// and the caller is expected to fold those into extraSecretKeys per
// invocation (see adapter.Spec.SecretFields).
func NewRedactor(salt string, extraSecretKeys ...string) *Redactor {
	keys := make(map[string]struct{}, len(defaultSecretKeyNames)+len(extraSecretKeys))
	for _, k := range defaultSecretKeyNames {
		keys[k] = struct{}{}
	}
	for _, k := range extraSecretKeys {
		keys[k] = struct{}{}
	}
	regexes := make([]*regexp.Regexp, 0, len(defaultSecretPatterns))
	for _, p := range defaultSecretPatterns {
		regexes = append(regexes, regexp.MustCompile(p))
	}
	return &Redactor{salt: salt, secretKeys: keys, secretRegexes: regexes}
}

// Redact returns a copy of payload with secret fields replaced by
// {"redacted": H(value+salt)}, applied recursively to maps and arrays, per
// spec §7.
func (r *Redactor) Redact(payload map[string]any) map[string]any {
	out, _ := r.redactValue(payload).(map[string]any)
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if r.isSecretKey(k) {
				out[k] = r.placeholder(vv)
				continue
			}
			out[k] = r.redactValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = r.redactValue(vv)
		}
		return out
	case string:
		if r.looksSecret(val) {
			return r.placeholder(val)
		}
		return val
	default:
		return val
	}
}

func (r *Redactor) isSecretKey(key string) bool {
	_, ok := r.secretKeys[normalizeKey(key)]
	return ok
}

func (r *Redactor) looksSecret(s string) bool {
	if len(s) <= 20 {
		return false
	}
	for _, re := range r.secretRegexes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (r *Redactor) placeholder(v any) map[string]any {
	return map[string]any{"redacted": r.hash(v)}
}

func (r *Redactor) hash(v any) string {
	h := sha256.New()
	h.Write([]byte(stringify(v)))
	h.Write([]byte(r.salt))
	return hex.EncodeToString(h.Sum(nil))
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		return canonicalJSON(val)
	}
}

func normalizeKey(k string) string {
	out := make([]byte, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
