package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// canonical is the deterministic wire shape hashed for an Event: keys sorted
// alphabetically at every depth (by canonicalJSON), RFC 3339 UTC timestamps, and
// redaction already applied to Payload. ThisHash is excluded from its own
// input by construction (it is computed from this struct before being set
// on the Event).
type canonical struct {
	Seq          int64          `json:"seq"`
	Timestamp    string         `json:"ts"`
	TenantID     string         `json:"tenant"`
	Actor        string         `json:"actor"`
	ActorKind    ActorKind      `json:"actor_kind"`
	Action       string         `json:"action"`
	ResourceKind string         `json:"resource_kind"`
	ResourceID   string         `json:"resource_id"`
	Payload      map[string]any `json:"payload"`
	PrevHash     string         `json:"prev_hash"`
}

// canonicalBytes renders e (with prevHash and an already-redacted payload)
// into the deterministic byte form that gets hashed. Map-valued Payload
// fields are re-marshaled through canonicalJSON so nested key ordering is
// deterministic too.
func canonicalBytes(e Event, prevHash string) []byte {
	c := canonical{
		Seq:          e.Seq,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		TenantID:     e.TenantID,
		Actor:        e.Actor,
		ActorKind:    e.ActorKind,
		Action:       e.Action,
		ResourceKind: e.ResourceKind,
		ResourceID:   e.ResourceID,
		Payload:      e.Payload,
		PrevHash:     prevHash,
	}
	return []byte(canonicalJSON(c))
}

// canonicalJSON renders v as JSON with deterministic map key ordering and no
// insignificant whitespace. It round-trips through json.Marshal (which
// already sorts map[string]X keys) and then re-marshals any nested
// map[string]any trees the same way via a generic re-encode, so canonical
// output never depends on Go map iteration order at any depth.
func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return string(b)
	}
	var out []byte
	out = appendCanonical(out, generic)
	return string(out)
}

func appendCanonical(buf []byte, v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, val[k])
		}
		buf = append(buf, '}')
		return buf
	case []any:
		buf = append(buf, '[')
		for i, vv := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, vv)
		}
		buf = append(buf, ']')
		return buf
	default:
		b, _ := json.Marshal(val)
		return append(buf, b...)
	}
}

// hashChain computes this-hash = H(prev-hash ‖ canonicalize(event minus
// this-hash)) per spec §4.3.
func hashChain(e Event, prevHash string) string {
	sum := sha256.Sum256(canonicalBytes(e, prevHash))
	return hex.EncodeToString(sum[:])
}
