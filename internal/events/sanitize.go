package events

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// RedactedMarker replaces the value of every PII-bearing key.
const RedactedMarker = "[REDACTED]"

var piiKeyFragments = []string{
	"password", "passwd", "senha",
	"token", "secret", "authorization", "cookie",
	"email",
	"cpf", "cnpj", "document", "rg_number",
	"card", "cvv",
	"address", "endereco",
	"phone", "telefone", "celular",
}

func isPIIKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range piiKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of v in which every map value stored under a
// PII-looking key is replaced by RedactedMarker. Nested maps and slices are
// walked; other values are returned unchanged.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isPIIKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isPIIKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

// sanitizeMetadata converts arbitrary caller values into plain JSON shapes so
// that structs are walked like maps, then redacts.
func sanitizeMetadata(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return map[string]any{"_unserializable": err.Error()}
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return map[string]any{"_unserializable": err.Error()}
	}
	out, _ := Redact(plain).(map[string]any)
	return out
}

// IPHasher turns client addresses into keyed, non-reversible identifiers.
// The same address always maps to the same hash for a given key.
type IPHasher struct {
	key []byte
}

// NewIPHasher builds a hasher. Keys longer than 64 bytes are compressed first.
func NewIPHasher(key string) (*IPHasher, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("ip hash key is required")
	}
	k := []byte(key)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum512(k)
		k = sum[:]
	}
	if _, err := blake2b.New256(k); err != nil {
		return nil, fmt.Errorf("ip hash key: %w", err)
	}
	return &IPHasher{key: k}, nil
}

// Hash returns the hex digest of the normalised address, or "" for an empty one.
func (h *IPHasher) Hash(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	} else {
		ip = strings.ToLower(ip)
	}
	var key []byte
	if h != nil {
		key = h.key
	}
	d, err := blake2b.New256(key)
	if err != nil {
		return ""
	}
	d.Write([]byte(ip))
	return hex.EncodeToString(d.Sum(nil))
}
