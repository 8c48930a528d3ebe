// Package canon provides deterministic JSON serialization and the hashing /
// signing primitives built on it. Every agent hashes its inputs and outputs
// through this package so that independently computed hashes over equal data
// are byte-identical.
package canon

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize serializes any JSON-compatible value with alphabetically
// sorted keys, no extraneous whitespace and no HTML escaping. Structurally
// equal values produce byte-identical output regardless of key order.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	var sb strings.Builder
	if err := writeValue(&sb, tree); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeValue(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(t.String())
	case string:
		return writeString(sb, t)
	case []any:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeString(sb, k); err != nil {
				return err
			}
			sb.WriteByte(':')
			if err := writeValue(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported value %T", v)
	}
	return nil
}

func writeString(sb *strings.Builder, s string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	sb.WriteString(strings.TrimSuffix(buf.String(), "\n"))
	return nil
}

// Hash returns the hex SHA-256 of the canonical serialization of v.
func Hash(v any) (string, error) {
	s, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// Sign returns the hex HMAC-SHA256 of message under key.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHash reports whether Hash(v) equals expected. A serialization
// failure counts as a mismatch.
func VerifyHash(v any, expected string) bool {
	h, err := Hash(v)
	if err != nil {
		return false
	}
	return h == expected
}
