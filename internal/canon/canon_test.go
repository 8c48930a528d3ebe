package canon_test

import (
	"strings"
	"testing"

	"redress/internal/canon"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := map[string]any{"name": "John", "age": 30}
	b := map[string]any{"age": 30, "name": "John"}

	sa, err := canon.Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	sb, err := canon.Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if sa != sb {
		t.Fatalf("expected identical output, got %q vs %q", sa, sb)
	}
	if sa != `{"age":30,"name":"John"}` {
		t.Fatalf("unexpected canonical form: %q", sa)
	}
}

func TestCanonicalizeNested(t *testing.T) {
	v := map[string]any{
		"z": []any{map[string]any{"b": 1, "a": 2}, "x"},
		"a": nil,
		"m": true,
	}
	s, err := canon.Canonicalize(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":null,"m":true,"z":[{"a":2,"b":1},"x"]}`
	if s != want {
		t.Fatalf("got %q want %q", s, want)
	}
}

func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	s, err := canon.Canonicalize(map[string]any{"q": "a<b&c>d"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(s, "\\u003c") {
		t.Fatalf("expected raw angle brackets, got %q", s)
	}
}

func TestCanonicalizeRejectsUnserializable(t *testing.T) {
	if _, err := canon.Canonicalize(map[string]any{"fn": func() {}}); err == nil {
		t.Fatal("expected serialization error")
	}
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := canon.Hash(map[string]any{"name": "John", "age": 30})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := canon.Hash(map[string]any{"age": 30, "name": "John"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash differs across key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
	if !canon.VerifyHash(map[string]any{"age": 30, "name": "John"}, h1) {
		t.Fatal("verify should succeed for equal value")
	}
	if canon.VerifyHash(map[string]any{"age": 31, "name": "John"}, h1) {
		t.Fatal("verify should fail for different value")
	}
}

func TestSignDeterministic(t *testing.T) {
	key := []byte("secret-key")
	msg := "prov_1:abc:def:2024-01-01T00:00:00Z"

	s1 := canon.Sign(key, msg)
	s2 := canon.Sign(key, msg)
	if s1 != s2 {
		t.Fatalf("signature not deterministic: %s vs %s", s1, s2)
	}
	if len(s1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(s1))
	}
	if canon.Sign([]byte("other-key"), msg) == s1 {
		t.Fatal("changing key must change signature")
	}
	if canon.Sign(key, msg+"x") == s1 {
		t.Fatal("changing message must change signature")
	}
}
