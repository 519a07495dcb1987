package hashing

import (
	"errors"
	"fmt"
	"testing"
)

func TestRelationshipHashDirectional(t *testing.T) {
	names := []string{"a.go::Foo", "a.go::Bar", "pkg/b.py::load", "schema.sql::users", "x"}
	for _, a := range names {
		for _, b := range names {
			if a == b {
				continue
			}
			ab := MustRelationshipHash(a, b, "RELATES_TO")
			ba := MustRelationshipHash(b, a, "RELATES_TO")
			if ab == ba {
				t.Fatalf("hash(%q,%q) == hash(%q,%q)", a, b, b, a)
			}
		}
	}
}

func TestRelationshipHashDeterministic(t *testing.T) {
	h1 := MustRelationshipHash("a.go::Foo", "b.go::Bar", "CALLS")
	h2 := MustRelationshipHash("a.go::Foo", "b.go::Bar", "CALLS")
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s and %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
	// sha256("A::B::T")
	if got := MustRelationshipHash("A", "B", "T"); got != "52c94f9cdef39b552b16483773d0cdc98ff95560f28811a54f02fe2222e486b5" {
		t.Fatalf("unexpected digest %s", got)
	}
	if MustRelationshipHash("A", "B", "T") == MustRelationshipHash("A", "B", "U") {
		t.Fatalf("type label must be part of identity")
	}
}

func TestRelationshipHashNoSeparatorAmbiguity(t *testing.T) {
	seen := map[string]string{}
	for i := 0; i < 200; i++ {
		src := fmt.Sprintf("f%d.go::E%d", i%7, i)
		dst := fmt.Sprintf("f%d.go::E%d", (i+3)%7, i+1)
		h := MustRelationshipHash(src, dst, "RELATES_TO")
		key := src + "|" + dst
		if prev, ok := seen[h]; ok && prev != key {
			t.Fatalf("collision between %s and %s", prev, key)
		}
		seen[h] = key
	}
}

func TestRelationshipHashInvalidInput(t *testing.T) {
	cases := []struct {
		name                 string
		source, target, kind string
	}{
		{"empty source", "", "b", "T"},
		{"blank target", "a", "   ", "T"},
		{"empty type", "a", "b", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RelationshipHash(tc.source, tc.target, tc.kind)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
