package naming

import (
	"errors"
	"strings"
	"testing"
)

func TestAllocate(t *testing.T) {
	id, err := Allocate("alice")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !strings.HasPrefix(id, "agent-alice-") {
		t.Errorf("id %q missing owner prefix", id)
	}
	if len(id) > 63 {
		t.Errorf("id %q exceeds 63 chars", id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			t.Errorf("id %q contains disallowed rune %q", id, r)
		}
	}
}

func TestAllocateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := Allocate("bob")
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestAllocateInvalidOwner(t *testing.T) {
	for _, owner := range []string{"", "---", "!!!", "   "} {
		if _, err := Allocate(owner); !errors.Is(err, ErrInvalidOwner) {
			t.Errorf("Allocate(%q) err = %v, want ErrInvalidOwner", owner, err)
		}
	}
}

func TestAllocateLongOwner(t *testing.T) {
	id, err := Allocate(strings.Repeat("verylongownername", 10))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(id) > 63 {
		t.Errorf("id %q exceeds 63 chars", id)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alice", "alice"},
		{"alice@example.com", "alice-example-com"},
		{"User_42", "user-42"},
		{"--hi--", "hi"},
		{"телеграм", ""},
		{"a  b", "a-b"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoutePath(t *testing.T) {
	if got := RoutePath("agent-alice-abc123"); got != "/webhook/agent-alice-abc123" {
		t.Errorf("RoutePath = %q", got)
	}
}
