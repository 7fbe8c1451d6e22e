package util

import (
	"strings"
	"testing"
)

func TestGenerateConversationID(t *testing.T) {
	id := GenerateConversationID()

	if !strings.HasPrefix(id, conversationIDPrefix) {
		t.Errorf("expected %q prefix, got %q", conversationIDPrefix, id)
	}
	wantLen := len(conversationIDPrefix) + conversationIDHexLen
	if len(id) != wantLen {
		t.Errorf("expected %d characters, got %d (%q)", wantLen, len(id), id)
	}
	for _, c := range id[len(conversationIDPrefix):] {
		if !strings.ContainsRune(hexDigits, c) {
			t.Errorf("unexpected character %q in %q", c, id)
		}
	}
}

func TestGenerateConversationIDUniqueness(t *testing.T) {
	const draws = 10000
	seen := make(map[string]struct{}, draws)
	for i := 0; i < draws; i++ {
		id := GenerateConversationID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate conversation ID after %d draws: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}
