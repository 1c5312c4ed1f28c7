package main

import (
	"strings"
	"testing"

	"github.com/kelden/warden/internal/logger"
)

func TestFormatIDHighlights(t *testing.T) {
	ids := []string{"tk-a1b2c3d4", "tk-a1f9e8d7", "tk-77441122"}
	highlights := formatIDHighlights(ids)

	if len(highlights) != len(ids) {
		t.Fatalf("expected %d highlights, got %d", len(ids), len(highlights))
	}

	for _, id := range ids {
		h, ok := highlights[id]
		if !ok {
			t.Fatalf("missing highlight for %s", id)
		}
		plain := h
		for _, code := range []string{logger.Magenta, logger.Gray, logger.Reset} {
			plain = strings.ReplaceAll(plain, code, "")
		}
		if plain != id {
			t.Errorf("highlight mangled the ID: %q -> %q", id, plain)
		}
	}

	// tk-a1b2c3d4 needs six characters to stand apart from tk-a1f9e8d7
	if h := highlights["tk-a1b2c3d4"]; !strings.HasPrefix(h, logger.Magenta+"tk-a1b"+logger.Reset) {
		t.Errorf("unexpected unique prefix in %q", h)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged string, got %q", got)
	}
	if got := truncate("0123456789", 8); got != "01234..." {
		t.Errorf("expected truncated string, got %q", got)
	}
}
