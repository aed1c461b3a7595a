package models

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateThreadName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "short name unchanged",
			input: "[PATCH] net: fix refcount leak",
			want:  "[PATCH] net: fix refcount leak",
		},
		{
			name:  "ascii name clipped to limit",
			input: strings.Repeat("a", MaxThreadNameLen+20),
			want:  strings.Repeat("a", MaxThreadNameLen),
		},
		{
			name:  "exactly at limit unchanged",
			input: strings.Repeat("b", MaxThreadNameLen),
			want:  strings.Repeat("b", MaxThreadNameLen),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateThreadName(tt.input); got != tt.want {
				t.Errorf("TruncateThreadName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncateThreadName_MultibyteSubject(t *testing.T) {
	// 120 three-byte runes. Byte slicing at 100 would split a rune.
	input := strings.Repeat("패", 120)

	got := TruncateThreadName(input)

	if !utf8.ValidString(got) {
		t.Fatalf("truncated name is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != MaxThreadNameLen {
		t.Fatalf("expected %d runes, got %d", MaxThreadNameLen, n)
	}
	if !strings.HasPrefix(input, got) {
		t.Fatal("truncated name must be a prefix of the original")
	}
}

func TestTruncateThreadName_MultibyteUnderRuneLimit(t *testing.T) {
	// 40 three-byte runes is 120 bytes but only 40 characters, so the name
	// stays whole.
	input := strings.Repeat("패", 40)

	if got := TruncateThreadName(input); got != input {
		t.Fatalf("expected name to survive untouched, got %q", got)
	}
}
