package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pders01/feedtriage/internal/storage"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "simple words",
			input:    "hello world",
			expected: []string{"hello", "world"},
		},
		{
			name:     "with punctuation",
			input:    "CVE-2025-1234, patched!",
			expected: []string{"cve", "2025", "1234", "patched"},
		},
		{
			name:     "mixed case",
			input:    "OpenSSL Heap OVERFLOW",
			expected: []string{"openssl", "heap", "overflow"},
		},
		{
			name:     "single characters filtered",
			input:    "a b test c d word",
			expected: []string{"test", "word"},
		},
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tokenize(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxLen   int
		expected string
	}{
		{"shorter than limit", "short", 10, "short"},
		{"exactly at limit", "exactlyten", 10, "exactlyten"},
		{"longer than limit", "this is a very long text", 10, "this is a…"},
		{"multibyte", "ünïcödé text", 5, "ünïc…"},
		{"empty", "", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.text, tt.maxLen))
		})
	}
}

func TestScoreField(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		terms    []string
		minScore float64
		zero     bool
	}{
		{name: "exact match", text: "kernel privilege escalation", terms: []string{"kernel"}, minScore: 2.0},
		{name: "prefix match", text: "kernel privilege escalation", terms: []string{"priv"}, minScore: 1.0},
		{name: "no match", text: "kernel privilege escalation", terms: []string{"xyz"}, zero: true},
		{name: "empty text", text: "", terms: []string{"kernel"}, zero: true},
		{name: "multiple terms", text: "kernel privilege escalation", terms: []string{"kernel", "escalation"}, minScore: 4.0},
		{name: "case insensitive", text: "KERNEL BUG", terms: []string{"kernel"}, minScore: 2.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scoreField(tt.text, tt.terms, 1.0)
			if tt.zero {
				assert.Zero(t, score)
				return
			}
			assert.GreaterOrEqual(t, score, tt.minScore)
		})
	}
}

func TestFindBestSnippet(t *testing.T) {
	filler := strings.Repeat("filler ", 60)
	text := filler + "the hypervisor escape affects guests " + filler

	snippet := findBestSnippet(text, []string{"hypervisor"}, 80)
	assert.Contains(t, snippet, "hypervisor")
	assert.LessOrEqual(t, len([]rune(snippet)), 80)

	assert.Equal(t, "short text", findBestSnippet("short text", []string{"short"}, 200))
	assert.Empty(t, findBestSnippet("", []string{"x"}, 200))
}

func TestAnnotate(t *testing.T) {
	r := &Result{Item: &storage.Item{
		Title:   "Hypervisor escape",
		Summary: "Guests can break out of the hypervisor sandbox.",
	}}
	annotate(r, []string{"hypervisor"})
	if assert.Len(t, r.Matches, 2) {
		assert.Equal(t, "title", r.Matches[0].Field)
		assert.Equal(t, "summary", r.Matches[1].Field)
		assert.Greater(t, r.Matches[0].Weight, r.Matches[1].Weight)
	}

	none := &Result{Item: &storage.Item{Title: "Unrelated"}}
	annotate(none, []string{"hypervisor"})
	assert.Empty(t, none.Matches)

	annotate(&Result{}, []string{"x"})
}
