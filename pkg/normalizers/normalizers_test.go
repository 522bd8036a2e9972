package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBusinessName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "legal suffix dropped",
			input:    "Acme Corp",
			expected: "acme",
		},
		{
			name:     "punctuation and suffix",
			input:    "ACME CORPORATION, LLC.",
			expected: "acme",
		},
		{
			name:     "descriptor tokens dropped",
			input:    "Smith Plumbing Services Inc",
			expected: "smith plumbing",
		},
		{
			name:     "address tokens dropped",
			input:    "Main Street Deli",
			expected: "main deli",
		},
		{
			name:     "ampersand becomes space",
			input:    "Johnson & Johnson",
			expected: "johnson johnson",
		},
		{
			name:     "internal punctuation",
			input:    "A.B.C. Supply Co.",
			expected: "a b c",
		},
		{
			name:     "whitespace collapsed",
			input:    "  The   Home  Depot  ",
			expected: "the home depot",
		},
		{
			name:     "all tokens droppable keeps pre-drop form",
			input:    "Corporation Company LLC",
			expected: "corporation company llc",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "punctuation only",
			input:    "...!!!",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeBusinessName(tt.input))
		})
	}
}

func TestNormalizeBusinessName_Idempotent(t *testing.T) {
	inputs := []string{
		"Acme Corp",
		"ACME CORPORATION, LLC.",
		"Smith Plumbing Services Inc",
		"Corporation Company LLC",
		"Johnson & Johnson",
		"123 Main St Suite 400",
		"",
	}

	for _, input := range inputs {
		once := NormalizeBusinessName(input)
		twice := NormalizeBusinessName(once)
		assert.Equal(t, once, twice, "input %q", input)
	}
}

func TestRegistry(t *testing.T) {
	t.Run("built-in registered", func(t *testing.T) {
		fn, ok := Get("business_name")
		assert.True(t, ok)
		assert.Equal(t, "acme", fn("Acme Inc"))
	})

	t.Run("unknown normalizer passes value through", func(t *testing.T) {
		assert.Equal(t, "Acme Inc", Apply("Acme Inc", "no_such_normalizer"))
	})

	t.Run("chain applies in order", func(t *testing.T) {
		result := ApplyChain("  Acme  Inc ", "lowercase", "collapse_whitespace")
		assert.Equal(t, "acme inc", result)
	})

	t.Run("custom normalizer", func(t *testing.T) {
		Register("reverse_test", func(s string) string {
			runes := []rune(s)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return string(runes)
		})
		assert.Equal(t, "cba", Apply("abc", "reverse_test"))
	})
}
