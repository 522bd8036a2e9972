// Package normalizers provides name normalization functions for match indexing
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	// Register built-in normalizers
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("remove_punctuation", RemovePunctuation)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("business_name", NormalizeBusinessName)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Built-in normalizers

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// RemovePunctuation replaces punctuation and symbol characters with spaces
// so that "A.B.C. Corp" and "ABC Corp" do not collapse into different tokens
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			result.WriteRune(r)
		} else {
			result.WriteRune(' ')
		}
	}
	return result.String()
}

// CollapseWhitespace collapses runs of whitespace into single spaces
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Token sets dropped from business names during normalization. Dropping a
// token must never empty the name; see NormalizeBusinessName.
var (
	businessSuffixes = tokenSet(
		"llc", "inc", "corp", "ltd", "co", "company", "corporation",
		"incorporated", "lp", "llp", "plc", "pllc", "pc", "sa", "gmbh", "ag",
	)
	genericDescriptors = tokenSet(
		"services", "service", "solutions", "group", "holdings", "enterprises",
		"foods", "bank", "store", "stores", "shop", "market", "supply",
		"products",
	)
	addressTokens = tokenSet(
		"street", "st", "avenue", "ave", "blvd", "boulevard", "suite", "ste",
		"road", "rd", "drive", "dr", "lane", "ln", "north", "south", "east",
		"west", "po", "box",
	)
)

func tokenSet(tokens ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func isDropped(token string) bool {
	if _, ok := businessSuffixes[token]; ok {
		return true
	}
	if _, ok := genericDescriptors[token]; ok {
		return true
	}
	if _, ok := addressTokens[token]; ok {
		return true
	}
	return false
}

// NormalizeBusinessName normalizes a payee or business name for matching
//   - Lowercase
//   - Replace punctuation with spaces
//   - Drop legal suffixes (llc, inc, ...), generic descriptors (services,
//     group, ...) and address tokens (st, ave, suite, ...)
//   - Collapse whitespace
//
// If dropping tokens would leave nothing, the pre-drop form is kept so a name
// like "The Corporation Company" still normalizes to something matchable.
// Idempotent: NormalizeBusinessName(NormalizeBusinessName(s)) ==
// NormalizeBusinessName(s).
func NormalizeBusinessName(s string) string {
	s = CollapseWhitespace(RemovePunctuation(strings.ToLower(s)))
	if s == "" {
		return ""
	}

	tokens := strings.Fields(s)
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !isDropped(t) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return s
	}
	return strings.Join(kept, " ")
}
