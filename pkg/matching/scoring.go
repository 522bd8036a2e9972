package matching

import (
	"sort"
	"strings"
	"unicode"
)

// Match type labels recorded on resolved records. AI confirmation of an
// ambiguous candidate is tagged separately as MatchTypeAIEnhanced.
const (
	MatchTypeExact       = "exact"
	MatchTypeLevenshtein = "levenshtein"
	MatchTypePhonetic    = "phonetic"
	MatchTypeTokenSet    = "token_set"
	MatchTypeJaroWinkler = "jaro_winkler"
	MatchTypeNGram       = "ngram"
	MatchTypeAIEnhanced  = "ai_enhanced"
)

// Scorer provides string similarity algorithms for name comparison
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// algorithm is one similarity measure with its confidence weight
type algorithm struct {
	name   string
	weight float64
	fn     func(*Scorer, string, string) float64
}

// algorithms run in this order; an early exit fires as soon as one produces
// a weighted score at or above the caller's threshold
var algorithms = []algorithm{
	{MatchTypeExact, 1.0, (*Scorer).exactScore},
	{MatchTypeLevenshtein, 0.8, (*Scorer).Levenshtein},
	{MatchTypePhonetic, 0.7, (*Scorer).PhoneticMatch},
	{MatchTypeTokenSet, 0.85, (*Scorer).TokenSetRatio},
	{MatchTypeJaroWinkler, 0.9, (*Scorer).JaroWinkler},
	{MatchTypeNGram, 0.75, (*Scorer).NGramSimilarity},
}

// ScoreResult is the outcome of comparing two normalized names
type ScoreResult struct {
	Score     float64 `json:"score"`
	MatchType string  `json:"matchType"`
	// AlgorithmScores holds every weighted score computed before the result
	// was settled, keyed by algorithm name
	AlgorithmScores map[string]float64 `json:"algorithmScores"`
}

// Score compares two normalized names across all algorithms. Each raw
// similarity is multiplied by the algorithm's weight; the best weighted score
// wins and its algorithm becomes the match type. Scanning stops early once a
// weighted score reaches earlyExitAt (pass >1.0 to disable the early exit).
func (s *Scorer) Score(a, b string, earlyExitAt float64) ScoreResult {
	result := ScoreResult{
		MatchType:       MatchTypeExact,
		AlgorithmScores: make(map[string]float64, len(algorithms)),
	}

	for _, alg := range algorithms {
		weighted := alg.fn(s, a, b) * alg.weight
		result.AlgorithmScores[alg.name] = weighted
		if weighted > result.Score {
			result.Score = weighted
			result.MatchType = alg.name
		}
		if result.Score >= earlyExitAt {
			break
		}
	}

	return result
}

func (s *Scorer) exactScore(a, b string) float64 {
	return s.ExactMatch(a, b, false)
}

// ExactMatch returns 1.0 for exact match, 0.0 otherwise
func (s *Scorer) ExactMatch(a, b string, caseSensitive bool) float64 {
	if !caseSensitive {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}
	if a == b {
		return 1.0
	}
	return 0.0
}

// JaroWinkler calculates the Jaro-Winkler similarity between two strings
// Returns a value between 0.0 (no similarity) and 1.0 (exact match)
func (s *Scorer) JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}

	jaro := s.Jaro(a, b)

	// Winkler modification: boost for common prefix, capped at 4 chars
	prefixLen := 0
	maxPrefix := 4
	for i := 0; i < len(a) && i < len(b) && i < maxPrefix; i++ {
		if a[i] == b[i] {
			prefixLen++
		} else {
			break
		}
	}

	scalingFactor := 0.1
	return jaro + float64(prefixLen)*scalingFactor*(1.0-jaro)
}

// Jaro calculates the Jaro similarity between two strings
func (s *Scorer) Jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	transpositions := 0

	for i := 0; i < len(a); i++ {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)

		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	k := 0
	for i := 0; i < len(a); i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2

	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// Levenshtein calculates edit-distance similarity between two strings
// Returns a score between 0.0 and 1.0
func (s *Scorer) Levenshtein(a, b string) float64 {
	distance := s.LevenshteinDistance(a, b)
	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(distance)/float64(maxLen)
}

// LevenshteinDistance calculates the edit distance between two strings
func (s *Scorer) LevenshteinDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	prevRow := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prevRow[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			row[j] = min(min(row[j-1]+1, prevRow[j]+1), prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}

	return prevRow[len(b)]
}

// TokenSetRatio compares the word sets of two names independent of word
// order and duplication. Score is the Jaccard-style overlap weighted toward
// the smaller set, so "home depot" vs "depot home store" still scores high.
func (s *Scorer) TokenSetRatio(a, b string) float64 {
	aTokens := tokenize(a)
	bTokens := tokenize(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		if len(aTokens) == len(bTokens) {
			return 1.0
		}
		return 0.0
	}

	common := 0
	for token := range aTokens {
		if _, ok := bTokens[token]; ok {
			common++
		}
	}
	if common == 0 {
		return 0.0
	}

	smaller := min(len(aTokens), len(bTokens))
	union := len(aTokens) + len(bTokens) - common

	// Average of containment in the smaller set and plain Jaccard; pure
	// Jaccard alone punishes short-vs-long name pairs too hard
	return (float64(common)/float64(smaller) + float64(common)/float64(union)) / 2
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range strings.Fields(s) {
		tokens[f] = struct{}{}
	}
	return tokens
}

// NGramSimilarity calculates the trigram Dice coefficient of two strings
func (s *Scorer) NGramSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}

	aGrams := trigrams(a)
	bGrams := trigrams(b)
	if len(aGrams) == 0 || len(bGrams) == 0 {
		return 0.0
	}

	overlap := 0
	for gram, count := range aGrams {
		if other, ok := bGrams[gram]; ok {
			overlap += min(count, other)
		}
	}

	aTotal := 0
	for _, c := range aGrams {
		aTotal += c
	}
	bTotal := 0
	for _, c := range bGrams {
		bTotal += c
	}

	return 2 * float64(overlap) / float64(aTotal+bTotal)
}

func trigrams(s string) map[string]int {
	grams := make(map[string]int)
	if len(s) < 3 {
		if s != "" {
			grams[s]++
		}
		return grams
	}
	for i := 0; i+3 <= len(s); i++ {
		grams[s[i:i+3]]++
	}
	return grams
}

// PhoneticMatch returns 1.0 when the names agree under either Soundex or
// Metaphone encoding, token by token, 0.0 otherwise. Multi-word names match
// when their sorted token encodings line up.
func (s *Scorer) PhoneticMatch(a, b string) float64 {
	if phoneticKey(a, s.Soundex) == phoneticKey(b, s.Soundex) {
		return 1.0
	}
	if phoneticKey(a, s.Metaphone) == phoneticKey(b, s.Metaphone) {
		return 1.0
	}
	return 0.0
}

func phoneticKey(name string, encode func(string) string) string {
	fields := strings.Fields(name)
	codes := make([]string, 0, len(fields))
	for _, f := range fields {
		if code := encode(f); code != "" {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return strings.Join(codes, " ")
}

// Soundex calculates the Soundex encoding of a string
func (s *Scorer) Soundex(str string) string {
	if len(str) == 0 {
		return ""
	}

	str = strings.ToUpper(str)

	result := string(str[0])
	prevCode := soundexCode(rune(str[0]))

	for i := 1; i < len(str) && len(result) < 4; i++ {
		char := rune(str[i])
		if !unicode.IsLetter(char) {
			continue
		}

		code := soundexCode(char)
		if code != "0" && code != prevCode {
			result += code
		}
		prevCode = code
	}

	for len(result) < 4 {
		result += "0"
	}

	return result
}

// SoundexMatch returns 1.0 if Soundex codes match, 0.0 otherwise
func (s *Scorer) SoundexMatch(a, b string) float64 {
	if s.Soundex(a) == s.Soundex(b) {
		return 1.0
	}
	return 0.0
}

func soundexCode(char rune) string {
	switch char {
	case 'B', 'F', 'P', 'V':
		return "1"
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return "2"
	case 'D', 'T':
		return "3"
	case 'L':
		return "4"
	case 'M', 'N':
		return "5"
	case 'R':
		return "6"
	default:
		return "0"
	}
}

// Metaphone calculates a simplified Metaphone encoding
func (s *Scorer) Metaphone(str string) string {
	if len(str) == 0 {
		return ""
	}

	str = strings.ToUpper(str)

	var letters strings.Builder
	for _, char := range str {
		if unicode.IsLetter(char) {
			letters.WriteRune(char)
		}
	}
	str = letters.String()

	if len(str) == 0 {
		return ""
	}

	var metaphone strings.Builder
	prevCode := byte(0)

	for i := 0; i < len(str) && metaphone.Len() < 6; i++ {
		code := metaphoneCode(str[i], i, str)
		if code != 0 && code != prevCode {
			metaphone.WriteByte(code)
			prevCode = code
		}
	}

	return metaphone.String()
}

// MetaphoneMatch returns 1.0 if Metaphone codes match, 0.0 otherwise
func (s *Scorer) MetaphoneMatch(a, b string) float64 {
	if s.Metaphone(a) == s.Metaphone(b) {
		return 1.0
	}
	return 0.0
}

func metaphoneCode(char byte, pos int, word string) byte {
	switch char {
	case 'A', 'E', 'I', 'O', 'U':
		if pos == 0 {
			return char
		}
		return 0
	case 'B':
		return 'B'
	case 'C':
		if pos+1 < len(word) && (word[pos+1] == 'I' || word[pos+1] == 'E' || word[pos+1] == 'Y') {
			return 'S'
		}
		return 'K'
	case 'D':
		return 'T'
	case 'F':
		return 'F'
	case 'G':
		return 'J'
	case 'H':
		return 0 // Usually silent
	case 'J':
		return 'J'
	case 'K':
		return 'K'
	case 'L':
		return 'L'
	case 'M':
		return 'M'
	case 'N':
		return 'N'
	case 'P':
		if pos+1 < len(word) && word[pos+1] == 'H' {
			return 'F'
		}
		return 'P'
	case 'Q':
		return 'K'
	case 'R':
		return 'R'
	case 'S':
		return 'S'
	case 'T':
		return 'T'
	case 'V':
		return 'F'
	case 'W':
		return 0
	case 'X':
		return 'S'
	case 'Y':
		return 0
	case 'Z':
		return 'S'
	default:
		return 0
	}
}
