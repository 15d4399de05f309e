// Package classifier maps a Query to a Classification using cheap
// lexical features. It performs no I/O and never allocates proportional
// to message history beyond a single linear scan of the last user turn,
// matching the "no fallback to weaker heuristics, no network calls"
// contract routing depends on.
package classifier

import (
	"regexp"
	"strings"

	"github.com/rigrun/rigrun/types"
)

var (
	codeFenceRe   = regexp.MustCompile("```")
	wordRe        = regexp.MustCompile(`\S+`)
	timeMarkerRe  = regexp.MustCompile(`\b(today|now|currently|current|this week|this month|tonight|right now)\b`)
	codeGenVerbs  = []string{"write", "implement", "create", "generate", "build", "code"}
	reviewVerbs   = []string{"review", "refactor", "fix", "debug", "optimize"}
	explainVerbs  = []string{"explain", "describe", "summarize", "what is", "what are", "how does", "how do"}
	langKeywords  = []string{"func ", "def ", "class ", "import ", "package ", "public static", "fn ", "#include", "SELECT ", "function "}
)

// Classify is a pure, synchronous function: the same Query always
// produces the same Classification, and it never performs I/O. Ambiguous
// input falls back to Other/Medium/cacheable=false, per contract.
func Classify(q types.Query) types.Classification {
	text := q.LastUserText()
	normalized := q.NormalizedText()

	if strings.TrimSpace(text) == "" {
		return types.Classification{Kind: types.KindOther, Complexity: types.ComplexityMedium, Cacheable: false}
	}

	wordCount := len(wordRe.FindAllString(text, -1))
	hasCodeFence := codeFenceRe.MatchString(text)
	hasLangKeyword := containsAny(text, langKeywords)
	isQuestion := strings.Contains(text, "?") || startsWithAny(normalized, []string{"what", "why", "how", "when", "where", "who", "is ", "are ", "can ", "does "})
	isImperative := startsWithAny(normalized, append(append([]string{}, codeGenVerbs...), reviewVerbs...))

	kind := classifyKind(normalized, hasCodeFence, hasLangKeyword, isQuestion, isImperative)
	complexity := classifyComplexity(wordCount, kind)
	cacheable := isDeterministic(kind) && !timeMarkerRe.MatchString(normalized)

	return types.Classification{Kind: kind, Complexity: complexity, Cacheable: cacheable}
}

func classifyKind(normalized string, hasCodeFence, hasLangKeyword, isQuestion, isImperative bool) types.QueryKind {
	switch {
	case startsWithAny(normalized, codeGenVerbs) && (hasCodeFence || hasLangKeyword || strings.Contains(normalized, "function") || strings.Contains(normalized, "code")):
		return types.KindCodeGen
	case startsWithAny(normalized, reviewVerbs) && (hasCodeFence || hasLangKeyword):
		return types.KindCodeReview
	case hasCodeFence || hasLangKeyword:
		return types.KindCodeReview
	case startsWithAny(normalized, explainVerbs):
		return types.KindAnalysis
	case isQuestion && wordsLessThan(normalized, 8):
		return types.KindTrivial
	case isQuestion:
		return types.KindSimple
	case isImperative:
		return types.KindModerate
	case wordsLessThan(normalized, 4):
		return types.KindTrivial
	default:
		return types.KindChat
	}
}

func classifyComplexity(wordCount int, kind types.QueryKind) types.Complexity {
	switch kind {
	case types.KindTrivial:
		return types.ComplexityLow
	case types.KindCodeGen, types.KindComplex, types.KindAnalysis:
		return types.ComplexityHigh
	}
	switch {
	case wordCount <= 6:
		return types.ComplexityLow
	case wordCount <= 30:
		return types.ComplexityMedium
	default:
		return types.ComplexityHigh
	}
}

// isDeterministic reports whether a classification kind is stable
// across repeated identical invocations with no time-sensitive
// dependency — true for every kind the classifier can produce, since
// Classify is a pure function. The time-marker check in Classify is
// what actually disqualifies cacheability for "today"/"now" style
// queries.
func isDeterministic(types.QueryKind) bool { return true }

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func wordsLessThan(s string, n int) bool {
	return len(wordRe.FindAllString(s, -1)) < n
}
