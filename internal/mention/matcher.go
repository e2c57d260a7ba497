// Package mention implements agent-name mention detection over live caption
// and chat text.
//
// Live captions routinely mangle proper names, so a plain substring check is
// not enough. The [Matcher] classifies a text span in three tiers, first
// match wins, with no score blending across tiers:
//
//  1. Exact substring match against a name variation (confidence 1.0).
//  2. Phonetic match, a substring match against precomputed phonetic
//     variants of each variation (confidence 0.9).
//  3. Per-word Levenshtein similarity against every variation for words of
//     three or more characters; the first pair at or above the fuzzy
//     threshold wins with confidence equal to that similarity.
//
// Variations are derived from the agent's canonical name at construction:
// the full lowercased name, every word of three or more characters, and a
// first-name + last-initial combination. Each variation is expanded through
// a fixed ordered set of substitution rules that model common speech-to-text
// confusions, plus a curated dictionary of frequent name mishearings.
package mention

import (
	"fmt"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultFuzzyThreshold is the minimum per-word Levenshtein similarity for a
// tier-3 fuzzy match.
const defaultFuzzyThreshold = 0.75

// PhoneticConfidence is the fixed confidence assigned to tier-2 matches.
const PhoneticConfidence = 0.9

// Result classifies whether a text span mentions the agent.
// Invariant: IsMentioned implies MatchedVariation is non-empty.
type Result struct {
	// IsMentioned reports whether the agent was addressed.
	IsMentioned bool

	// MatchedVariation is the canonical name variation that matched, or ""
	// when IsMentioned is false.
	MatchedVariation string

	// Confidence is the match confidence in [0, 1].
	Confidence float64

	// FuzzyMatch is true when the match came from a phonetic variant or from
	// edit-distance similarity rather than an exact substring hit.
	FuzzyMatch bool

	// LLMEnhanced is true when the result was produced or upgraded by the
	// hybrid LLM escalation layer rather than local matching alone.
	LLMEnhanced bool

	// IndirectReference is true when the agent was addressed without its name
	// ("the assistant", "the bot"). Only the escalation layer can set it.
	IndirectReference bool
}

// substitution is one phonetic rewrite rule. Trailing rules only apply to the
// end of a word.
type substitution struct {
	from     string
	to       string
	trailing bool
}

// substitutionRules is the fixed ordered rule set used for phonetic variant
// generation. Order matters: the all-rules variant applies them sequentially.
var substitutionRules = []substitution{
	{from: "ph", to: "f"},
	{from: "ck", to: "k"},
	{from: "ee", to: "i"},
	{from: "ea", to: "e"},
	{from: "oo", to: "u"},
	{from: "ou", to: "ow"},
	{from: "ie", to: "y"},
	{from: "ey", to: "ee"},
	{from: "y", to: "ie", trailing: true},
	{from: "v", to: "b"},
	{from: "th", to: "d"},
	{from: "s", to: "z", trailing: true},
}

// commonMishearings maps first names to spellings that speech-to-text engines
// frequently produce for them. Keys and values are lowercase.
var commonMishearings = map[string][]string{
	"steve":  {"steev", "steven", "stephen", "stew"},
	"john":   {"jon", "jean", "juan", "shawn"},
	"mike":   {"mic", "mick", "michael"},
	"sarah":  {"sara", "sera", "zara"},
	"alex":   {"alec", "alexa", "axel"},
	"kate":   {"cate", "kay", "katie"},
	"claire": {"clare", "clair"},
	"mark":   {"marc"},
	"sean":   {"shawn", "shaun"},
	"graham": {"gram", "graeme"},
}

// questionWords are leading words that mark a sentence as a question.
var questionWords = []string{
	"what", "how", "why", "when", "where", "who", "which",
	"can", "could", "would", "will", "should", "is", "are", "do", "does",
}

// requestPhrases mark a sentence as a request even without a question mark.
var requestPhrases = []string{
	"tell me", "please", "can you", "could you", "would you",
	"help me", "give me", "show me", "explain", "summarize", "summarise",
}

// Matcher classifies whether a text span mentions the agent. It is read-only
// after construction and therefore safe for concurrent use.
type Matcher struct {
	// variations is the ordered list of canonical name variations. Order is
	// deterministic: explicit variations (or derived ones) in derivation order.
	variations []string

	// phonetic maps each canonical variation to its ordered phonetic variants.
	phonetic map[string][]string

	// metaphone maps each canonical variation to its Double Metaphone codes.
	// The codes never decide a match on their own (too many common words
	// share a code with a name); they audit the phonetic variant set.
	metaphone map[string]map[string]struct{}

	// extraMishearings supplements [commonMishearings] with deployment
	// specific entries, keyed by canonical variation.
	extraMishearings map[string][]string

	fuzzyThreshold float64
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithVariations replaces the derived variation set with an explicit list.
// Entries are lowercased; empty entries are dropped.
func WithVariations(variations []string) Option {
	return func(m *Matcher) {
		m.variations = m.variations[:0]
		for _, v := range variations {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" && !slices.Contains(m.variations, v) {
				m.variations = append(m.variations, v)
			}
		}
	}
}

// WithFuzzyThreshold sets the minimum Levenshtein similarity for a tier-3
// fuzzy match. Default: 0.75.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMishearings adds deployment-specific speech-to-text mishearings on top
// of the built-in dictionary, keyed by the lowercased name variation.
func WithMishearings(mishearings map[string][]string) Option {
	return func(m *Matcher) {
		if len(mishearings) == 0 {
			return
		}
		m.extraMishearings = make(map[string][]string, len(mishearings))
		for k, v := range mishearings {
			m.extraMishearings[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
}

// New builds a Matcher for the given agent name.
//
// When no explicit variations are supplied via [WithVariations], the set is
// derived from agentName: the full lowercased name, every word of three or
// more characters, and a first-name + last-initial combination ("Steve
// Johnson" derives "steve johnson", "steve", "johnson", and "steve j").
func New(agentName string, opts ...Option) (*Matcher, error) {
	name := strings.ToLower(strings.TrimSpace(agentName))
	if name == "" {
		return nil, fmt.Errorf("mention: agent name must not be empty")
	}

	m := &Matcher{
		variations:     deriveVariations(name),
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	if len(m.variations) == 0 {
		return nil, fmt.Errorf("mention: no usable name variations for %q", agentName)
	}

	m.phonetic = make(map[string][]string, len(m.variations))
	m.metaphone = make(map[string]map[string]struct{}, len(m.variations))
	for _, v := range m.variations {
		variants := phoneticVariants(v)
		for _, misheard := range m.extraMishearings[v] {
			misheard = strings.ToLower(strings.TrimSpace(misheard))
			if misheard != "" && misheard != v && !slices.Contains(variants, misheard) {
				variants = append(variants, misheard)
			}
		}
		m.phonetic[v] = variants
		m.metaphone[v] = metaphoneCodes(v)
	}
	return m, nil
}

// Variations returns the canonical variation set in derivation order.
func (m *Matcher) Variations() []string {
	out := make([]string, len(m.variations))
	copy(out, m.variations)
	return out
}

// DetectMention classifies text through the three matching tiers.
func (m *Matcher) DetectMention(text string) Result {
	lower := strings.ToLower(text)

	// Tier 1: exact substring against any variation.
	for _, v := range m.variations {
		if strings.Contains(lower, v) {
			return Result{
				IsMentioned:      true,
				MatchedVariation: v,
				Confidence:       1.0,
			}
		}
	}

	// Tier 2: substring against any phonetic variant.
	for _, v := range m.variations {
		for _, variant := range m.phonetic[v] {
			if strings.Contains(lower, variant) {
				return Result{
					IsMentioned:      true,
					MatchedVariation: v,
					Confidence:       PhoneticConfidence,
					FuzzyMatch:       true,
				}
			}
		}
	}

	words := splitWords(lower)

	// Tier 3: per-word Levenshtein similarity. First pair at or above the
	// threshold wins; confidence is that similarity, not a fixed value.
	// No bare metaphone-code tier follows: Double Metaphone collapses too
	// many common words onto name codes ("stuff" and "steve" both code to
	// STF) to be safe as a standalone signal. Anything below this threshold
	// is the escalation layer's problem, not ours.
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		for _, v := range m.variations {
			if sim := similarity(w, v); sim >= m.fuzzyThreshold {
				return Result{
					IsMentioned:      true,
					MatchedVariation: v,
					Confidence:       sim,
					FuzzyMatch:       true,
				}
			}
		}
	}

	return Result{}
}

// ContainsVariation reports whether text literally contains any canonical
// variation. The chat path uses this instead of [Matcher.DetectMention]
// because typed text needs no phonetic tolerance.
func (m *Matcher) ContainsVariation(text string) bool {
	lower := strings.ToLower(text)
	for _, v := range m.variations {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

// ContainsQuestionOrRequest reports whether text reads as a question or a
// request directed at someone: a question mark, a leading question word, or
// any of a fixed request-phrase list.
func (m *Matcher) ContainsQuestionOrRequest(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	if strings.Contains(lower, "?") {
		return true
	}

	first, _, _ := strings.Cut(lower, " ")
	// Strip contractions so "what's" and "who's" still count.
	first, _, _ = strings.Cut(first, "'")
	if slices.Contains(questionWords, first) {
		return true
	}

	for _, phrase := range requestPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// similarity is 1 - Levenshtein distance / max length, clamped at 0 for the
// degenerate empty-string case.
func similarity(a, b string) float64 {
	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return 0
	}
	dist := matchr.Levenshtein(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

// deriveVariations builds the default variation set from a lowercased name.
func deriveVariations(name string) []string {
	variations := []string{name}

	words := strings.Fields(name)
	for _, w := range words {
		if len(w) >= 3 && !slices.Contains(variations, w) {
			variations = append(variations, w)
		}
	}

	// First-name + last-initial combination ("steve j").
	if len(words) >= 2 {
		last := words[len(words)-1]
		combo := words[0] + " " + last[:1]
		if !slices.Contains(variations, combo) {
			variations = append(variations, combo)
		}
	}

	return variations
}

// phoneticVariants expands one variation through the substitution rules and
// the mishearing dictionary. Each rule is applied to the original variation
// on its own, then the whole ordered rule set is applied cumulatively; both
// kinds of variant are kept, deduplicated, in generation order.
func phoneticVariants(variation string) []string {
	var variants []string
	add := func(v string) {
		if v != variation && v != "" && !slices.Contains(variants, v) {
			variants = append(variants, v)
		}
	}

	for _, rule := range substitutionRules {
		add(applyRule(variation, rule))
	}

	cumulative := variation
	for _, rule := range substitutionRules {
		cumulative = applyRule(cumulative, rule)
	}
	add(cumulative)

	// Mishearing entries attach to the bare-name variation only; the full
	// "first last" variation is covered by its single-word siblings.
	for _, misheard := range commonMishearings[variation] {
		add(misheard)
	}

	return variants
}

// applyRule applies a single substitution rule to s. Trailing rules rewrite
// only a matching suffix; positional rules rewrite every occurrence.
func applyRule(s string, rule substitution) string {
	if rule.trailing {
		if rest, ok := strings.CutSuffix(s, rule.from); ok {
			return rest + rule.to
		}
		return s
	}
	return strings.ReplaceAll(s, rule.from, rule.to)
}

// metaphoneCodes returns the union of Double Metaphone codes across the words
// of a variation. Words shorter than three characters (the "j" in "steve j")
// produce codes too generic to be useful and are skipped, as are empty codes.
func metaphoneCodes(variation string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	for _, w := range strings.Fields(variation) {
		if len(w) < 3 {
			continue
		}
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// splitWords tokenises lowercased text into words, stripping punctuation so
// "steve," and "steve" compare equal.
func splitWords(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		case r == '\'':
			return false
		default:
			return true
		}
	})
}
