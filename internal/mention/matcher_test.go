package mention

import (
	"math"
	"testing"

	"github.com/antzucaro/matchr"
)

func newMatcher(t *testing.T, name string, opts ...Option) *Matcher {
	t.Helper()
	m, err := New(name, opts...)
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	return m
}

// ── Variation derivation ─────────────────────────────────────────────────────

func TestDeriveVariations(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson")

	want := []string{"steve johnson", "steve", "johnson", "steve j"}
	got := m.Variations()
	if len(got) != len(want) {
		t.Fatalf("want %d variations %v, got %v", len(want), want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("variation[%d]: want %q, got %q", i, want[i], got[i])
		}
	}
}

func TestExplicitVariationsOverrideDerivation(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson", WithVariations([]string{"Stevie", "SJ-Bot"}))

	res := m.DetectMention("hand it to stevie please")
	if !res.IsMentioned || res.MatchedVariation != "stevie" {
		t.Fatalf("want stevie match, got %+v", res)
	}
	if m.ContainsVariation("steve johnson said so") {
		t.Fatal("derived variation should be replaced by explicit set")
	}
}

// ── Tier 1: exact ────────────────────────────────────────────────────────────

func TestDetectMentionExact(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson")

	cases := []struct {
		name string
		text string
		want string
	}{
		{"full name", "I think Steve Johnson should answer", "steve johnson"},
		{"first name", "Hey Steve, what do you think?", "steve"},
		{"last name", "ask johnson about it", "johnson"},
		{"case insensitive", "STEVE take it away", "steve"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := m.DetectMention(tc.text)
			if !res.IsMentioned {
				t.Fatalf("want mention, got %+v", res)
			}
			if res.MatchedVariation != tc.want {
				t.Fatalf("want variation %q, got %q", tc.want, res.MatchedVariation)
			}
			if res.Confidence != 1.0 {
				t.Fatalf("want confidence 1.0, got %v", res.Confidence)
			}
			if res.FuzzyMatch {
				t.Fatal("exact match must not be flagged fuzzy")
			}
		})
	}
}

// ── Tier 2: phonetic variants ────────────────────────────────────────────────

func TestDetectMentionPhoneticVariant(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson")

	// "steven" is in the curated mishearing dictionary for "steve".
	res := m.DetectMention("I heard steven mention that earlier")
	if !res.IsMentioned {
		t.Fatalf("want mention, got %+v", res)
	}
	if res.MatchedVariation != "steve" {
		t.Fatalf("want variation steve, got %q", res.MatchedVariation)
	}
	if res.Confidence != 0.9 {
		t.Fatalf("want confidence 0.9, got %v", res.Confidence)
	}
	if !res.FuzzyMatch {
		t.Fatal("phonetic match must be flagged fuzzy")
	}
}

func TestPhoneticRuleGeneration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		variation string
		want      string
	}{
		{"phillip", "fillip"}, // ph→f
		{"jack", "jak"},       // ck→k
		{"lee", "li"},         // ee→i
		{"brook", "bruk"},     // oo→u
		{"mary", "marie"},     // trailing y→ie
		{"thomas", "domas"},   // th→d
		{"louis", "lowiz"},    // ou→ow and trailing s→z stack cumulatively
	}

	for _, tc := range cases {
		variants := phoneticVariants(tc.variation)
		found := false
		for _, v := range variants {
			if v == tc.want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("phoneticVariants(%q): want %q among %v", tc.variation, tc.want, variants)
		}
	}
}

func TestMetaphoneCodeAudit(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson")

	p, _ := matchr.DoubleMetaphone("steve")
	if _, ok := m.metaphone["steve"][p]; !ok {
		t.Fatalf("codes for steve %v must include its own primary code %q", m.metaphone["steve"], p)
	}

	// Curated mishearings stay phonetically faithful to their canonical name.
	mp, _ := matchr.DoubleMetaphone("steev")
	if _, ok := m.metaphone["steve"][mp]; !ok {
		t.Fatalf("mishearing steev codes to %q, missing from steve codes %v", mp, m.metaphone["steve"])
	}

	// Words under three characters ("j" in "steve j") contribute no codes.
	if got, want := len(m.metaphone["steve j"]), len(m.metaphone["steve"]); got != want {
		t.Fatalf("steve j should carry steve's codes only: got %d codes, want %d", got, want)
	}
}

// ── Tier 3: Levenshtein ──────────────────────────────────────────────────────

func TestDetectMentionFuzzy(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Garibaldi")

	// "garibald" vs "garibaldi": distance 1, similarity 8/9 ≈ 0.889.
	res := m.DetectMention("hey garibald can you help")
	if !res.IsMentioned {
		t.Fatalf("want mention, got %+v", res)
	}
	if !res.FuzzyMatch {
		t.Fatal("edit-distance match must be flagged fuzzy")
	}
	wantSim := 1.0 - float64(matchr.Levenshtein("garibald", "garibaldi"))/9.0
	if math.Abs(res.Confidence-wantSim) > 1e-9 {
		t.Fatalf("want confidence %v (the similarity), got %v", wantSim, res.Confidence)
	}
}

func TestDetectMentionBelowThreshold(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Garibaldi")

	res := m.DetectMention("the quarterly numbers look fine")
	if res.IsMentioned {
		t.Fatalf("want no mention, got %+v", res)
	}
	if res.Confidence != 0 {
		t.Fatalf("want confidence 0, got %v", res.Confidence)
	}
	if res.MatchedVariation != "" {
		t.Fatalf("want empty variation, got %q", res.MatchedVariation)
	}
}

func TestCustomFuzzyThreshold(t *testing.T) {
	t.Parallel()

	strict := newMatcher(t, "Garibaldi", WithFuzzyThreshold(0.95))

	// "garibold" similarity ≈ 0.778, below the custom threshold, so the
	// edit-distance tier must not fire and no later tier exists to catch it.
	if res := strict.DetectMention("paging garibold"); res.IsMentioned {
		t.Fatalf("threshold 0.95 must suppress the similarity tier: %+v", res)
	}
}

func TestDetectMentionIgnoresMetaphoneCollisions(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson")

	// "stuff" and "staff" share a Double Metaphone code with "steve" but are
	// neither variations, phonetic variants, nor within edit distance. They
	// must not be classified as mentions.
	cases := []string{
		"we have a lot of stuff to cover today",
		"the staff meeting moved to friday",
	}
	for _, text := range cases {
		res := m.DetectMention(text)
		if res.IsMentioned {
			t.Errorf("DetectMention(%q): want no mention, got %+v", text, res)
		}
		if res.Confidence != 0 {
			t.Errorf("DetectMention(%q): want confidence 0, got %v", text, res.Confidence)
		}
	}
}

// ── Question / request gating ────────────────────────────────────────────────

func TestContainsQuestionOrRequest(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve")

	cases := []struct {
		text string
		want bool
	}{
		{"what's on the agenda", true},
		{"is this working", true},
		{"how do we proceed?", true},
		{"tell me about the roadmap", true},
		{"please summarize the discussion", true},
		{"can you take notes", true},
		{"the meeting went fine", false},
		{"island weather is nice", false}, // "is" prefix must not trigger
		{"", false},
	}

	for _, tc := range cases {
		if got := m.ContainsQuestionOrRequest(tc.text); got != tc.want {
			t.Errorf("ContainsQuestionOrRequest(%q): want %v, got %v", tc.text, tc.want, got)
		}
	}
}

// ── Literal containment (chat path) ──────────────────────────────────────────

func TestContainsVariation(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson")

	if !m.ContainsVariation("Steve, can you summarize?") {
		t.Fatal("want literal containment for exact name")
	}
	if m.ContainsVariation("steev can you summarize") {
		t.Fatal("literal containment must not apply phonetic tolerance")
	}
}

func TestWithMishearings(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, "Steve Johnson", WithMishearings(map[string][]string{
		"steve": {"Stove"},
	}))

	res := m.DetectMention("I think stove had a point there")
	if !res.IsMentioned {
		t.Fatalf("want mention via custom mishearing, got %+v", res)
	}
	if res.MatchedVariation != "steve" {
		t.Fatalf("want variation steve, got %q", res.MatchedVariation)
	}
	if res.Confidence != 0.9 {
		t.Fatalf("want confidence 0.9, got %v", res.Confidence)
	}

	// The built-in dictionary still applies.
	if res := m.DetectMention("steven said so"); !res.IsMentioned {
		t.Fatalf("built-in mishearing should still match, got %+v", res)
	}
}
