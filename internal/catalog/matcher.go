// Canonical catalog matching: resolves a free-text drug mention to an
// existing catalog entry, flags it as a new-drug candidate, or surfaces an
// ambiguity for human resolution.
//
// Matching is a scored search, not a lookup. The algorithm proceeds in two
// stages:
//
//  1. Exact match on normalised (name, dose, lot), treating absent query
//     fields as wildcards. A single hit resolves immediately; several hits
//     (e.g., two doses of the same drug when the dictation omitted the dose)
//     are surfaced as ambiguous rather than auto-selected.
//
//  2. Fuzzy ranking by Jaro-Winkler similarity over normalised names,
//     restricted to catalog entries sharing the query's dose when one was
//     dictated. Scores at or above the accept threshold match; scores in the
//     review band are ambiguous; anything below is a new-drug candidate.
//
// Double Metaphone codes break score ties: spoken input makes phonetic
// confusion ("ibuprofeno"/"ibuprofen") far more likely than typographic
// confusion, so among equally-scored candidates the phonetically-overlapping
// one ranks first. Remaining ties order by most recent last-inventory date,
// then lowest ID, keeping the ranking deterministic across runs.
package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

const (
	// defaultAcceptThreshold is the minimum Jaro-Winkler score for an
	// automatic fuzzy match.
	defaultAcceptThreshold = 0.85

	// defaultReviewThreshold is the lower bound of the band surfaced for
	// human resolution instead of auto-selection.
	defaultReviewThreshold = 0.60

	// defaultTopK caps how many candidates an ambiguous result carries.
	defaultTopK = 3
)

// Score ties break on phonetic overlap with the query before the
// last-inventory-date/lowest-ID keys. That is a deliberate deviation from a
// plain recency ordering: the input is spoken, so a candidate that sounds
// like the dictation is a better first guess than one merely counted
// recently. See sortCandidates.

// Outcome tags a match result. Downstream code must handle all three.
type Outcome string

const (
	// OutcomeMatched means the mention resolved to exactly one catalog entry.
	OutcomeMatched Outcome = "matched"

	// OutcomeAmbiguous means several entries are plausible and a human must
	// pick one before the record can be reconciled.
	OutcomeAmbiguous Outcome = "ambiguous"

	// OutcomeNewDrug means no catalog entry is plausible; the result carries
	// a provisional (unpersisted) Drug synthesised from the mention.
	OutcomeNewDrug Outcome = "new-drug"
)

// Query is a drug mention extracted from a dictation. Absent fields are
// empty strings / zero values and act as wildcards during exact matching.
type Query struct {
	Name         string
	Dose         string
	Units        string
	Type         string
	Lot          string
	PiecesPerBox int
	Expiration   time.Time
}

// Draft synthesises a provisional Drug from the query. It is not persisted;
// the reconciler turns it into a create-drug transaction if the reviewer
// confirms.
func (q Query) Draft() Drug {
	return Drug{
		Name:         strings.TrimSpace(q.Name),
		Dose:         strings.TrimSpace(q.Dose),
		Units:        strings.TrimSpace(q.Units),
		Type:         strings.TrimSpace(q.Type),
		Lot:          strings.TrimSpace(q.Lot),
		PiecesPerBox: q.PiecesPerBox,
		Expiration:   q.Expiration,
	}
}

// Candidate is one ranked catalog entry in a match result.
type Candidate struct {
	Drug  Drug
	Score float64
}

// Result is the tagged outcome of matching one query against the catalog.
type Result struct {
	Outcome Outcome

	// Drug is the resolved entry when Outcome is OutcomeMatched.
	Drug *Drug

	// Score is the similarity of the accepted match; 1.0 for exact matches.
	Score float64

	// Exact reports whether the match came from the exact stage.
	Exact bool

	// Candidates holds the ranked top-k entries when Outcome is
	// OutcomeAmbiguous.
	Candidates []Candidate

	// Draft is the provisional entry when Outcome is OutcomeNewDrug.
	Draft *Drug
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithAcceptThreshold sets the minimum Jaro-Winkler score for an automatic
// fuzzy match. Default: 0.85.
func WithAcceptThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.acceptThreshold = threshold
	}
}

// WithReviewThreshold sets the lower bound of the human-review band.
// Default: 0.60.
func WithReviewThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.reviewThreshold = threshold
	}
}

// WithTopK sets how many candidates an ambiguous result carries. Default: 3.
func WithTopK(k int) Option {
	return func(m *Matcher) {
		m.topK = k
	}
}

// Matcher resolves drug mentions against a catalog snapshot. It never
// mutates the catalog — it only classifies. All methods are safe for
// concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	acceptThreshold float64
	reviewThreshold float64
	topK            int
}

// NewMatcher returns a new [Matcher] configured with the supplied options.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		acceptThreshold: defaultAcceptThreshold,
		reviewThreshold: defaultReviewThreshold,
		topK:            defaultTopK,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match resolves q against the given catalog entries and returns a tagged
// [Result]. The catalog slice is never modified.
func (m *Matcher) Match(q Query, drugs []Drug) Result {
	name := NormalizeName(q.Name)
	if name == "" {
		return Result{Outcome: OutcomeNewDrug, Draft: draftPtr(q)}
	}
	doseKey := DoseKey(q.Dose, q.Units)
	lot := NormalizeName(q.Lot)

	// Stage 1: exact on (name, dose, lot) with absent fields as wildcards.
	var exact []Candidate
	for _, d := range drugs {
		if d.normalizedName() != name {
			continue
		}
		if doseKey != "" && d.doseKey() != doseKey {
			continue
		}
		if lot != "" && NormalizeName(d.Lot) != lot {
			continue
		}
		exact = append(exact, Candidate{Drug: d, Score: 1.0})
	}
	switch {
	case len(exact) == 1:
		d := exact[0].Drug
		return Result{Outcome: OutcomeMatched, Drug: &d, Score: 1.0, Exact: true}
	case len(exact) > 1:
		// Same normalised name at several doses/lots and the dictation did
		// not disambiguate. Auto-selecting would silently move stock on the
		// wrong entry.
		m.sortCandidates(exact, codesFor(name))
		return Result{Outcome: OutcomeAmbiguous, Candidates: m.truncate(exact)}
	}

	// Stage 2: fuzzy ranking. When a dose was dictated, only entries with
	// the same dose compete; a dose mismatch is strong evidence of a
	// different product no matter how similar the names are.
	queryCodes := codesFor(name)
	var scored []Candidate
	for _, d := range drugs {
		if doseKey != "" && d.doseKey() != doseKey {
			continue
		}
		score := nameSimilarity(name, d.normalizedName())
		if score >= m.reviewThreshold {
			scored = append(scored, Candidate{Drug: d, Score: score})
		}
	}
	if len(scored) == 0 {
		return Result{Outcome: OutcomeNewDrug, Draft: draftPtr(q)}
	}

	m.sortCandidates(scored, queryCodes)
	best := scored[0]

	if best.Score >= m.acceptThreshold {
		// A score tie between distinct entries when the dictation carried no
		// dose is unresolvable automatically (the entries differ precisely in
		// the fields the dictation omitted).
		if doseKey == "" && len(scored) > 1 && scoresEqual(scored[1].Score, best.Score) {
			return Result{Outcome: OutcomeAmbiguous, Candidates: m.truncate(scored)}
		}
		d := best.Drug
		return Result{Outcome: OutcomeMatched, Drug: &d, Score: best.Score}
	}

	return Result{Outcome: OutcomeAmbiguous, Candidates: m.truncate(scored)}
}

// sortCandidates orders candidates by score, then phonetic overlap with the
// query, then most recent last-inventory date, then lowest ID. The final two
// keys exist purely for determinism.
func (m *Matcher) sortCandidates(cs []Candidate, queryCodes map[string]struct{}) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !scoresEqual(cs[i].Score, cs[j].Score) {
			return cs[i].Score > cs[j].Score
		}
		pi := codesOverlap(queryCodes, codesFor(cs[i].Drug.normalizedName()))
		pj := codesOverlap(queryCodes, codesFor(cs[j].Drug.normalizedName()))
		if pi != pj {
			return pi
		}
		if !cs[i].Drug.LastInventoryDate.Equal(cs[j].Drug.LastInventoryDate) {
			return cs[i].Drug.LastInventoryDate.After(cs[j].Drug.LastInventoryDate)
		}
		return cs[i].Drug.ID < cs[j].Drug.ID
	})
}

// truncate caps a ranked candidate list at top-k.
func (m *Matcher) truncate(cs []Candidate) []Candidate {
	if len(cs) > m.topK {
		cs = cs[:m.topK]
	}
	return cs
}

func draftPtr(q Query) *Drug {
	d := q.Draft()
	return &d
}

func scoresEqual(a, b float64) bool {
	const epsilon = 1e-9
	diff := a - b
	return diff < epsilon && diff > -epsilon
}

// nameSimilarity computes the highest Jaro-Winkler similarity between two
// normalised names using three strategies:
//
//  1. Full-string comparison.
//  2. Space-stripped comparison ("acidofolico" vs "acido folico").
//  3. Best pairwise token comparison — useful when one spoken word
//     corresponds to one catalog-name word.
func nameSimilarity(a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)

	aTokens := strings.Fields(a)
	bTokens := strings.Fields(b)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		concatA := strings.Join(aTokens, "")
		concatB := strings.Join(bTokens, "")
		if s := matchr.JaroWinkler(concatA, concatB, false); s > score {
			score = s
		}
	}

	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}

	return score
}

// codesFor returns the union of Double Metaphone codes for every token in
// the normalised name. Empty codes (words too short or with no consonants)
// are excluded.
func codesFor(name string) map[string]struct{} {
	tokens := strings.Fields(name)
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
