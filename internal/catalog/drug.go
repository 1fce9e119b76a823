// Package catalog holds the drug catalog model and the canonical catalog
// matcher that resolves free-text drug mentions — as they come out of a
// transcribed dictation — to existing catalog entries.
package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DateFormat is the wire/date-column format used across the ledger.
const DateFormat = "2006-01-02"

// Drug is a catalog entry. Name, dose and lot together identify an entry for
// matching purposes; ID is the stable surrogate key assigned on creation.
type Drug struct {
	// ID is assigned by the store on creation and immutable afterwards.
	ID int64

	// Name is the drug name exactly as dictated/entered. Matching uses the
	// normalised form but the verbatim spelling is what gets stored.
	Name string

	// Dose is the dose amount as spoken (e.g., "5", "5 mg", "500mg").
	Dose string

	// Units is the dose unit when dictated separately (e.g., "mg", "ml").
	Units string

	// PiecesPerBox is how many sellable pieces one box contains.
	PiecesPerBox int

	// Type is a free-text category (tablet, ampoule, syrup, …).
	Type string

	// Lot is the batch code, when known.
	Lot string

	// Expiration is the batch expiration date; zero when unknown.
	Expiration time.Time

	// CurrentStock is the cached piece count. It is derived from the movement
	// log and must never be written independently of a movement.
	CurrentStock int

	// LastInventoryDate is the date of the last authoritative count.
	LastInventoryDate time.Time
}

// diacriticFolder strips combining marks after NFD decomposition, so that
// "ácido fólico" and "acido folico" normalise identically.
var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeName canonicalises a drug name for matching: lowercase, diacritics
// folded, trimmed, inner whitespace collapsed. Stored names are never
// modified — normalisation exists only in the comparison domain.
func NormalizeName(name string) string {
	folded, _, err := transform.String(diacriticFolder, name)
	if err != nil {
		// Fold failures are possible only on invalid UTF-8; fall back to the
		// raw string rather than dropping the mention.
		folded = name
	}
	lowered := strings.ToLower(folded)
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(lowered), " ")
}

// doseRe splits a dose mention into a numeric value and a trailing unit,
// tolerating "5mg", "5 mg", "5,5 ml" (decimal comma) and a bare "5".
var doseRe = regexp.MustCompile(`^([0-9]+(?:[.,][0-9]+)?)\s*([a-zµ%/]*)$`)

// DoseKey reduces a (dose, units) pair to a canonical comparison key, e.g.
// ("5mg", "") and ("5", "mg") both yield "5mg". Unparseable doses fall back
// to their normalised text so that equality still behaves sensibly.
func DoseKey(dose, units string) string {
	d := NormalizeName(dose)
	u := NormalizeName(units)
	if d == "" {
		return u
	}

	m := doseRe.FindStringSubmatch(d)
	if m == nil {
		if u != "" {
			return d + u
		}
		return d
	}

	value := strings.ReplaceAll(m[1], ",", ".")
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		// Trim trailing zeros so "5.0" and "5" compare equal.
		value = strconv.FormatFloat(f, 'f', -1, 64)
	}
	unit := m[2]
	if unit == "" {
		unit = u
	}
	return value + unit
}

// doseKey returns the drug's canonical dose key.
func (d Drug) doseKey() string {
	return DoseKey(d.Dose, d.Units)
}

// normalizedName returns the drug's name in the comparison domain.
func (d Drug) normalizedName() string {
	return NormalizeName(d.Name)
}
