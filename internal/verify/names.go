package verify

import "strings"

// Payer-name similarity. Bank payloads carry the SPEI account-holder
// name; the venue carries the KYC real name. Both arrive in inconsistent
// casing, with or without accents, sometimes with extra middle names, so
// the comparison works on a normalized token form.

// diacritics covers the accented characters that actually occur in
// Mexican bank KYC strings.
var diacritics = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u",
	"ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u",
	"Ü", "u", "Ñ", "n",
)

// NormalizeName lower-cases, strips diacritics and non-alphanumerics,
// and collapses whitespace.
func NormalizeName(name string) string {
	s := diacritics.Replace(strings.ToLower(name))

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// NameSimilarity scores two names in [0, 1]:
//
//	1.0  normalized strings are equal
//	0.8  one contains the other (extra middle names, bank truncation)
//	else token overlap: matches / max(|tokens a|, |tokens b|) over
//	     tokens longer than 2 runes (skips DE, LA, Y connectives)
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8
	}

	tokensA := significantTokens(na)
	tokensB := significantTokens(nb)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	setB := make(map[string]bool, len(tokensB))
	for _, tok := range tokensB {
		setB[tok] = true
	}
	matches := 0
	for _, tok := range tokensA {
		if setB[tok] {
			matches++
		}
	}

	denom := len(tokensA)
	if len(tokensB) > denom {
		denom = len(tokensB)
	}
	return float64(matches) / float64(denom)
}

func significantTokens(normalized string) []string {
	fields := strings.Fields(normalized)
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
