// Package resolver implements the Title Resolver (C4): fuzzy-matching a
// catalog MediaItem onto the best provider search-result key.
package resolver

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/xqi1337/nekoengine/models"
)

// providerNormalizers holds the per-provider disambiguator-stripping table
// named for specific providers. Absent entries fall back to identity. Only
// "allanime" is populated — see DESIGN.md's Open Question decision for why
// the rest stay identity until empirically justified.
var providerNormalizers = map[string]func(string) string{
	"allanime": func(title string) string {
		for _, suffix := range []string{" (Dub)", " (Sub)", " (TV)", " (Uncensored)"} {
			title = strings.TrimSuffix(title, suffix)
		}
		return strings.TrimSpace(title)
	},
}

var lowerCaser = cases.Lower(language.Und)

// Normalize applies the per-provider disambiguator table (or identity) and
// then a width/diacritic fold so that e.g. full-width CJK punctuation and
// combining marks don't throw off the fuzzy ratio.
func Normalize(providerTag, title string) string {
	if fn, ok := providerNormalizers[providerTag]; ok {
		title = fn(title)
	}
	folded := norm.NFKD.String(title)
	return lowerCaser.String(folded)
}

// Resolve picks the candidates key whose provider-normalized form best
// matches item's romaji or english title. Ties are broken
// by input order — Go map iteration is randomized, so callers that need a
// deterministic tie-break across repeated runs should pass candidates via
// ResolveOrdered with an explicit key order instead.
func Resolve(candidates map[string]models.SearchResult, providerTag string, item models.MediaItem) (string, bool) {
	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	return ResolveOrdered(keys, providerTag, item)
}

// ResolveOrdered is Resolve with an explicit, caller-supplied key order so
// that "ties are broken by input order" is reproducible.
func ResolveOrdered(orderedKeys []string, providerTag string, item models.MediaItem) (string, bool) {
	targets := []string{strings.ToLower(item.Title.Romaji), strings.ToLower(item.Title.English)}

	bestKey := ""
	bestScore := -1.0
	found := false

	for _, key := range orderedKeys {
		normalized := Normalize(providerTag, key)
		score := -1.0
		for _, target := range targets {
			if target == "" {
				continue
			}
			if s := Similarity(normalized, target); s > score {
				score = s
			}
		}
		if score > bestScore {
			bestScore = score
			bestKey = key
			found = true
		}
	}

	return bestKey, found
}
