// Package gate blocks reconnaissance targets that reference protected
// domains. Government, educational, and military infrastructure must never
// be searched or scraped, so every code path that accepts a target-like
// string consults this predicate before doing anything else.
package gate

import (
	"fmt"
	"regexp"
	"strings"
)

// Suffixes that must never be targeted. Second-level forms come before
// their parent TLD so reported matches name the most specific suffix.
var protectedSuffixes = []string{
	".gov.uk",
	".ac.uk",
	".mil.uk",
	".gov.au",
	".edu.au",
	".gov",
	".edu",
	".mil",
}

// Gate decides whether a target references a protected domain. The zero
// value is not usable; call New.
type Gate struct {
	patterns []*regexp.Regexp
	suffixes []string
}

// New builds a gate over the fixed denylist. Matching is pure string
// work: no I/O, no state, safe for concurrent use.
func New() *Gate {
	g := &Gate{suffixes: protectedSuffixes}
	for _, suffix := range protectedSuffixes {
		// Match "example.gov", "sub.example.edu" etc. at a label
		// boundary, so "gov.com" or "milton.org" stay unblocked.
		expr := `[a-z0-9\-]+` + regexp.QuoteMeta(suffix) + `\b`
		g.patterns = append(g.patterns, regexp.MustCompile(expr))
	}
	return g
}

// Blocked reports whether target references any protected suffix.
func (g *Gate) Blocked(target string) bool {
	lower := strings.ToLower(strings.TrimSpace(target))
	if lower == "" {
		return false
	}
	for _, re := range g.patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// Matches returns the protected domains referenced by target, in the
// order they appear in the denylist. Each occurrence is reported once,
// under its most specific suffix: "council.gov.uk" is a .gov.uk match,
// not also a .gov one.
func (g *Gate) Matches(target string) []string {
	lower := strings.ToLower(strings.TrimSpace(target))
	var found []string
	var taken [][2]int
	for _, re := range g.patterns {
		for _, loc := range re.FindAllStringIndex(lower, -1) {
			contained := false
			for _, t := range taken {
				if loc[0] >= t[0] && loc[1] <= t[1] {
					contained = true
					break
				}
			}
			if contained {
				continue
			}
			taken = append(taken, [2]int{loc[0], loc[1]})
			found = append(found, lower[loc[0]:loc[1]])
		}
	}
	return found
}

// Validate returns nil when target is safe, otherwise a
// *BlockedTargetError naming the protected domains it references.
func (g *Gate) Validate(target string) error {
	if !g.Blocked(target) {
		return nil
	}
	return &BlockedTargetError{Target: target, Domains: g.Matches(target)}
}

// BlockedTargetError is the user-facing rejection for a protected
// target. It is non-retryable and no run is created for it.
type BlockedTargetError struct {
	Target  string
	Domains []string
}

func (e *BlockedTargetError) Error() string {
	return fmt.Sprintf("target blocked: references protected domain(s): %s",
		strings.Join(e.Domains, ", "))
}
