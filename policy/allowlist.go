// Package policy provides the default assoc.AbstractSyntaxPolicy: an
// allow-list matcher backed by github.com/gobwas/glob, so deployments can
// accept presentation contexts by glob pattern ("1.2.840.10008.5.1.4.1.1.*"
// for every Storage SOP class, "RAD_*" for a family of calling AE titles)
// instead of enumerating every SOP class UID by hand.
package policy

import (
	"fmt"

	"github.com/gobwas/glob"
)

// AllowList accepts a proposed presentation context when the calling AE
// title matches one of AETitlePatterns (or AETitlePatterns is empty,
// meaning any caller) and the abstract syntax matches one of
// AbstractSyntaxPatterns. Among the transfer syntaxes the peer proposed,
// it picks the first one that also appears in TransferSyntaxPreference,
// in that preference order.
type AllowList struct {
	aeGlobs            []glob.Glob
	abstractSyntaxGlobs []glob.Glob
	transferSyntaxPref  []string
}

// NewAllowList compiles the given glob patterns. An empty aeTitlePatterns
// slice means every calling AE title is accepted.
func NewAllowList(abstractSyntaxPatterns, aeTitlePatterns, transferSyntaxPreference []string) (*AllowList, error) {
	a := &AllowList{transferSyntaxPref: transferSyntaxPreference}

	for _, pattern := range abstractSyntaxPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: compiling abstract syntax pattern %q: %w", pattern, err)
		}
		a.abstractSyntaxGlobs = append(a.abstractSyntaxGlobs, g)
	}

	for _, pattern := range aeTitlePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: compiling AE title pattern %q: %w", pattern, err)
		}
		a.aeGlobs = append(a.aeGlobs, g)
	}

	return a, nil
}

// Accept implements assoc.AbstractSyntaxPolicy.
func (a *AllowList) Accept(callingAE, abstractSyntax string, proposed []string) (string, bool) {
	if !a.aeAllowed(callingAE) {
		return "", false
	}
	if !a.abstractSyntaxAllowed(abstractSyntax) {
		return "", false
	}

	for _, preferred := range a.transferSyntaxPref {
		for _, ts := range proposed {
			if ts == preferred {
				return ts, true
			}
		}
	}
	// Abstract syntax and caller are allowed but none of the proposed
	// transfer syntaxes are supported: reject only the transfer syntax.
	return "", true
}

func (a *AllowList) aeAllowed(callingAE string) bool {
	if len(a.aeGlobs) == 0 {
		return true
	}
	for _, g := range a.aeGlobs {
		if g.Match(callingAE) {
			return true
		}
	}
	return false
}

func (a *AllowList) abstractSyntaxAllowed(abstractSyntax string) bool {
	for _, g := range a.abstractSyntaxGlobs {
		if g.Match(abstractSyntax) {
			return true
		}
	}
	return false
}
