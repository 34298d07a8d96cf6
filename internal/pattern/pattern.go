// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package pattern compiles userscript match rules of the form
// scheme://host/path into anchored regular expressions. The scheme may be
// "*" (http or https only), the host may carry "*" wildcard segments, and
// the path may carry any number of "*" wildcards. The universal rule
// "<all_urls>" matches every URL with a recognized scheme.
package pattern

import (
	"regexp"
	"strings"

	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// AllURLs is the universal match rule.
const AllURLs = "<all_urls>"

var (
	allURLsRe = regexp.MustCompile(`^(https?|wss?|file|ftp|chrome-extension)://.+`)
	ruleRe    = regexp.MustCompile(`^(\*|https?|wss?|file|ftp|chrome-extension)://([^/]*)(/.*)$`)
)

// Matcher tests a URL string for membership in one compiled match rule.
type Matcher struct {
	raw string
	re  *regexp.Regexp
}

// Rule returns the raw rule string the matcher was compiled from.
func (m *Matcher) Rule() string {
	return m.raw
}

// MatchURL reports whether url satisfies the rule.
func (m *Matcher) MatchURL(url string) bool {
	return m.re.MatchString(url)
}

// Compile turns a match rule into a Matcher. A malformed rule yields a
// coded error; callers treat it as "matches nothing".
func Compile(rule string) (*Matcher, error) {
	if rule == AllURLs {
		return &Matcher{raw: rule, re: allURLsRe}, nil
	}

	parts := ruleRe.FindStringSubmatch(rule)
	if parts == nil {
		return nil, tamperr.New(tamperr.CodePatternCompileInvalid, "malformed match rule", tamperr.FieldPattern(rule))
	}

	scheme, host, path := parts[1], parts[2], parts[3]

	schemeExpr := regexp.QuoteMeta(scheme)
	if scheme == "*" {
		schemeExpr = "https?"
	}

	var hostExpr string
	switch {
	case scheme == "file":
		// The file scheme has no host component; the path is matched
		// directly after the scheme.
		hostExpr = ""
		if path == "" {
			path = "/"
		}
	case host == "" || host == "*":
		hostExpr = "[^/]+"
	default:
		hostExpr = wildcardExpr(host, "[^/]*")
	}

	pathExpr := wildcardExpr(path, ".*")

	full := "^(?:" + schemeExpr + ")://" + hostExpr + pathExpr + "$"
	re, err := regexp.Compile(full)
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodePatternCompileInvalid, "compiling match rule", tamperr.FieldPattern(rule))
	}

	return &Matcher{raw: rule, re: re}, nil
}

// wildcardExpr escapes the literal segments of s and joins them with the
// given permissive sub-expression in place of each "*".
func wildcardExpr(s, wildcard string) string {
	segments := strings.Split(s, "*")
	for i, seg := range segments {
		segments[i] = regexp.QuoteMeta(seg)
	}
	return strings.Join(segments, wildcard)
}
