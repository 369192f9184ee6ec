package transformer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// tokenRE splits a trimmed Eurostat value cell into an optional numeric
// part and a trailing flag-letters part, mirroring
// original_source/transformer.py's VALUE_FLAG_RE but adapted to this
// pipeline's null-emitting edge-case decisions (SPEC_FULL.md §4.3).
var tokenRE = regexp.MustCompile(`^(-?[0-9.eE+-]+)?([A-Za-z ]*)$`)

// parseToken splits a raw observation cell into (value, flags).
//
// Rules, in order:
//   - an empty (post-trim) token yields (nil, nil)
//   - a leading ':' (Eurostat's explicit missing-value marker) yields a nil
//     value; any trailing letters after the ':' become the flags
//   - otherwise the token is matched against tokenRE; a numeric part that
//     is one of the bare ambiguous forms "-", ".", "-." is treated as an
//     invalid value: nil value, no flags (Open Question resolved in
//     DESIGN.md: these are not retained as flags)
//   - a numeric part that fails to parse, or parses to NaN/Inf, yields a
//     nil value with the whole (whitespace-collapsed) token as flags
//   - a numeric part that parses to a finite float64 yields that value,
//     with any trailing letters (whitespace-collapsed) as flags
//   - a token with no recognizable numeric part is treated as flags-only
func parseToken(raw string) (*float64, *string) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return nil, nil
	}

	if strings.HasPrefix(t, ":") {
		rest := strings.TrimSpace(strings.TrimPrefix(t, ":"))
		return nil, collapseFlags(rest)
	}

	m := tokenRE.FindStringSubmatch(t)
	if m == nil {
		return nil, collapseFlags(t)
	}

	numPart, flagPart := m[1], m[2]
	if numPart == "" {
		return nil, collapseFlags(flagPart)
	}
	switch numPart {
	case "-", ".", "-.":
		return nil, nil
	}

	v, err := strconv.ParseFloat(numPart, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, collapseFlags(t)
	}
	return &v, collapseFlags(flagPart)
}

// collapseFlags trims and whitespace-collapses s, returning nil if the
// result is empty.
func collapseFlags(s string) *string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	return &s
}
