// Package pathsafe normalizes and screens peer-supplied file names and
// paths before any filesystem handle is opened on them.
package pathsafe

import (
	"errors"
	"fmt"
	"strings"
)

// Risk grades how dangerous a path is to use as-is. RiskHigh paths must
// never be handed to the filesystem.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	}
	return "unknown"
}

// Rules captures one platform's naming constraints. The zero value is
// usable, missing fields fall back to sane defaults.
type Rules struct {
	Separator        rune
	IllegalChars     string
	ReservedNames    []string
	MaxPathLength    int
	MaxSegmentLength int
	CaseSensitive    bool
	Substitute       rune
}

var reservedDeviceNames = []string{
	"CON", "PRN", "AUX", "NUL",
	"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
	"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9",
}

// DefaultRules is deliberately conservative so a name accepted on one
// platform stays usable on every other.
func DefaultRules() Rules {
	return Rules{
		Separator:        '/',
		IllegalChars:     `<>:"|?*`,
		ReservedNames:    reservedDeviceNames,
		MaxPathLength:    512,
		MaxSegmentLength: 255,
		CaseSensitive:    false,
		Substitute:       '_',
	}
}

func WindowsRules() Rules {
	return Rules{
		Separator:        '\\',
		IllegalChars:     `<>:"|?*`,
		ReservedNames:    reservedDeviceNames,
		MaxPathLength:    260,
		MaxSegmentLength: 255,
		CaseSensitive:    false,
		Substitute:       '_',
	}
}

func PosixRules() Rules {
	return Rules{
		Separator:        '/',
		MaxPathLength:    4096,
		MaxSegmentLength: 255,
		CaseSensitive:    true,
		Substitute:       '_',
	}
}

func (r Rules) withDefaults() Rules {
	if r.Separator == 0 {
		r.Separator = '/'
	}
	if r.Substitute == 0 {
		r.Substitute = '_'
	}
	if r.MaxSegmentLength <= 0 {
		r.MaxSegmentLength = 255
	}
	if r.MaxPathLength <= 0 {
		r.MaxPathLength = 4096
	}
	return r
}

// Normalize trims the path, unifies separators, substitutes illegal
// characters, de-conflicts reserved device names and enforces the length
// caps. The result is a fixpoint: normalizing it again returns it
// unchanged. Traversal segments are kept verbatim so Validate still sees
// them.
func Normalize(path string, rules Rules) (string, []string, error) {
	rules = rules.withDefaults()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil, errors.New("empty path")
	}

	sep := string(rules.Separator)
	unified := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return rules.Separator
		}
		return r
	}, trimmed)
	rooted := strings.HasPrefix(unified, sep)

	var warnings []string
	var segments []string
	for _, seg := range strings.Split(unified, sep) {
		switch seg {
		case "", ".":
			continue
		case "..":
			segments = append(segments, seg)
			continue
		}
		segments = append(segments, sanitizeSegment(seg, rules, &warnings))
	}
	if len(segments) == 0 {
		return "", warnings, errors.New("path has no usable segments")
	}

	segments, err := capPathLength(segments, rooted, rules, &warnings)
	if err != nil {
		return "", warnings, err
	}

	normalized := strings.Join(segments, sep)
	if rooted {
		normalized = sep + normalized
	}
	return normalized, warnings, nil
}

// Validate runs the security screen only, it never rewrites the path.
func Validate(path string, rules Rules) (Risk, []string) {
	rules = rules.withDefaults()
	risk := RiskLow
	var issues []string
	raise := func(to Risk, issue string) {
		issues = append(issues, issue)
		if to > risk {
			risk = to
		}
	}

	if strings.TrimSpace(path) == "" {
		raise(RiskHigh, "empty path")
		return risk, issues
	}
	if strings.Contains(path, "..") {
		raise(RiskHigh, `path traversal sequence ".."`)
	}
	if containsControl(path) {
		raise(RiskHigh, "control characters in path")
	}
	if strings.ContainsRune(path, '~') {
		raise(RiskMedium, `suspicious token "~"`)
	}
	if strings.ContainsRune(path, '%') {
		raise(RiskMedium, `suspicious token "%"`)
	}
	if strings.Contains(path, "//") || strings.Contains(path, `\\`) {
		raise(RiskMedium, "doubled path separator")
	}

	for _, seg := range splitSegments(path) {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		if hasIllegal(seg, rules) {
			raise(RiskMedium, fmt.Sprintf("illegal characters in %q", seg))
		}
		if isReservedName(seg, rules) {
			raise(RiskMedium, fmt.Sprintf("reserved device name %q", seg))
		}
		if len([]rune(seg)) > rules.MaxSegmentLength {
			raise(RiskMedium, fmt.Sprintf("segment exceeds %d characters", rules.MaxSegmentLength))
		}
	}
	if len([]rune(path)) > rules.MaxPathLength {
		raise(RiskMedium, fmt.Sprintf("path exceeds %d characters", rules.MaxPathLength))
	}
	return risk, issues
}

// SafeFileName reduces an arbitrary peer-supplied name to a single safe
// path segment.
func SafeFileName(name string, rules Rules) string {
	rules = rules.withDefaults()
	trimmed := strings.TrimRight(strings.TrimSpace(name), ". ")
	if trimmed == "" {
		return "unnamed"
	}

	sub := string(rules.Substitute)
	flat := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return rules.Substitute
		}
		return r
	}, trimmed)
	flat = strings.ReplaceAll(flat, "..", sub)

	var warnings []string
	return sanitizeSegment(flat, rules, &warnings)
}

// sanitizeSegment is convergent: truncation can re-expose a reserved stem
// (CONFIG cut down to CON), so the reserved check runs again afterwards.
// The prefix makes the stem start with the substitute, which no reserved
// name does.
func sanitizeSegment(seg string, rules Rules, warnings *[]string) string {
	original := seg
	seg = strings.TrimSpace(seg)

	replaced := 0
	var b strings.Builder
	for _, r := range seg {
		if isIllegal(r, rules) {
			b.WriteRune(rules.Substitute)
			replaced++
			continue
		}
		b.WriteRune(r)
	}
	if replaced > 0 {
		*warnings = append(*warnings, fmt.Sprintf("replaced %d illegal character(s) in %q", replaced, original))
	}
	out := b.String()

	if t := strings.TrimRight(out, ". "); t != out {
		*warnings = append(*warnings, fmt.Sprintf("trimmed trailing dots/spaces from %q", original))
		out = t
	}
	if out == "" {
		return string(rules.Substitute)
	}

	if isReservedName(out, rules) {
		*warnings = append(*warnings, fmt.Sprintf("prefixed reserved name %q", out))
		out = string(rules.Substitute) + out
	}
	out = truncateSegment(out, rules, warnings)
	if isReservedName(out, rules) {
		*warnings = append(*warnings, fmt.Sprintf("prefixed reserved name %q", out))
		out = truncateSegment(string(rules.Substitute)+out, rules, warnings)
	}
	return out
}

func truncateSegment(seg string, rules Rules, warnings *[]string) string {
	max := rules.MaxSegmentLength
	runes := []rune(seg)
	if len(runes) <= max {
		return seg
	}
	*warnings = append(*warnings, fmt.Sprintf("truncated segment to %d characters", max))

	extStart := -1
	for i := len(runes) - 1; i > 0; i-- {
		if runes[i] == '.' {
			extStart = i
			break
		}
	}
	var out string
	if extStart > 0 && len(runes)-extStart < max {
		keep := max - (len(runes) - extStart)
		out = string(runes[:keep]) + string(runes[extStart:])
	} else {
		out = string(runes[:max])
	}
	return strings.TrimRight(out, ". ")
}

// capPathLength shaves the final segment's stem one rune at a time,
// keeping its extension while it lasts, then drops exhausted segments.
func capPathLength(segments []string, rooted bool, rules Rules, warnings *[]string) ([]string, error) {
	max := rules.MaxPathLength
	length := func() int {
		n := 0
		for i, s := range segments {
			if i > 0 {
				n++
			}
			n += len([]rune(s))
		}
		if rooted {
			n++
		}
		return n
	}
	if length() <= max {
		return segments, nil
	}
	*warnings = append(*warnings, fmt.Sprintf("path exceeds %d characters, truncated", max))

	shave := func() {
		for length() > max && len(segments) > 0 {
			runes := []rune(segments[len(segments)-1])
			if len(runes) <= 1 {
				segments = segments[:len(segments)-1]
				continue
			}
			extStart := -1
			for i := len(runes) - 1; i > 0; i-- {
				if runes[i] == '.' {
					extStart = i
					break
				}
			}
			if extStart > 1 {
				segments[len(segments)-1] = string(runes[:extStart-1]) + string(runes[extStart:])
			} else {
				segments[len(segments)-1] = string(runes[:len(runes)-1])
			}
		}
	}
	shave()
	if len(segments) == 0 {
		return nil, errors.New("path exceeds maximum length")
	}

	last := strings.TrimRight(segments[len(segments)-1], ". ")
	if last == "" {
		last = string(rules.Substitute)
	}
	if isReservedName(last, rules) {
		last = string(rules.Substitute) + last
	}
	segments[len(segments)-1] = last
	shave()
	if len(segments) == 0 {
		return nil, errors.New("path exceeds maximum length")
	}
	return segments, nil
}

func splitSegments(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}

func isIllegal(r rune, rules Rules) bool {
	return r < 0x20 || r == 0x7f || strings.ContainsRune(rules.IllegalChars, r)
}

func hasIllegal(seg string, rules Rules) bool {
	for _, r := range seg {
		if isIllegal(r, rules) {
			return true
		}
	}
	return false
}

func containsControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func isReservedName(seg string, rules Rules) bool {
	stem := seg
	if i := strings.IndexByte(seg, '.'); i > 0 {
		stem = seg[:i]
	}
	stem = strings.TrimRight(stem, ". ")
	for _, name := range rules.ReservedNames {
		if rules.CaseSensitive {
			if stem == name {
				return true
			}
		} else if strings.EqualFold(stem, name) {
			return true
		}
	}
	return false
}
