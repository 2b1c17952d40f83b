package device

import (
	"fmt"
	"strings"

	lev "github.com/agnivade/levenshtein"
)

// maxNameEditDistance bounds fuzzy selector matching. A value of 2 allows
// single-character typos plus a case/punctuation slip without letting
// "P1S-Garage" resolve to an unrelated printer.
const maxNameEditDistance = 2

// Resolve maps configured device selectors to entries of the bound device
// list. A selector matches, in order of preference: exact device ID, exact
// name, normalized name (case and separator insensitive), then Levenshtein
// distance on normalized names up to maxNameEditDistance. Each selector must
// resolve to exactly one device; no match and ambiguous matches are both
// configuration errors so a typo fails at startup rather than silently
// monitoring the wrong printer.
func Resolve(selectors []string, bound []Device) ([]Device, error) {
	resolved := make([]Device, 0, len(selectors))
	seen := make(map[string]string, len(selectors)) // device ID -> selector that claimed it
	for _, sel := range selectors {
		dev, err := resolveOne(sel, bound)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[dev.ID]; dup {
			return nil, fmt.Errorf("device: selectors %q and %q both resolve to %s", prev, sel, dev.ID)
		}
		seen[dev.ID] = sel
		resolved = append(resolved, dev)
	}
	return resolved, nil
}

func resolveOne(selector string, bound []Device) (Device, error) {
	sel := strings.TrimSpace(selector)
	if sel == "" {
		return Device{}, fmt.Errorf("device: empty selector")
	}
	for _, d := range bound {
		if d.ID == sel {
			return d, nil
		}
	}
	for _, d := range bound {
		if d.Name == sel {
			return d, nil
		}
	}

	norm := normalizeName(sel)
	var matches []Device
	for _, d := range bound {
		if normalizeName(d.Name) == norm {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		for _, d := range bound {
			if lev.ComputeDistance(norm, normalizeName(d.Name)) <= maxNameEditDistance {
				matches = append(matches, d)
			}
		}
	}

	switch len(matches) {
	case 0:
		return Device{}, fmt.Errorf("device: selector %q matches no bound device", selector)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, d := range matches {
			names[i] = d.Name
		}
		return Device{}, fmt.Errorf("device: selector %q is ambiguous (matches %s)", selector, strings.Join(names, ", "))
	}
}

// normalizeName lowercases and strips separators so "P1S-Garage",
// "p1s garage" and "P1S_Garage" compare equal.
func normalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch r {
		case ' ', '-', '_', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
