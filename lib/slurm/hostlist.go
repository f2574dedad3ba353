// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExpandHostlist expands a Slurm hostlist expression like
// "hpc-[001-003,005],login-1" into individual node names. Numeric
// zero padding is preserved.
func ExpandHostlist(expr string) ([]string, error) {
	var names []string
	for _, part := range splitHostlist(expr) {
		if part == "" {
			continue
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			if strings.ContainsAny(part, "[]") {
				return nil, fmt.Errorf("malformed hostlist %q", part)
			}
			names = append(names, part)
			continue
		}
		closing := strings.IndexByte(part, ']')
		if closing < open {
			return nil, fmt.Errorf("malformed hostlist %q", part)
		}
		prefix, body, suffix := part[:open], part[open+1:closing], part[closing+1:]
		for _, rng := range strings.Split(body, ",") {
			lo, hi := rng, rng
			if i := strings.IndexByte(rng, '-'); i >= 0 {
				lo, hi = rng[:i], rng[i+1:]
			}
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("malformed hostlist range %q", rng)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil || hiN < loN {
				return nil, fmt.Errorf("malformed hostlist range %q", rng)
			}
			for n := loN; n <= hiN; n++ {
				names = append(names, fmt.Sprintf("%s%0*d%s", prefix, len(lo), n, suffix))
			}
		}
	}
	return names, nil
}

// CollapseHostlist is the inverse of ExpandHostlist: it folds node
// names into range expressions, e.g., ["hpc-001", "hpc-002",
// "hpc-005"] becomes "hpc-[001-002,005]".
func CollapseHostlist(names []string) string {
	type group struct {
		prefix string
		width  int
	}
	numbers := map[group][]int{}
	var plain []string
	for _, name := range names {
		i := len(name)
		for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
			i--
		}
		if i == len(name) {
			plain = append(plain, name)
			continue
		}
		g := group{prefix: name[:i], width: len(name) - i}
		n, _ := strconv.Atoi(name[i:])
		numbers[g] = append(numbers[g], n)
	}

	var parts []string
	groups := make([]group, 0, len(numbers))
	for g := range numbers {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].prefix != groups[j].prefix {
			return groups[i].prefix < groups[j].prefix
		}
		return groups[i].width < groups[j].width
	})
	for _, g := range groups {
		ns := numbers[g]
		sort.Ints(ns)
		var ranges []string
		for i := 0; i < len(ns); {
			j := i
			for j+1 < len(ns) && ns[j+1] == ns[j]+1 {
				j++
			}
			if i == j {
				ranges = append(ranges, fmt.Sprintf("%0*d", g.width, ns[i]))
			} else {
				ranges = append(ranges, fmt.Sprintf("%0*d-%0*d", g.width, ns[i], g.width, ns[j]))
			}
			i = j + 1
		}
		if len(ranges) == 1 && !strings.Contains(ranges[0], "-") {
			parts = append(parts, g.prefix+ranges[0])
		} else {
			parts = append(parts, g.prefix+"["+strings.Join(ranges, ",")+"]")
		}
	}
	sort.Strings(plain)
	parts = append(parts, plain...)
	return strings.Join(parts, ",")
}

// splitHostlist splits on commas outside brackets.
func splitHostlist(expr string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(expr[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}
