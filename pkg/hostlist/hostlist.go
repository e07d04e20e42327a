package hostlist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Expand parses a host pattern like "n[0-3],n7,gpu[01-02]" into the full
// list of host names. Zero-padded range bounds preserve their width.
func Expand(pattern string) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	var out []string
	for _, part := range splitTop(pattern) {
		hosts, err := expandOne(part)
		if err != nil {
			return nil, err
		}
		out = append(out, hosts...)
	}
	return out, nil
}

// splitTop splits on commas not inside brackets.
func splitTop(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func expandOne(part string) ([]string, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return nil, nil
	}
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if strings.IndexByte(part, ']') >= 0 {
			return nil, fmt.Errorf("unbalanced bracket in %q", part)
		}
		return []string{part}, nil
	}
	close := strings.IndexByte(part, ']')
	if close < open {
		return nil, fmt.Errorf("unbalanced bracket in %q", part)
	}
	prefix := part[:open]
	suffix := part[close+1:]
	var out []string
	for _, r := range strings.Split(part[open+1:close], ",") {
		lo, hi, width, err := parseRange(r)
		if err != nil {
			return nil, fmt.Errorf("range %q in %q: %w", r, part, err)
		}
		for v := lo; v <= hi; v++ {
			out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, v, suffix))
		}
	}
	return out, nil
}

func parseRange(r string) (lo, hi, width int, err error) {
	r = strings.TrimSpace(r)
	dash := strings.IndexByte(r, '-')
	if dash < 0 {
		v, err := strconv.Atoi(r)
		if err != nil {
			return 0, 0, 0, err
		}
		return v, v, len(r), nil
	}
	los, his := r[:dash], r[dash+1:]
	lo, err = strconv.Atoi(los)
	if err != nil {
		return
	}
	hi, err = strconv.Atoi(his)
	if err != nil {
		return
	}
	if hi < lo {
		return 0, 0, 0, fmt.Errorf("descending range")
	}
	width = 0
	if len(los) > 1 && los[0] == '0' {
		width = len(los)
	}
	return
}

// Compress renders a host list back into bracketed-range form. Input order
// is not preserved; hosts sort by prefix then number.
func Compress(hosts []string) string {
	type numbered struct {
		num   int
		width int
	}
	byPrefix := make(map[string][]numbered)
	var plain []string
	var prefixes []string

	for _, h := range hosts {
		prefix, digits := splitNumericSuffix(h)
		if digits == "" {
			plain = append(plain, h)
			continue
		}
		n, _ := strconv.Atoi(digits)
		w := 0
		if len(digits) > 1 && digits[0] == '0' {
			w = len(digits)
		}
		if _, ok := byPrefix[prefix]; !ok {
			prefixes = append(prefixes, prefix)
		}
		byPrefix[prefix] = append(byPrefix[prefix], numbered{num: n, width: w})
	}

	sort.Strings(prefixes)
	sort.Strings(plain)

	var parts []string
	for _, prefix := range prefixes {
		ns := byPrefix[prefix]
		sort.Slice(ns, func(i, j int) bool { return ns[i].num < ns[j].num })
		i := 0
		for i < len(ns) {
			j := i
			for j+1 < len(ns) && ns[j+1].num == ns[j].num+1 && ns[j+1].width == ns[i].width {
				j++
			}
			w := ns[i].width
			if i == j {
				parts = append(parts, fmt.Sprintf("%s%0*d", prefix, w, ns[i].num))
			} else {
				parts = append(parts, fmt.Sprintf("%s[%0*d-%0*d]", prefix, w, ns[i].num, w, ns[j].num))
			}
			i = j + 1
		}
	}
	parts = append(parts, plain...)
	return strings.Join(parts, ",")
}

func splitNumericSuffix(h string) (prefix, digits string) {
	i := len(h)
	for i > 0 && h[i-1] >= '0' && h[i-1] <= '9' {
		i--
	}
	return h[:i], h[i:]
}
