package webhook

import "strings"

// AllowList restricts which repositories and branches are deployed. Empty
// lists accept everything.
type AllowList struct {
	URIs     []string
	Branches []string
}

// ParseList splits a comma separated list, trimming blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Accept reports whether the uri and branch pass both lists.
func (a AllowList) Accept(uri, branch string) bool {
	return matches(a.URIs, uri) && matches(a.Branches, branch)
}

func matches(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	value = strings.TrimSpace(value)
	for _, v := range list {
		if strings.TrimSpace(v) == value {
			return true
		}
	}
	return false
}
