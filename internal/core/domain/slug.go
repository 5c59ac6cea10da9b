package domain

// =============================================================================
// Identifier Sanitizing
// =============================================================================

// SanitizeID keeps ASCII letters, digits and hyphens and drops every other
// character. The result is used both as the registry key and as the name of
// the checkout folder, so it must never contain path separators.
//
// Example:
//
//	SanitizeID("https://github.com/acme/web" + "main")  // "httpsgithubcomacmewebmain"
//	SanitizeID("git@host:team/api.git" + "feature/x-1") // "githostteamapigitfeaturex-1"
func SanitizeID(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' {
			out = append(out, c)
		}
	}
	return string(out)
}
