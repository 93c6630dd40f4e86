package app

// MatchLikePattern implements glob-style matching.
// * matches any sequence of characters (including empty).
// _ matches exactly one character.
func MatchLikePattern(pattern, value string) bool {
	return matchLike(pattern, 0, value, 0)
}

func matchLike(pattern string, pi int, value string, vi int) bool {
	for pi < len(pattern) {
		switch pattern[pi] {
		case '*':
			for pi < len(pattern) && pattern[pi] == '*' {
				pi++
			}
			if pi == len(pattern) {
				return true
			}
			for vi <= len(value) {
				if matchLike(pattern, pi, value, vi) {
					return true
				}
				vi++
			}
			return false
		case '_':
			if vi >= len(value) {
				return false
			}
			pi++
			vi++
		default:
			if vi >= len(value) || pattern[pi] != value[vi] {
				return false
			}
			pi++
			vi++
		}
	}
	return vi == len(value)
}

// matchesAnyKind reports whether kind matches one of the patterns. A bare
// "*" matches every kind.
func matchesAnyKind(patterns []string, kind EventKind) bool {
	for _, p := range patterns {
		if p == "*" || p == string(kind) || MatchLikePattern(p, string(kind)) {
			return true
		}
	}
	return false
}
