package bus

import (
	"errors"
	"strings"
)

var ErrInvalidPattern = errors.New("bus: invalid routing pattern")

// ValidatePattern accepts dot-separated words where a whole word may be
// "*" (exactly one word) or "#" (zero or more words).
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	for _, w := range strings.Split(pattern, ".") {
		if w == "" {
			return ErrInvalidPattern
		}
		if w != "*" && w != "#" && strings.ContainsAny(w, "*#") {
			return ErrInvalidPattern
		}
	}
	return nil
}

// MatchRoutingKey applies topic-exchange matching of key against pattern.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// MatchAny reports whether key matches at least one pattern.
func MatchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if MatchRoutingKey(p, key) {
			return true
		}
	}
	return false
}
