package resolve

import (
	"strings"
	"unicode"

	"github.com/tekscripts/bypassgate/internal/config"
)

// Validator decides whether a provider answer is an error disguised as data.
type Validator interface {
	IsError(candidate string) bool
}

// DefaultErrorKeywords is the built-in keyword list.
//
// Substring matching with short entries like "er" or "not" rejects many
// legitimate answers. Use token mode or a custom list to narrow it.
var DefaultErrorKeywords = []string{
	"erro", "error", "404", "unsupported", "invalid", "failed", "null",
	"afk", "down", "off", "stop", "discord", "not", "none", "fall", "er", "inva",
}

// KeywordValidator flags a candidate when it contains one of its keywords,
// case-insensitively.
type KeywordValidator struct {
	keywords []string
	mode     config.MatchMode
}

// NewKeywordValidator builds a validator. An empty keyword list selects
// DefaultErrorKeywords; an empty mode selects substring matching.
func NewKeywordValidator(keywords []string, mode config.MatchMode) *KeywordValidator {
	if len(keywords) == 0 {
		keywords = DefaultErrorKeywords
	}
	if mode == "" {
		mode = config.MatchModeSubstring
	}

	seen := make(map[string]struct{}, len(keywords))
	v := &KeywordValidator{mode: mode}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		v.keywords = append(v.keywords, k)
	}
	return v
}

// Keywords returns the normalized keyword list.
func (v *KeywordValidator) Keywords() []string {
	return append([]string(nil), v.keywords...)
}

// IsError reports whether candidate is empty or matches a keyword.
func (v *KeywordValidator) IsError(candidate string) bool {
	if candidate == "" {
		return true
	}
	lower := strings.ToLower(candidate)

	if v.mode == config.MatchModeToken {
		tokens := strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, tok := range tokens {
			for _, k := range v.keywords {
				if tok == k {
					return true
				}
			}
		}
		return false
	}

	for _, k := range v.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
