package rules

import (
	"regexp"
	"strings"
)

// GlobToRegex compiles a shell-style pattern into an anchored regexp.
// `*` is the only wildcard and matches any run of characters, including
// `/` and newlines. All other regex meta-characters are escaped. There is
// no brace or character-class support.
func GlobToRegex(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s)^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
