package static

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"
)

// IgnoreFile lists gitignore-style patterns of files under the root that are
// never served
const IgnoreFile = ".staticignore"

type ignoreRule struct {
	regex   *regexp.Regexp
	negated bool
	dirOnly bool
}

// ignoreRules is an ordered pattern list; the last matching rule wins
type ignoreRules struct {
	rules []ignoreRule
}

func loadIgnoreRules(path string) (*ignoreRules, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ignoreRules{}, nil
		}
		return nil, err
	}
	defer file.Close()
	return parseIgnoreRules(file)
}

func parseIgnoreRules(r io.Reader) (*ignoreRules, error) {
	rules := &ignoreRules{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var rule ignoreRule
		if strings.HasPrefix(line, "!") {
			rule.negated = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if line == "" {
			continue
		}
		re, err := regexp.Compile(patternToRegex(line))
		if err != nil {
			return nil, err
		}
		rule.regex = re
		rules.rules = append(rules.rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func patternToRegex(pattern string) string {
	pattern = regexp.QuoteMeta(pattern)
	pattern = strings.ReplaceAll(pattern, `\*\*`, ".*")
	pattern = strings.ReplaceAll(pattern, `\*`, "[^/]*")
	pattern = strings.ReplaceAll(pattern, `\?`, "[^/]")

	// Unanchored patterns match at any depth
	if strings.HasPrefix(pattern, "/") {
		pattern = "^" + strings.TrimPrefix(pattern, "/")
	} else {
		pattern = "(^|/)" + pattern
	}
	return pattern + "($|/)"
}

// hidden reports whether rel (slash separated, relative to the root) is
// excluded. Directory-only rules apply to every file below the directory.
func (r *ignoreRules) hidden(rel string) bool {
	if r == nil {
		return false
	}
	rel = strings.TrimPrefix(rel, "/")

	ignored := false
	for _, rule := range r.rules {
		loc := rule.regex.FindStringIndex(rel)
		if loc == nil {
			continue
		}
		// a directory rule must match a path component followed by more path
		if rule.dirOnly && loc[1] == len(rel) && !strings.HasSuffix(rel[:loc[1]], "/") {
			continue
		}
		ignored = !rule.negated
	}
	return ignored
}
