// Package filter implements the rule engine deciding whether a message
// deserves a visible card.
package filter

import (
	"regexp"
	"strings"

	"github.com/patchlore/patchlore/internal/models"
)

// Evaluate checks a message against the enabled rule set and reports whether
// a card may be created, plus the names of every matching rule.
//
// Exclusive rules form a priority tier: when at least one enabled exclusive
// rule exists, the message must match one of them. Non-exclusive matches
// alone still allow creation when no exclusive rule matched, and with no
// rules at all (or only non-exclusive misses) the engine defaults to allow.
func Evaluate(msg *models.FeedMessage, rules []*models.FilterRule) (bool, []string) {
	if len(rules) == 0 {
		return true, nil
	}

	var matched []string
	hasExclusiveMatch := false
	hasExclusiveRules := false

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.Exclusive {
			hasExclusiveRules = true
		}
		if matchesRule(msg, rule) {
			matched = append(matched, rule.Name)
			if rule.Exclusive {
				hasExclusiveMatch = true
			}
		}
	}

	if hasExclusiveMatch {
		return true, matched
	}
	if len(matched) > 0 {
		return true, matched
	}
	if hasExclusiveRules {
		return false, nil
	}
	return true, nil
}

// matchesRule evaluates a rule's conditions as a conjunction across the
// present keys. An empty condition set matches nothing rather than
// everything.
func matchesRule(msg *models.FeedMessage, rule *models.FilterRule) bool {
	c := rule.Conditions
	if c.Empty() {
		return false
	}

	if c.Author != "" && !matchValue(msg.Author, c.Author) {
		return false
	}
	if c.AuthorEmail != "" && !matchValue(msg.AuthorEmail, c.AuthorEmail) {
		return false
	}
	if len(c.SubjectKeywords) > 0 {
		anyKeyword := false
		for _, keyword := range c.SubjectKeywords {
			if matchValue(msg.Subject, keyword) {
				anyKeyword = true
				break
			}
		}
		if !anyKeyword {
			return false
		}
	}
	if c.SubjectRegex != "" && !matchRegex(msg.Subject, c.SubjectRegex) {
		return false
	}
	return true
}

// matchValue treats a `/…/`-delimited condition as a case-insensitive regex
// and anything else as a case-insensitive substring.
func matchValue(value, cond string) bool {
	if len(cond) >= 2 && strings.HasPrefix(cond, "/") && strings.HasSuffix(cond, "/") {
		return matchRegex(value, cond)
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(cond))
}

// matchRegex matches case-insensitively. A pattern that does not compile
// matches nothing; the rule simply never fires, it never blocks processing.
func matchRegex(value, pattern string) bool {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		pattern = pattern[1 : len(pattern)-1]
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
