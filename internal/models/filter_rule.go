package models

import (
	"fmt"
	"strings"
	"time"
)

// FilterConditions are the predicate inputs of a rule. All present keys must
// match (conjunction). A `/…/`-delimited value is a case-insensitive regex,
// anything else a case-insensitive substring. SubjectKeywords matches if any
// keyword is contained in the subject.
type FilterConditions struct {
	Author          string   `json:"author,omitempty"`
	AuthorEmail     string   `json:"author_email,omitempty"`
	SubjectKeywords []string `json:"subject_keywords,omitempty"`
	SubjectRegex    string   `json:"subject_regex,omitempty"`
}

// Empty reports whether no condition key is set.
func (c FilterConditions) Empty() bool {
	return c.Author == "" && c.AuthorEmail == "" && len(c.SubjectKeywords) == 0 && c.SubjectRegex == ""
}

// FilterRule is a named, toggleable predicate over message attributes.
// Exclusive rules form a priority tier: when any enabled exclusive rule
// exists, a message must match at least one of them to be eligible for card
// creation.
type FilterRule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Enabled     bool             `json:"enabled"`
	Exclusive   bool             `json:"exclusive"`
	Conditions  FilterConditions `json:"conditions"`
	Description string           `json:"description,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate checks the fields required to persist a rule.
func (r *FilterRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("filter rule name is required")
	}
	return nil
}
