package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchlore/patchlore/internal/models"
)

func message(author, email, subject string) *models.FeedMessage {
	return &models.FeedMessage{
		SubsystemName:   "netdev",
		MessageIDHeader: "<msg@example.com>",
		Author:          author,
		AuthorEmail:     email,
		Subject:         subject,
	}
}

func TestEvaluate_NoRulesDefaultsToAllow(t *testing.T) {
	allow, matched := Evaluate(message("alice", "a@x.org", "[PATCH] net: fix"), nil)
	require.True(t, allow)
	require.Empty(t, matched)
}

func TestEvaluate_ExclusiveTier(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:       "from-x",
			Enabled:    true,
			Exclusive:  true,
			Conditions: models.FilterConditions{Author: "X"},
		},
		{
			Name:       "keyword-y",
			Enabled:    true,
			Conditions: models.FilterConditions{SubjectKeywords: []string{"Y"}},
		},
	}

	// Exclusive match with an unrelated subject: allowed, exclusive rule named.
	allow, matched := Evaluate(message("X Author", "x@x.org", "[PATCH] unrelated"), rules)
	require.True(t, allow)
	require.Equal(t, []string{"from-x"}, matched)

	// No exclusive match but a non-exclusive one: allowed.
	allow, matched = Evaluate(message("Someone", "s@x.org", "[PATCH] about Y things"), rules)
	require.True(t, allow)
	require.Equal(t, []string{"keyword-y"}, matched)

	// Neither matches: rejected because an exclusive rule exists.
	allow, matched = Evaluate(message("Someone", "s@x.org", "[PATCH] unrelated"), rules)
	require.False(t, allow)
	require.Empty(t, matched)
}

func TestEvaluate_NonExclusiveMissStillAllows(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:       "keyword",
			Enabled:    true,
			Conditions: models.FilterConditions{SubjectKeywords: []string{"bpf"}},
		},
	}

	allow, matched := Evaluate(message("a", "a@x.org", "[PATCH] mm: nothing here"), rules)
	require.True(t, allow)
	require.Empty(t, matched)
}

func TestEvaluate_DisabledRulesAreIgnored(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:       "gate",
			Enabled:    false,
			Exclusive:  true,
			Conditions: models.FilterConditions{Author: "nobody"},
		},
	}

	// The only exclusive rule is disabled, so it cannot gate anything.
	allow, matched := Evaluate(message("a", "a@x.org", "[PATCH] anything"), rules)
	require.True(t, allow)
	require.Empty(t, matched)
}

func TestEvaluate_ConditionConjunction(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:    "both",
			Enabled: true,
			Conditions: models.FilterConditions{
				Author:          "alice",
				SubjectKeywords: []string{"net"},
			},
		},
	}

	allow, matched := Evaluate(message("Alice Dev", "a@x.org", "[PATCH] net: fix"), rules)
	require.True(t, allow)
	require.Equal(t, []string{"both"}, matched)

	// Author matches, keyword does not: the rule does not fire.
	_, matched = Evaluate(message("Alice Dev", "a@x.org", "[PATCH] mm: fix"), rules)
	require.Empty(t, matched)
}

func TestEvaluate_RegexConditions(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:       "rfc",
			Enabled:    true,
			Conditions: models.FilterConditions{SubjectRegex: `/^\[RFC/`},
		},
		{
			Name:       "domain",
			Enabled:    true,
			Conditions: models.FilterConditions{AuthorEmail: `/@kernel\.org$/`},
		},
	}

	_, matched := Evaluate(message("a", "a@kernel.org", "[RFC PATCH] new idea"), rules)
	require.ElementsMatch(t, []string{"rfc", "domain"}, matched)

	_, matched = Evaluate(message("a", "a@gmail.com", "[PATCH] plain"), rules)
	require.Empty(t, matched)
}

func TestEvaluate_CaseInsensitiveSubstring(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:       "author",
			Enabled:    true,
			Conditions: models.FilterConditions{Author: "TORVALDS"},
		},
	}

	_, matched := Evaluate(message("Linus Torvalds", "l@x.org", "subject"), rules)
	require.Equal(t, []string{"author"}, matched)
}

func TestEvaluate_InvalidRegexNeverFires(t *testing.T) {
	rules := []*models.FilterRule{
		{
			Name:       "broken",
			Enabled:    true,
			Conditions: models.FilterConditions{SubjectRegex: `/([/`},
		},
	}

	// The broken rule cannot match, and with no exclusive tier the engine
	// stays default-allow.
	allow, matched := Evaluate(message("a", "a@x.org", "[PATCH] anything"), rules)
	require.True(t, allow)
	require.Empty(t, matched)
}

func TestEvaluate_EmptyConditionsMatchNothing(t *testing.T) {
	rules := []*models.FilterRule{
		{Name: "empty", Enabled: true, Exclusive: true},
	}

	allow, matched := Evaluate(message("a", "a@x.org", "[PATCH] anything"), rules)
	require.False(t, allow)
	require.Empty(t, matched)
}
