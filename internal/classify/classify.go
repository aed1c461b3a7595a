// Package classify parses mailing-list subject lines into a structured
// classification. Classification is pure and fails soft: a subject that does
// not parse is a plain non-patch message, never an error.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/patchlore/patchlore/internal/models"
)

// Classification is the parsed shape of one message subject.
type Classification struct {
	// IsPatch is true when the subject carries a patch tag such as
	// [PATCH], [PATCH v2 3/5] or [RFC PATCH].
	IsPatch bool

	// IsReply is true for re:/fwd: prefixed subjects.
	IsReply bool

	// IsRFC is true for request-for-comments patches.
	IsRFC bool

	// IsSeriesPatch is true when the patch belongs to a multi-patch series
	// (total > 1).
	IsSeriesPatch bool

	// IsCoverLetter is true for the index-0 message introducing a series.
	IsCoverLetter bool

	// Version is the series version (v2 -> 2). Defaults to 1 for a patch
	// with no explicit version marker; zero for non-patches.
	Version int

	// Index and Total are the i/n position within a series; nil for a
	// single patch without series numbering.
	Index *int
	Total *int
}

var (
	replyPrefixRe = regexp.MustCompile(`(?i)^\s*((re|aw|fwd?)(\[\d+\])?:\s*)+`)
	bracketTagRe  = regexp.MustCompile(`^\s*\[([^\]]*)\]`)
	patchWordRe   = regexp.MustCompile(`(?i)\bPATCH\b`)
	rfcWordRe     = regexp.MustCompile(`(?i)\bRFC\b`)
	versionRe     = regexp.MustCompile(`(?i)\bv(\d+)\b`)
	indexTotalRe  = regexp.MustCompile(`\b(\d+)\s*/\s*(\d+)\b`)
)

// Classify parses a subject line. It never panics and never returns an
// error; anything it cannot make sense of is treated as a plain message.
func Classify(subject string) Classification {
	var c Classification

	rest := subject
	if loc := replyPrefixRe.FindStringIndex(rest); loc != nil {
		c.IsReply = true
		rest = rest[loc[1]:]
	}

	tag, ok := findPatchTag(rest)
	if !ok {
		return c
	}

	c.IsPatch = true
	c.IsRFC = rfcWordRe.MatchString(tag)
	c.Version = 1
	if m := versionRe.FindStringSubmatch(tag); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			c.Version = v
		}
	}

	if m := indexTotalRe.FindStringSubmatch(tag); m != nil {
		index, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil && total > 0 && index <= total {
			c.Index = &index
			c.Total = &total
			c.IsSeriesPatch = total > 1
			c.IsCoverLetter = index == 0
		}
	}

	return c
}

// findPatchTag scans the leading bracket groups of a subject for the one
// carrying a PATCH (or RFC PATCH) marker. Subjects may stack tags, e.g.
// "[net-next] [PATCH v3 2/7] ...".
func findPatchTag(subject string) (string, bool) {
	rest := subject
	for i := 0; i < 4; i++ {
		m := bracketTagRe.FindStringSubmatch(rest)
		if m == nil {
			return "", false
		}
		tag := m[1]
		if patchWordRe.MatchString(tag) || rfcWordRe.MatchString(tag) {
			return tag, true
		}
		rest = rest[len(m[0]):]
	}
	return "", false
}

// ApplyTo copies the classification fields onto a feed message.
func (c Classification) ApplyTo(msg *models.FeedMessage) {
	msg.IsPatch = c.IsPatch
	msg.IsReply = c.IsReply
	msg.IsSeriesPatch = c.IsSeriesPatch
	msg.IsCoverLetter = c.IsCoverLetter
	if c.IsPatch {
		msg.PatchVersion = c.Version
	}
	msg.PatchIndex = c.Index
	msg.PatchTotal = c.Total
}

// StripTags removes the leading reply prefixes and bracket tags from a
// subject, leaving the bare title for display.
func StripTags(subject string) string {
	rest := subject
	if loc := replyPrefixRe.FindStringIndex(rest); loc != nil {
		rest = rest[loc[1]:]
	}
	for {
		m := bracketTagRe.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		rest = rest[len(m[0]):]
	}
	return strings.TrimSpace(rest)
}
