package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Outcome is the route a classifier picked for a message.
type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomeApprove    Outcome = "approve"
	OutcomeReject     Outcome = "reject"
	OutcomeRefine     Outcome = "refine"
	OutcomeDirect     Outcome = "direct"
	OutcomeCode       Outcome = "code"
	OutcomeResearch   Outcome = "research"
	OutcomeBackground Outcome = "background"
)

// Decision is a classification with the evidence behind it.
type Decision struct {
	Outcome        Outcome
	Confidence     float64
	Reason         string
	MatchedKeyword string
}

// ProposalClassifier decides how a reply relates to a pending proposal.
type ProposalClassifier interface {
	ClassifyReply(text string) Decision
}

// IntentClassifier routes a message when no proposal claims it.
type IntentClassifier interface {
	ClassifyIntent(text string) Decision
}

// KeywordClassifier implements both classifiers with keyword heuristics.
type KeywordClassifier struct {
	keywords        Keywords
	backgroundChars int
	markers         []*regexp.Regexp
}

// NewKeywordClassifier builds a classifier. backgroundChars <= 0 disables
// the length trigger for background work.
func NewKeywordClassifier(kw Keywords, backgroundChars int) *KeywordClassifier {
	c := &KeywordClassifier{keywords: kw, backgroundChars: backgroundChars}
	for _, marker := range kw.Background {
		if marker == "" {
			continue
		}
		c.markers = append(c.markers, regexp.MustCompile("(?i)"+regexp.QuoteMeta(marker)))
	}
	return c
}

// ClassifyReply returns approve, reject, refine or none.
func (c *KeywordClassifier) ClassifyReply(text string) Decision {
	ws := words(text)
	if len(ws) == 0 {
		return Decision{Outcome: OutcomeNone, Confidence: 1, Reason: "empty reply"}
	}

	approve, approveAt := firstMatch(ws, c.keywords.Approve)
	reject, rejectAt := firstMatch(ws, c.keywords.Reject)
	if approveAt >= 0 && c.negated(ws, approveAt) {
		// Only an explicit rejection phrase makes a negated approval a reject.
		approve, approveAt = "", -1
		if rejectAt >= 0 {
			return Decision{
				Outcome:        OutcomeReject,
				Confidence:     0.8,
				Reason:         "negated approval",
				MatchedKeyword: reject,
			}
		}
	}

	if narrow, at := firstMatch(ws, c.keywords.Narrow); at >= 0 {
		return Decision{
			Outcome:        OutcomeRefine,
			Confidence:     0.85,
			Reason:         "scope qualifier",
			MatchedKeyword: narrow,
		}
	}
	if qualifier, at := firstMatch(ws, c.keywords.Qualify); at >= 0 {
		_, mutationAt := firstMatch(ws, c.keywords.Mutation)
		if approveAt >= 0 || mutationAt >= 0 {
			return Decision{
				Outcome:        OutcomeRefine,
				Confidence:     0.7,
				Reason:         "qualified approval",
				MatchedKeyword: qualifier,
			}
		}
	}

	switch {
	case approveAt >= 0:
		conf := 0.9
		reason := "approval phrase"
		if rejectAt >= 0 {
			conf = 0.6
			reason = "approval outweighs rejection"
		}
		return Decision{Outcome: OutcomeApprove, Confidence: conf, Reason: reason, MatchedKeyword: approve}
	case rejectAt >= 0:
		return Decision{Outcome: OutcomeReject, Confidence: 0.9, Reason: "rejection phrase", MatchedKeyword: reject}
	}
	return Decision{Outcome: OutcomeNone, Confidence: 0.5, Reason: "unrelated to proposal"}
}

// negated reports whether the approval phrase at idx directly follows a negation.
func (c *KeywordClassifier) negated(ws []string, idx int) bool {
	for _, neg := range c.keywords.Negation {
		n := words(neg)
		start := idx - len(n)
		if start < 0 {
			continue
		}
		if findPhrase(ws[start:idx], neg) == 0 {
			return true
		}
	}
	return false
}

// ClassifyIntent returns background, research, code or direct.
func (c *KeywordClassifier) ClassifyIntent(text string) Decision {
	ws := words(text)
	if marker, at := firstMatch(ws, c.keywords.Background); at >= 0 {
		return Decision{Outcome: OutcomeBackground, Confidence: 0.95, Reason: "background marker", MatchedKeyword: marker}
	}
	if c.backgroundChars > 0 {
		if n := utf8.RuneCountInString(text); n > c.backgroundChars {
			return Decision{
				Outcome:    OutcomeBackground,
				Confidence: 0.7,
				Reason:     fmt.Sprintf("long request (%d chars)", n),
			}
		}
	}

	research, researchAt := firstMatch(ws, c.keywords.Research)
	mutation, mutationAt := firstMatch(ws, c.keywords.Mutation)
	switch {
	case researchAt >= 0 && mutationAt >= 0:
		advisory, advisoryAt := firstMatch(ws, c.keywords.Advisory)
		imperative := mutationAt == 0
		if advisoryAt >= 0 && !imperative {
			return Decision{Outcome: OutcomeResearch, Confidence: 0.7, Reason: "advisory phrasing", MatchedKeyword: advisory}
		}
		return Decision{Outcome: OutcomeCode, Confidence: 0.65, Reason: "mutation outweighs research", MatchedKeyword: mutation}
	case researchAt >= 0:
		return Decision{Outcome: OutcomeResearch, Confidence: 0.85, Reason: "research vocabulary", MatchedKeyword: research}
	case mutationAt >= 0:
		return Decision{Outcome: OutcomeCode, Confidence: 0.85, Reason: "mutation vocabulary", MatchedKeyword: mutation}
	}
	return Decision{Outcome: OutcomeDirect, Confidence: 0.6, Reason: "no task vocabulary"}
}

// StripMarker removes background markers from a request.
func (c *KeywordClassifier) StripMarker(text string) string {
	out := text
	for _, re := range c.markers {
		out = re.ReplaceAllLiteralString(out, "")
	}
	out = strings.Join(strings.Fields(out), " ")
	if out == "" {
		return strings.TrimSpace(text)
	}
	return out
}
