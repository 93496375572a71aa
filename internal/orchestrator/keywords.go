package orchestrator

import (
	"strings"
	"unicode"

	"courier/internal/config"
)

// Keywords is the vocabulary the keyword classifier matches against.
// Phrases match on whole words, case-insensitively.
type Keywords struct {
	// Approve accepts a pending proposal as is.
	Approve []string
	// Reject drops a pending proposal.
	Reject []string
	// Narrow qualifiers turn a reply into a refinement on their own.
	Narrow []string
	// Qualify only refines when combined with an approval or an action verb.
	Qualify []string
	// Research marks exploratory, read-only requests.
	Research []string
	// Mutation marks requests that change the workspace.
	Mutation []string
	// Advisory phrasing lets research win over mutation vocabulary.
	Advisory []string
	// Background markers route a request to the background registry.
	Background []string
	// Negation before an approval phrase cancels it; the reply is a rejection
	// only when a Reject phrase is also present.
	Negation []string
}

// DefaultKeywords is the built-in vocabulary.
var DefaultKeywords = Keywords{
	Approve: []string{
		"yes", "yep", "yeah", "sure", "ok", "okay", "approve", "approved",
		"go ahead", "do it", "sounds good", "looks good", "lgtm", "ship it",
		"proceed", "go for it", "let's do it", "perfect", "implement it",
	},
	Reject: []string{
		"no", "nope", "don't", "do not", "cancel", "nevermind", "never mind",
		"too much", "reject", "forget it", "not now", "scrap that",
	},
	Narrow: []string{
		"skip", "except", "without", "leave out", "exclude", "but not", "drop the",
	},
	Qualify: []string{
		"just", "only", "instead", "but",
	},
	Research: []string{
		"propose", "proposal", "refactor", "improve", "optimize", "optimise",
		"review", "analyze", "analyse", "audit", "suggest", "evaluate",
		"investigate", "explore", "assess", "compare", "recommend", "research",
	},
	Mutation: []string{
		"fix", "add", "implement", "edit", "change", "remove", "delete",
		"update", "create", "write", "rename", "replace", "apply", "patch",
		"bump", "modify", "move",
	},
	Advisory: []string{
		"suggest", "propose", "recommend", "should", "could", "would",
		"ideas", "what would", "how should", "any thoughts", "options",
	},
	Background: []string{
		"/bg", "[background]", "in the background",
	},
	Negation: []string{
		"don't", "do not", "not", "never",
	},
}

// Merge returns the default vocabulary extended with configured phrases.
func Merge(base Keywords, extra config.ClassifierConfig) Keywords {
	out := base
	out.Approve = append(append([]string(nil), base.Approve...), extra.Approve...)
	out.Reject = append(append([]string(nil), base.Reject...), extra.Reject...)
	out.Narrow = append(append([]string(nil), base.Narrow...), extra.Refine...)
	out.Research = append(append([]string(nil), base.Research...), extra.Research...)
	out.Mutation = append(append([]string(nil), base.Mutation...), extra.Mutation...)
	return out
}

// words lowercases text and splits it on anything that is not a letter,
// digit, apostrophe or the marker characters.
func words(text string) []string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '/' || r == '[' || r == ']')
	})
}

// findPhrase returns the word index where phrase starts, or -1.
func findPhrase(ws []string, phrase string) int {
	p := words(phrase)
	if len(p) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(p) <= len(ws); i++ {
		for j := range p {
			if ws[i+j] != p[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

// firstMatch returns the first phrase of list present in ws.
func firstMatch(ws []string, list []string) (string, int) {
	for _, phrase := range list {
		if idx := findPhrase(ws, phrase); idx >= 0 {
			return phrase, idx
		}
	}
	return "", -1
}
