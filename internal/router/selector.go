// Package router: agent selection.
//
// AI callers rarely know agent ids; they say "alices macbook". The selector
// scores every online agent against the requested name and either picks one,
// asks for confirmation, or returns the candidate list. Names shown to
// callers always come from display name or hostname, never raw ids.
package router

import (
	"strings"

	"github.com/screenlink/screenlink/broker/internal/registry"
)

// Selection thresholds.
const (
	// autoSelectScore is the minimum similarity for unattended selection.
	autoSelectScore = 0.8

	// suggestScore is the minimum similarity to offer a confirmation
	// suggestion instead of a bare candidate list.
	suggestScore = 0.5
)

// Selection is the outcome of agent resolution.
//
// Exactly one of the fields is meaningful:
//   - Agent: resolved, proceed.
//   - Suggestion: a close-but-not-certain match; ask the caller to confirm.
//   - Candidates: no usable match; present the list.
type Selection struct {
	Agent      *registry.ConnectedAgent
	Suggestion string
	Candidates []string
}

// SelectAgent resolves the agent a tool call targets.
//
// With no requested name, a sole online agent is auto-selected; more than one
// returns the candidate list. With a requested name, every agent is scored by
// similarity to its display name or hostname: a unique top score ≥ 0.8
// auto-selects, a best score in [0.5, 0.8) yields a confirmation suggestion,
// anything else the candidate list. A tie at the top is ambiguous and returns
// the list — the selector never guesses between equals.
func (r *Router) SelectAgent(userID, requested string) (*Selection, error) {
	online := r.registry.OnlineAgentsForUser(userID)
	if len(online) == 0 {
		return nil, ErrNoAgentsOnline
	}

	if requested == "" {
		if len(online) == 1 {
			return &Selection{Agent: online[0]}, nil
		}
		return &Selection{Candidates: agentNames(online)}, nil
	}

	var (
		best       *registry.ConnectedAgent
		bestScore  float64
		secondBest float64
		scored     []string
	)
	for _, agent := range online {
		score := CalculateSimilarity(requested, agent.Name())
		if requested == agent.ConnectionID || requested == agent.DBID {
			score = 1.0
		}
		if score >= suggestScore {
			scored = append(scored, agent.Name())
		}
		if score > bestScore {
			secondBest = bestScore
			bestScore = score
			best = agent
		} else if score > secondBest {
			secondBest = score
		}
	}

	switch {
	case best != nil && bestScore >= autoSelectScore && bestScore > secondBest:
		return &Selection{Agent: best}, nil
	case best != nil && bestScore >= autoSelectScore:
		// Tied top scorers: ambiguous.
		return &Selection{Candidates: scored}, nil
	case best != nil && bestScore >= suggestScore:
		return &Selection{Suggestion: best.Name()}, nil
	default:
		return &Selection{Candidates: agentNames(online)}, nil
	}
}

func agentNames(agents []*registry.ConnectedAgent) []string {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name())
	}
	return names
}

// CalculateSimilarity scores how well a requested name matches an agent name,
// in [0, 1]. The score is the best of four rules:
//
//	1.0  normalized equality
//	0.9  word-prefix containment ("alices macbook" → "Alice's MacBook Pro");
//	     other substring containment scales by length ratio
//	0.8  scaled by word overlap
//	0.5  scaled by character overlap
func CalculateSimilarity(requested, name string) float64 {
	a := normalizeName(requested)
	b := normalizeName(name)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}

	best := 0.0

	// Substring containment. A word-prefix match is how humans truncate a
	// name and counts as near-certain; embedded substrings scale with the
	// length ratio.
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.Contains(longer, shorter) {
		score := float64(len(shorter)) / float64(len(longer)) * 0.9
		if strings.HasPrefix(longer, shorter) {
			score = 0.9
		}
		if score > best {
			best = score
		}
	}

	// Word overlap.
	wordsA := strings.Fields(a)
	wordsB := strings.Fields(b)
	matching := 0
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}
	for _, w := range wordsA {
		if setB[w] {
			matching++
		}
	}
	maxWords := len(wordsA)
	if len(wordsB) > maxWords {
		maxWords = len(wordsB)
	}
	if maxWords > 0 {
		if score := float64(matching) / float64(maxWords) * 0.8; score > best {
			best = score
		}
	}

	// Character overlap fallback.
	charsA := strings.ReplaceAll(a, " ", "")
	charsB := strings.ReplaceAll(b, " ", "")
	counts := make(map[rune]int)
	for _, c := range charsB {
		counts[c]++
	}
	matchingChars := 0
	for _, c := range charsA {
		if counts[c] > 0 {
			counts[c]--
			matchingChars++
		}
	}
	maxChars := len(charsA)
	if len(charsB) > maxChars {
		maxChars = len(charsB)
	}
	if maxChars > 0 {
		if score := float64(matchingChars) / float64(maxChars) * 0.5; score > best {
			best = score
		}
	}

	return best
}

// normalizeName lowercases, strips apostrophes, replaces every other
// non-alphanumeric with a space, and collapses runs of spaces.
func normalizeName(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, c := range s {
		switch {
		case c == '\'' || c == '’' || c == '`':
			// Apostrophes vanish: "alice's" → "alices".
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'):
			b.WriteRune(c)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
