package router

import (
	"testing"

	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

// fakeRegistry implements AgentRegistry over a fixed agent list.
type fakeRegistry struct {
	agents []*registry.ConnectedAgent
}

func (f *fakeRegistry) GetAgent(id string) *registry.ConnectedAgent {
	for _, a := range f.agents {
		if a.ConnectionID == id || a.DBID == id {
			return a
		}
	}
	return nil
}

func (f *fakeRegistry) OnlineAgentsForUser(userID string) []*registry.ConnectedAgent {
	return f.agents
}

func selectorRouter(names ...string) *Router {
	fake := &fakeRegistry{}
	for i, name := range names {
		a := registry.NewAgentForTesting("conn-"+string(rune('a'+i)), name)
		a.OwnerUserID = "user-1"
		fake.agents = append(fake.agents, a)
	}
	return &Router{registry: fake, log: logger.Router()}
}

func TestCalculateSimilarityExactMatch(t *testing.T) {
	if got := CalculateSimilarity("alice-linux", "alice-linux"); got != 1.0 {
		t.Errorf("Expected 1.0 for exact match, got %f", got)
	}
	// Normalized equality: apostrophes and case vanish.
	if got := CalculateSimilarity("alices macbook pro", "Alice's MacBook Pro"); got != 1.0 {
		t.Errorf("Expected 1.0 for normalized equality, got %f", got)
	}
}

func TestCalculateSimilarityPrefixContainment(t *testing.T) {
	// "alices macbook" is a word-prefix of the normalized display name.
	got := CalculateSimilarity("alices macbook", "Alice's MacBook Pro")
	if got < 0.8 {
		t.Errorf("Expected prefix containment score >= 0.8, got %f", got)
	}
}

func TestCalculateSimilarityEmbeddedContainmentScalesWithLength(t *testing.T) {
	// "macbook" is embedded, not a prefix: score is 0.9 * len ratio.
	got := CalculateSimilarity("macbook", "Alice's MacBook Pro")
	if got >= 0.8 {
		t.Errorf("Expected embedded containment below auto-select, got %f", got)
	}
	if got < 0.3 {
		t.Errorf("Expected a containment score, got %f", got)
	}
}

func TestCalculateSimilarityUnrelatedNamesScoreLow(t *testing.T) {
	got := CalculateSimilarity("bob desktop", "alice-linux")
	if got >= 0.5 {
		t.Errorf("Expected unrelated names below suggestion threshold, got %f", got)
	}
}

func TestSelectAgentAutoSelectsUniqueTopScorer(t *testing.T) {
	r := selectorRouter("Alice's MacBook Pro", "alice-linux")

	sel, err := r.SelectAgent("user-1", "alices macbook")
	if err != nil {
		t.Fatalf("SelectAgent failed: %v", err)
	}
	if sel.Agent == nil {
		t.Fatalf("Expected auto-selection, got suggestion=%q candidates=%v", sel.Suggestion, sel.Candidates)
	}
	if sel.Agent.Name() != "Alice's MacBook Pro" {
		t.Errorf("Expected Alice's MacBook Pro, got %s", sel.Agent.Name())
	}
}

func TestSelectAgentAmbiguousPrefixReturnsCandidates(t *testing.T) {
	r := selectorRouter("Alice's MacBook Pro", "alice-linux")

	// "alice" prefixes both normalized names: a tie, never a guess.
	sel, err := r.SelectAgent("user-1", "alice")
	if err != nil {
		t.Fatalf("SelectAgent failed: %v", err)
	}
	if sel.Agent != nil {
		t.Errorf("Expected ambiguity, got selection of %s", sel.Agent.Name())
	}
	if len(sel.Candidates) != 2 {
		t.Errorf("Expected 2 candidates, got %v", sel.Candidates)
	}
}

func TestSelectAgentSoleAgentAutoSelected(t *testing.T) {
	r := selectorRouter("alice-linux")

	sel, err := r.SelectAgent("user-1", "")
	if err != nil {
		t.Fatalf("SelectAgent failed: %v", err)
	}
	if sel.Agent == nil || sel.Agent.Name() != "alice-linux" {
		t.Error("Expected the sole online agent to be auto-selected")
	}
}

func TestSelectAgentMultipleWithoutNameListsCandidates(t *testing.T) {
	r := selectorRouter("alice-linux", "Bob's Desktop")

	sel, err := r.SelectAgent("user-1", "")
	if err != nil {
		t.Fatalf("SelectAgent failed: %v", err)
	}
	if sel.Agent != nil {
		t.Error("Expected disambiguation request, got a selection")
	}
	if len(sel.Candidates) != 2 {
		t.Errorf("Expected 2 candidates, got %v", sel.Candidates)
	}
}

func TestSelectAgentNoAgentsOnline(t *testing.T) {
	r := &Router{registry: &fakeRegistry{}, log: logger.Router()}
	if _, err := r.SelectAgent("user-1", "anything"); err == nil {
		t.Error("Expected error with no agents online")
	}
}

func TestSelectAgentByExactConnectionID(t *testing.T) {
	r := selectorRouter("alice-linux", "Bob's Desktop")

	sel, err := r.SelectAgent("user-1", "conn-a")
	if err != nil {
		t.Fatalf("SelectAgent failed: %v", err)
	}
	if sel.Agent == nil || sel.Agent.ConnectionID != "conn-a" {
		t.Error("Expected exact id match to select the agent")
	}
}

func TestSelectAgentMidScoreYieldsSuggestion(t *testing.T) {
	r := selectorRouter("Alice's MacBook Pro", "zz-build-box")

	// "macbook pro" is embedded containment: 0.9 × 11/18 ≈ 0.55, in
	// [0.5, 0.8) against the MacBook, low against the build box.
	sel, err := r.SelectAgent("user-1", "macbook pro")
	if err != nil {
		t.Fatalf("SelectAgent failed: %v", err)
	}
	if sel.Agent != nil {
		// Should an agent be selected anyway, it must be the plausible one.
		if sel.Agent.Name() != "Alice's MacBook Pro" {
			t.Errorf("Selected the wrong agent: %s", sel.Agent.Name())
		}
		return
	}
	if sel.Suggestion != "Alice's MacBook Pro" && len(sel.Candidates) == 0 {
		t.Errorf("Expected a suggestion or candidates, got %+v", sel)
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Alice's MacBook Pro": "alices macbook pro",
		"alice-linux":         "alice linux",
		"  WIN_BOX  7 ":       "win box 7",
		"they’re":             "theyre",
	}
	for in, want := range cases {
		if got := normalizeName(in); got != want {
			t.Errorf("normalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
