package runstate

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseDialogState(t *testing.T) {
	for _, name := range []string{
		"INITIAL", "ANSWER_PROVIDED", "AWAITING_CLARIFICATION", "RESOLVED",
		"ESCALATION_NEEDED", "ESCALATION_REQUESTED", "SAFETY_VIOLATION",
		"EMPATHY_MODE", "BLOCKED", "LOW_CONFIDENCE", "STUCK_LOOP",
	} {
		st, err := ParseDialogState(name)
		if err != nil {
			t.Fatalf("ParseDialogState(%q): %v", name, err)
		}
		if !st.Valid() {
			t.Errorf("state %q parsed but not valid", name)
		}
	}
	if _, err := ParseDialogState("HAPPY"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestApplyOverwrite(t *testing.T) {
	s := New("how do I reset my password?", "u1", "sess1", "web")
	s.Apply(Update{
		Answer:     Ptr("reset via settings"),
		Confidence: Ptr(0.82),
		Action:     Ptr(ActionAutoReply),
	})
	if s.Answer != "reset via settings" {
		t.Errorf("Answer = %q", s.Answer)
	}
	if s.Confidence != 0.82 {
		t.Errorf("Confidence = %v", s.Confidence)
	}
	if s.Action != ActionAutoReply {
		t.Errorf("Action = %q", s.Action)
	}

	// nil pointers leave fields untouched
	s.Apply(Update{Confidence: Ptr(0.0)})
	if s.Answer != "reset via settings" {
		t.Errorf("Answer clobbered by unrelated update: %q", s.Answer)
	}
	if s.Confidence != 0 {
		t.Errorf("explicit zero overwrite ignored: %v", s.Confidence)
	}
}

func TestApplyAppendMessagesDedup(t *testing.T) {
	s := New("q", "u1", "sess1", "web")
	m1 := Message{ID: "m1", Role: RoleUser, Content: "hello", Timestamp: time.Unix(1, 0)}
	m2 := Message{ID: "m2", Role: RoleAssistant, Content: "hi", Timestamp: time.Unix(2, 0)}

	s.Apply(Update{AppendHistory: []Message{m1, m2}})
	s.Apply(Update{AppendHistory: []Message{m2, {ID: "m3", Role: RoleUser, Content: "again", Timestamp: time.Unix(3, 0)}}})

	if len(s.ConversationHistory) != 3 {
		t.Fatalf("history length = %d, want 3", len(s.ConversationHistory))
	}
	if s.ConversationHistory[2].ID != "m3" {
		t.Errorf("order broken: %+v", s.ConversationHistory)
	}
}

func TestApplyKeepLatest(t *testing.T) {
	s := New("q", "u1", "sess1", "web")
	s.Apply(Update{Sentiment: &Sentiment{Label: SentimentNegative, Score: -0.7}})
	s.Apply(Update{Answer: Ptr("x")}) // nil sentiment in the delta
	if s.Sentiment == nil || s.Sentiment.Label != SentimentNegative {
		t.Fatalf("keep-latest dropped the previous record: %+v", s.Sentiment)
	}
	s.Apply(Update{Sentiment: &Sentiment{Label: SentimentNeutral, Score: 0}})
	if s.Sentiment.Label != SentimentNeutral {
		t.Errorf("keep-latest did not replace with new non-nil value")
	}
}

func TestApplyMergeUnique(t *testing.T) {
	s := New("q", "u1", "sess1", "web")
	s.Apply(Update{Queries: []string{"a", "b"}})
	s.Apply(Update{Queries: []string{"b", "c", "a"}})
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, s.Queries); diff != "" {
		t.Errorf("queries mismatch (-want +got):\n%s", diff)
	}

	s.Apply(Update{ExtractedEntities: map[string][]string{"order_id": {"42"}}})
	s.Apply(Update{ExtractedEntities: map[string][]string{"order_id": {"42", "43"}, "email": {"a@b.c"}}})
	if diff := cmp.Diff([]string{"42", "43"}, s.ExtractedEntities["order_id"]); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}
	if len(s.ExtractedEntities["email"]) != 1 {
		t.Errorf("new entity kind not merged: %+v", s.ExtractedEntities)
	}
}

func TestCloneIndependence(t *testing.T) {
	s := New("q", "u1", "sess1", "web")
	s.Apply(Update{
		Docs:              []ScoredDoc{{ID: 1, Content: "doc", Score: 0.5}},
		ExtractedEntities: map[string][]string{"k": {"v"}},
		BestDocMetadata:   &DocMetadata{Category: "Billing"},
	})
	c := s.Clone()
	c.Docs[0].Score = 0.9
	c.ExtractedEntities["k"][0] = "changed"
	c.BestDocMetadata.Category = "Shipping"

	if s.Docs[0].Score != 0.5 {
		t.Error("clone shares docs slice")
	}
	if s.ExtractedEntities["k"][0] != "v" {
		t.Error("clone shares entity values")
	}
	if s.BestDocMetadata.Category != "Billing" {
		t.Error("clone shares metadata pointer")
	}
}

func TestProjectZeroesUndeclared(t *testing.T) {
	s := New("secret question", "u1", "sess1", "web")
	s.Apply(Update{
		Answer:     Ptr("answer text"),
		Confidence: Ptr(0.9),
		Docs:       []ScoredDoc{{ID: 7}},
	})

	p := s.Project(map[Field]bool{FieldQuestion: true, FieldDocs: true})
	if p.Question != "secret question" {
		t.Errorf("declared field lost: %q", p.Question)
	}
	if len(p.Docs) != 1 {
		t.Errorf("declared docs lost")
	}
	if p.Answer != "" || p.Confidence != 0 || p.SessionID != "" {
		t.Errorf("undeclared fields leaked: answer=%q conf=%v sess=%q", p.Answer, p.Confidence, p.SessionID)
	}

	// the source state is untouched
	if s.Answer == "" || s.SessionID == "" {
		t.Error("projection mutated the source state")
	}
}

func TestHasPresenceSemantics(t *testing.T) {
	s := New("q", "u1", "sess1", "web")
	if s.Has(FieldDocs) {
		t.Error("nil docs reported present")
	}
	s.Apply(Update{Docs: []ScoredDoc{}})
	if !s.Has(FieldDocs) {
		t.Error("empty produced docs reported absent")
	}
	if !s.Has(FieldConfidence) {
		t.Error("numeric fields must always be present")
	}
	if s.Has(FieldAnswer) {
		t.Error("empty answer reported present")
	}
	if s.Has(Field("bogus")) {
		t.Error("unknown field reported present")
	}
}

func TestEffectiveQuery(t *testing.T) {
	s := New("исходный вопрос", "u1", "sess1", "web")
	if got := s.EffectiveQuery(); got != "исходный вопрос" {
		t.Errorf("EffectiveQuery = %q", got)
	}
	s.Apply(Update{AggregatedQuery: Ptr("aggregated question")})
	if got := s.EffectiveQuery(); got != "aggregated question" {
		t.Errorf("EffectiveQuery = %q", got)
	}
	s.Apply(Update{TranslatedQuery: Ptr("original question")})
	if got := s.EffectiveQuery(); got != "original question" {
		t.Errorf("EffectiveQuery = %q", got)
	}
}

func TestUpdateIsZero(t *testing.T) {
	if !(Update{}).IsZero() {
		t.Error("empty update not zero")
	}
	if (Update{CacheHit: Ptr(false)}).IsZero() {
		t.Error("explicit false must count as set")
	}
}
