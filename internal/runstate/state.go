// Package runstate defines the per-request state bag shared by all pipeline
// stages, the partial-update type stages return, and the reducer semantics
// that merge updates into the bag.
//
// Reducers per field:
//   - overwrite (default): replace when the update sets the field
//   - append-messages: conversation_history, de-duplicated by message ID
//   - keep-latest: pointer records replaced only by a non-nil value
//   - merge-unique: string sets unioned preserving first-seen order
//     (queries, guardrails_triggered, extracted_entities values)
package runstate

import (
	"fmt"
	"time"
)

// ===== DIALOG STATE =====

// DialogState is the finite-automaton state of a conversation.
type DialogState string

const (
	StateInitial              DialogState = "INITIAL"
	StateAnswerProvided       DialogState = "ANSWER_PROVIDED"
	StateAwaitingClarification DialogState = "AWAITING_CLARIFICATION"
	StateResolved             DialogState = "RESOLVED"
	StateEscalationNeeded     DialogState = "ESCALATION_NEEDED"
	StateEscalationRequested  DialogState = "ESCALATION_REQUESTED"
	StateSafetyViolation      DialogState = "SAFETY_VIOLATION"
	StateEmpathyMode          DialogState = "EMPATHY_MODE"
	StateBlocked              DialogState = "BLOCKED"
	StateLowConfidence        DialogState = "LOW_CONFIDENCE"
	StateStuckLoop            DialogState = "STUCK_LOOP"
)

var allStates = map[DialogState]bool{
	StateInitial:               true,
	StateAnswerProvided:        true,
	StateAwaitingClarification: true,
	StateResolved:              true,
	StateEscalationNeeded:      true,
	StateEscalationRequested:   true,
	StateSafetyViolation:       true,
	StateEmpathyMode:           true,
	StateBlocked:               true,
	StateLowConfidence:         true,
	StateStuckLoop:             true,
}

// ParseDialogState validates a rules-file state name.
func ParseDialogState(s string) (DialogState, error) {
	st := DialogState(s)
	if !allStates[st] {
		return "", fmt.Errorf("unknown dialog state %q", s)
	}
	return st, nil
}

// Valid reports whether s is a member of the state enum.
func (s DialogState) Valid() bool { return allStates[s] }

// IsEscalation reports whether the state requires an escalation record.
func (s DialogState) IsEscalation() bool {
	return s == StateEscalationNeeded || s == StateEscalationRequested
}

// ===== ACTIONS =====

// Action is the terminal routing decision for a turn.
type Action string

const (
	ActionAutoReply Action = "auto_reply"
	ActionHandoff   Action = "handoff"
	ActionBlock     Action = "block"
)

// ===== MESSAGES =====

// Message is one turn of conversation history.
type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ===== RETRIEVAL RECORDS =====

// DocMetadata is the typed slice of document metadata the pipeline consumes.
type DocMetadata struct {
	Category            string   `json:"category,omitempty"`
	Intent              string   `json:"intent,omitempty"`
	RequiresHandoff     bool     `json:"requires_handoff,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
	ClarifyingQuestions []string `json:"clarifying_questions,omitempty"`
	SourceDocument      string   `json:"source_document,omitempty"`
}

// ScoredDoc is a retrieval candidate with its current score. The meaning of
// Score changes as the doc moves through the pipeline: similarity after
// vector search, BM25 after lexical search, fused score after fusion,
// cross-encoder score after rerank.
type ScoredDoc struct {
	ID       int64       `json:"id"`
	Content  string      `json:"content"`
	Score    float64     `json:"score"`
	Metadata DocMetadata `json:"metadata"`
}

// ===== DIALOG RECORDS =====

// DialogAnalysis holds the five signals derived from the latest turn.
type DialogAnalysis struct {
	IsGratitude         bool `json:"is_gratitude"`
	EscalationRequested bool `json:"escalation_requested"`
	IsQuestion          bool `json:"is_question"`
	FrustrationDetected bool `json:"frustration_detected"`
	RepeatedQuestion    bool `json:"repeated_question"`
}

// Sentiment is the coarse sentiment of the latest user message.
type Sentiment struct {
	Label string  `json:"label"` // positive, neutral, negative
	Score float64 `json:"score"`
}

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// ===== RUN STATE =====

// RunState is the shared bag for one request. One goroutine owns it for the
// duration of the run; parallel legs operate on projections and their
// updates are merged in a total order by the engine.
type RunState struct {
	// Request
	Question            string
	UserID              string
	SessionID           string
	Channel             string
	ConversationHistory []Message
	DetectedLanguage    string
	LanguageConfidence  float64

	// Derived query
	AggregatedQuery   string
	TranslatedQuery   string
	ExtractedEntities map[string][]string
	Queries           []string

	// Retrieval
	VectorResults   []ScoredDoc
	LexicalResults  []ScoredDoc
	Docs            []ScoredDoc
	RerankScores    []float64
	Confidence      float64
	BestDocMetadata *DocMetadata

	// Classification
	Category           string
	Intent             string
	CategoryConfidence float64
	IntentConfidence   float64
	FilterUsed         bool
	FallbackTriggered  bool

	// Dialog
	DialogAnalysis       *DialogAnalysis
	DialogState          DialogState
	AttemptCount         int
	Sentiment            *Sentiment
	SafetyViolation      bool
	EscalationRequested  bool
	EscalationDecision   bool
	EscalationReason     string
	ActionRecommendation string
	PendingClarification bool
	ClarifyingQuestions  []string

	// Generation
	SystemPrompt      string
	Answer            string
	EscalationMessage string
	Action            Action

	// Cache
	CacheHit          bool
	CacheKey          string
	CacheReason       string
	QuestionEmbedding []float32

	// Guardrails
	GuardrailsPassed    bool
	GuardrailsBlocked   bool
	GuardrailsWarning   bool
	GuardrailsSanitized bool
	GuardrailsTriggered []string
	GuardrailsRiskScore float64
}

// New seeds a RunState for a request.
func New(question, userID, sessionID, channel string) *RunState {
	return &RunState{
		Question:    question,
		UserID:      userID,
		SessionID:   sessionID,
		Channel:     channel,
		DialogState: StateInitial,
	}
}

// Clone deep-copies the state. Parallel retrieval legs each receive a clone
// so no leg observes another's writes.
func (s *RunState) Clone() *RunState {
	c := *s
	c.ConversationHistory = append([]Message(nil), s.ConversationHistory...)
	c.Queries = append([]string(nil), s.Queries...)
	c.VectorResults = append([]ScoredDoc(nil), s.VectorResults...)
	c.LexicalResults = append([]ScoredDoc(nil), s.LexicalResults...)
	c.Docs = append([]ScoredDoc(nil), s.Docs...)
	c.RerankScores = append([]float64(nil), s.RerankScores...)
	c.ClarifyingQuestions = append([]string(nil), s.ClarifyingQuestions...)
	c.GuardrailsTriggered = append([]string(nil), s.GuardrailsTriggered...)
	c.QuestionEmbedding = append([]float32(nil), s.QuestionEmbedding...)
	if s.ExtractedEntities != nil {
		c.ExtractedEntities = make(map[string][]string, len(s.ExtractedEntities))
		for k, v := range s.ExtractedEntities {
			c.ExtractedEntities[k] = append([]string(nil), v...)
		}
	}
	if s.BestDocMetadata != nil {
		md := *s.BestDocMetadata
		md.ClarifyingQuestions = append([]string(nil), s.BestDocMetadata.ClarifyingQuestions...)
		c.BestDocMetadata = &md
	}
	if s.DialogAnalysis != nil {
		da := *s.DialogAnalysis
		c.DialogAnalysis = &da
	}
	if s.Sentiment != nil {
		sn := *s.Sentiment
		c.Sentiment = &sn
	}
	return &c
}

// LatestUserMessage returns the content of the newest user turn in history,
// falling back to the current question.
func (s *RunState) LatestUserMessage() string {
	for i := len(s.ConversationHistory) - 1; i >= 0; i-- {
		if s.ConversationHistory[i].Role == RoleUser {
			return s.ConversationHistory[i].Content
		}
	}
	return s.Question
}

// EffectiveQuery is the text retrieval should search with: the translated
// query if present, else the aggregated query, else the raw question.
func (s *RunState) EffectiveQuery() string {
	if s.TranslatedQuery != "" {
		return s.TranslatedQuery
	}
	if s.AggregatedQuery != "" {
		return s.AggregatedQuery
	}
	return s.Question
}
