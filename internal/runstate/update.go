package runstate

// Update is the partial result a stage returns. Scalar fields are pointers:
// nil means "not set by this stage" so the zero value of a field remains
// expressible. Slice and map fields follow their declared reducer.
type Update struct {
	// overwrite
	Question           *string
	UserID             *string
	SessionID          *string
	Channel            *string
	DetectedLanguage   *string
	LanguageConfidence *float64

	AggregatedQuery *string
	TranslatedQuery *string

	VectorResults  []ScoredDoc
	LexicalResults []ScoredDoc
	Docs           []ScoredDoc
	RerankScores   []float64
	Confidence     *float64

	Category           *string
	Intent             *string
	CategoryConfidence *float64
	IntentConfidence   *float64
	FilterUsed         *bool
	FallbackTriggered  *bool

	DialogState          *DialogState
	AttemptCount         *int
	SafetyViolation      *bool
	EscalationRequested  *bool
	EscalationDecision   *bool
	EscalationReason     *string
	ActionRecommendation *string
	PendingClarification *bool
	ClarifyingQuestions  []string

	SystemPrompt      *string
	Answer            *string
	EscalationMessage *string
	Action            *Action

	CacheHit          *bool
	CacheKey          *string
	CacheReason       *string
	QuestionEmbedding []float32

	GuardrailsPassed    *bool
	GuardrailsBlocked   *bool
	GuardrailsWarning   *bool
	GuardrailsSanitized *bool
	GuardrailsRiskScore *float64

	// append-messages
	AppendHistory []Message

	// keep-latest
	DialogAnalysis  *DialogAnalysis
	Sentiment       *Sentiment
	BestDocMetadata *DocMetadata

	// merge-unique
	Queries             []string
	GuardrailsTriggered []string
	ExtractedEntities   map[string][]string
}

// Ptr boxes a value for an Update scalar field.
func Ptr[T any](v T) *T { return &v }

// IsZero reports whether the update carries no changes at all.
func (u Update) IsZero() bool {
	switch {
	case u.Question != nil, u.UserID != nil, u.SessionID != nil, u.Channel != nil,
		u.DetectedLanguage != nil, u.LanguageConfidence != nil,
		u.AggregatedQuery != nil, u.TranslatedQuery != nil,
		u.VectorResults != nil, u.LexicalResults != nil, u.Docs != nil,
		u.RerankScores != nil, u.Confidence != nil,
		u.Category != nil, u.Intent != nil, u.CategoryConfidence != nil,
		u.IntentConfidence != nil, u.FilterUsed != nil, u.FallbackTriggered != nil,
		u.DialogState != nil, u.AttemptCount != nil, u.SafetyViolation != nil,
		u.EscalationRequested != nil, u.EscalationDecision != nil,
		u.EscalationReason != nil, u.ActionRecommendation != nil,
		u.PendingClarification != nil, u.ClarifyingQuestions != nil,
		u.SystemPrompt != nil, u.Answer != nil, u.EscalationMessage != nil, u.Action != nil,
		u.CacheHit != nil, u.CacheKey != nil, u.CacheReason != nil, u.QuestionEmbedding != nil,
		u.GuardrailsPassed != nil, u.GuardrailsBlocked != nil, u.GuardrailsWarning != nil,
		u.GuardrailsSanitized != nil, u.GuardrailsRiskScore != nil,
		u.AppendHistory != nil, u.DialogAnalysis != nil, u.Sentiment != nil,
		u.BestDocMetadata != nil, u.Queries != nil, u.GuardrailsTriggered != nil,
		u.ExtractedEntities != nil:
		return false
	}
	return true
}

// Apply merges u into s under each field's reducer. Application is
// total-ordered: the engine calls Apply from a single goroutine.
func (s *RunState) Apply(u Update) {
	// overwrite scalars
	setString(&s.Question, u.Question)
	setString(&s.UserID, u.UserID)
	setString(&s.SessionID, u.SessionID)
	setString(&s.Channel, u.Channel)
	setString(&s.DetectedLanguage, u.DetectedLanguage)
	setFloat(&s.LanguageConfidence, u.LanguageConfidence)
	setString(&s.AggregatedQuery, u.AggregatedQuery)
	setString(&s.TranslatedQuery, u.TranslatedQuery)
	setFloat(&s.Confidence, u.Confidence)
	setString(&s.Category, u.Category)
	setString(&s.Intent, u.Intent)
	setFloat(&s.CategoryConfidence, u.CategoryConfidence)
	setFloat(&s.IntentConfidence, u.IntentConfidence)
	setBool(&s.FilterUsed, u.FilterUsed)
	setBool(&s.FallbackTriggered, u.FallbackTriggered)
	if u.DialogState != nil {
		s.DialogState = *u.DialogState
	}
	if u.AttemptCount != nil {
		s.AttemptCount = *u.AttemptCount
	}
	setBool(&s.SafetyViolation, u.SafetyViolation)
	setBool(&s.EscalationRequested, u.EscalationRequested)
	setBool(&s.EscalationDecision, u.EscalationDecision)
	setString(&s.EscalationReason, u.EscalationReason)
	setString(&s.ActionRecommendation, u.ActionRecommendation)
	setBool(&s.PendingClarification, u.PendingClarification)
	setString(&s.SystemPrompt, u.SystemPrompt)
	setString(&s.Answer, u.Answer)
	setString(&s.EscalationMessage, u.EscalationMessage)
	if u.Action != nil {
		s.Action = *u.Action
	}
	setBool(&s.CacheHit, u.CacheHit)
	setString(&s.CacheKey, u.CacheKey)
	setString(&s.CacheReason, u.CacheReason)
	setBool(&s.GuardrailsPassed, u.GuardrailsPassed)
	setBool(&s.GuardrailsBlocked, u.GuardrailsBlocked)
	setBool(&s.GuardrailsWarning, u.GuardrailsWarning)
	setBool(&s.GuardrailsSanitized, u.GuardrailsSanitized)
	setFloat(&s.GuardrailsRiskScore, u.GuardrailsRiskScore)

	// overwrite slices (nil means untouched)
	if u.VectorResults != nil {
		s.VectorResults = u.VectorResults
	}
	if u.LexicalResults != nil {
		s.LexicalResults = u.LexicalResults
	}
	if u.Docs != nil {
		s.Docs = u.Docs
	}
	if u.RerankScores != nil {
		s.RerankScores = u.RerankScores
	}
	if u.ClarifyingQuestions != nil {
		s.ClarifyingQuestions = u.ClarifyingQuestions
	}
	if u.QuestionEmbedding != nil {
		s.QuestionEmbedding = u.QuestionEmbedding
	}

	// append-messages: de-dup by non-empty message ID
	if len(u.AppendHistory) > 0 {
		seen := make(map[string]bool, len(s.ConversationHistory))
		for _, m := range s.ConversationHistory {
			if m.ID != "" {
				seen[m.ID] = true
			}
		}
		for _, m := range u.AppendHistory {
			if m.ID != "" && seen[m.ID] {
				continue
			}
			if m.ID != "" {
				seen[m.ID] = true
			}
			s.ConversationHistory = append(s.ConversationHistory, m)
		}
	}

	// keep-latest: replace only with a non-nil record
	if u.DialogAnalysis != nil {
		s.DialogAnalysis = u.DialogAnalysis
	}
	if u.Sentiment != nil {
		s.Sentiment = u.Sentiment
	}
	if u.BestDocMetadata != nil {
		s.BestDocMetadata = u.BestDocMetadata
	}

	// merge-unique
	s.Queries = mergeUnique(s.Queries, u.Queries)
	s.GuardrailsTriggered = mergeUnique(s.GuardrailsTriggered, u.GuardrailsTriggered)
	if len(u.ExtractedEntities) > 0 {
		if s.ExtractedEntities == nil {
			s.ExtractedEntities = make(map[string][]string, len(u.ExtractedEntities))
		}
		for kind, vals := range u.ExtractedEntities {
			s.ExtractedEntities[kind] = mergeUnique(s.ExtractedEntities[kind], vals)
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// mergeUnique unions add into base preserving first-seen order.
func mergeUnique(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base)+len(add))
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			base = append(base, v)
		}
	}
	return base
}
