package runstate

// Field names the run-state fields as they appear in stage contracts and
// rules conditions. The set is fixed at compile time.
type Field string

const (
	FieldQuestion            Field = "question"
	FieldUserID              Field = "user_id"
	FieldSessionID           Field = "session_id"
	FieldChannel             Field = "channel"
	FieldConversationHistory Field = "conversation_history"
	FieldDetectedLanguage    Field = "detected_language"
	FieldLanguageConfidence  Field = "language_confidence"

	FieldAggregatedQuery   Field = "aggregated_query"
	FieldTranslatedQuery   Field = "translated_query"
	FieldExtractedEntities Field = "extracted_entities"
	FieldQueries           Field = "queries"

	FieldVectorResults   Field = "vector_results"
	FieldLexicalResults  Field = "lexical_results"
	FieldDocs            Field = "docs"
	FieldRerankScores    Field = "rerank_scores"
	FieldConfidence      Field = "confidence"
	FieldBestDocMetadata Field = "best_doc_metadata"

	FieldCategory           Field = "category"
	FieldIntent             Field = "intent"
	FieldCategoryConfidence Field = "category_confidence"
	FieldIntentConfidence   Field = "intent_confidence"
	FieldFilterUsed         Field = "filter_used"
	FieldFallbackTriggered  Field = "fallback_triggered"

	FieldDialogAnalysis       Field = "dialog_analysis"
	FieldDialogState          Field = "dialog_state"
	FieldAttemptCount         Field = "attempt_count"
	FieldSentiment            Field = "sentiment"
	FieldSafetyViolation      Field = "safety_violation"
	FieldEscalationRequested  Field = "escalation_requested"
	FieldEscalationDecision   Field = "escalation_decision"
	FieldEscalationReason     Field = "escalation_reason"
	FieldActionRecommendation Field = "action_recommendation"
	FieldPendingClarification Field = "pending_clarification"
	FieldClarifyingQuestions  Field = "clarifying_questions"

	FieldSystemPrompt      Field = "system_prompt"
	FieldAnswer            Field = "answer"
	FieldEscalationMessage Field = "escalation_message"
	FieldAction            Field = "action"

	FieldCacheHit          Field = "cache_hit"
	FieldCacheKey          Field = "cache_key"
	FieldCacheReason       Field = "cache_reason"
	FieldQuestionEmbedding Field = "question_embedding"

	FieldGuardrailsPassed    Field = "guardrails_passed"
	FieldGuardrailsBlocked   Field = "guardrails_blocked"
	FieldGuardrailsWarning   Field = "guardrails_warning"
	FieldGuardrailsSanitized Field = "guardrails_sanitized"
	FieldGuardrailsTriggered Field = "guardrails_triggered"
	FieldGuardrailsRiskScore Field = "guardrails_risk_score"
)

// fieldOps binds a field name to its presence check and its eraser.
//
// Presence semantics: strings are present when non-empty; slices, maps and
// pointer records when non-nil (an empty non-nil slice is a legitimate
// produced value, e.g. empty retrieval results). Bool, int and float fields
// are always present since their zero values are meaningful.
type fieldOps struct {
	isSet func(*RunState) bool
	clear func(*RunState)
}

func always(*RunState) bool { return true }

var fieldRegistry = map[Field]fieldOps{
	FieldQuestion: {func(s *RunState) bool { return s.Question != "" }, func(s *RunState) { s.Question = "" }},
	FieldUserID:   {func(s *RunState) bool { return s.UserID != "" }, func(s *RunState) { s.UserID = "" }},
	FieldSessionID: {func(s *RunState) bool { return s.SessionID != "" }, func(s *RunState) { s.SessionID = "" }},
	FieldChannel:   {func(s *RunState) bool { return s.Channel != "" }, func(s *RunState) { s.Channel = "" }},
	FieldConversationHistory: {func(s *RunState) bool { return s.ConversationHistory != nil }, func(s *RunState) { s.ConversationHistory = nil }},
	FieldDetectedLanguage:    {func(s *RunState) bool { return s.DetectedLanguage != "" }, func(s *RunState) { s.DetectedLanguage = "" }},
	FieldLanguageConfidence:  {always, func(s *RunState) { s.LanguageConfidence = 0 }},

	FieldAggregatedQuery:   {func(s *RunState) bool { return s.AggregatedQuery != "" }, func(s *RunState) { s.AggregatedQuery = "" }},
	FieldTranslatedQuery:   {func(s *RunState) bool { return s.TranslatedQuery != "" }, func(s *RunState) { s.TranslatedQuery = "" }},
	FieldExtractedEntities: {func(s *RunState) bool { return s.ExtractedEntities != nil }, func(s *RunState) { s.ExtractedEntities = nil }},
	FieldQueries:           {func(s *RunState) bool { return s.Queries != nil }, func(s *RunState) { s.Queries = nil }},

	FieldVectorResults:   {func(s *RunState) bool { return s.VectorResults != nil }, func(s *RunState) { s.VectorResults = nil }},
	FieldLexicalResults:  {func(s *RunState) bool { return s.LexicalResults != nil }, func(s *RunState) { s.LexicalResults = nil }},
	FieldDocs:            {func(s *RunState) bool { return s.Docs != nil }, func(s *RunState) { s.Docs = nil }},
	FieldRerankScores:    {func(s *RunState) bool { return s.RerankScores != nil }, func(s *RunState) { s.RerankScores = nil }},
	FieldConfidence:      {always, func(s *RunState) { s.Confidence = 0 }},
	FieldBestDocMetadata: {func(s *RunState) bool { return s.BestDocMetadata != nil }, func(s *RunState) { s.BestDocMetadata = nil }},

	FieldCategory:           {func(s *RunState) bool { return s.Category != "" }, func(s *RunState) { s.Category = "" }},
	FieldIntent:             {func(s *RunState) bool { return s.Intent != "" }, func(s *RunState) { s.Intent = "" }},
	FieldCategoryConfidence: {always, func(s *RunState) { s.CategoryConfidence = 0 }},
	FieldIntentConfidence:   {always, func(s *RunState) { s.IntentConfidence = 0 }},
	FieldFilterUsed:         {always, func(s *RunState) { s.FilterUsed = false }},
	FieldFallbackTriggered:  {always, func(s *RunState) { s.FallbackTriggered = false }},

	FieldDialogAnalysis: {func(s *RunState) bool { return s.DialogAnalysis != nil }, func(s *RunState) { s.DialogAnalysis = nil }},
	FieldDialogState:    {func(s *RunState) bool { return s.DialogState != "" }, func(s *RunState) { s.DialogState = "" }},
	FieldAttemptCount:   {always, func(s *RunState) { s.AttemptCount = 0 }},
	FieldSentiment:      {func(s *RunState) bool { return s.Sentiment != nil }, func(s *RunState) { s.Sentiment = nil }},
	FieldSafetyViolation:      {always, func(s *RunState) { s.SafetyViolation = false }},
	FieldEscalationRequested:  {always, func(s *RunState) { s.EscalationRequested = false }},
	FieldEscalationDecision:   {always, func(s *RunState) { s.EscalationDecision = false }},
	FieldEscalationReason:     {func(s *RunState) bool { return s.EscalationReason != "" }, func(s *RunState) { s.EscalationReason = "" }},
	FieldActionRecommendation: {func(s *RunState) bool { return s.ActionRecommendation != "" }, func(s *RunState) { s.ActionRecommendation = "" }},
	FieldPendingClarification: {always, func(s *RunState) { s.PendingClarification = false }},
	FieldClarifyingQuestions:  {func(s *RunState) bool { return s.ClarifyingQuestions != nil }, func(s *RunState) { s.ClarifyingQuestions = nil }},

	FieldSystemPrompt:      {func(s *RunState) bool { return s.SystemPrompt != "" }, func(s *RunState) { s.SystemPrompt = "" }},
	FieldAnswer:            {func(s *RunState) bool { return s.Answer != "" }, func(s *RunState) { s.Answer = "" }},
	FieldEscalationMessage: {func(s *RunState) bool { return s.EscalationMessage != "" }, func(s *RunState) { s.EscalationMessage = "" }},
	FieldAction:            {func(s *RunState) bool { return s.Action != "" }, func(s *RunState) { s.Action = "" }},

	FieldCacheHit:          {always, func(s *RunState) { s.CacheHit = false }},
	FieldCacheKey:          {func(s *RunState) bool { return s.CacheKey != "" }, func(s *RunState) { s.CacheKey = "" }},
	FieldCacheReason:       {func(s *RunState) bool { return s.CacheReason != "" }, func(s *RunState) { s.CacheReason = "" }},
	FieldQuestionEmbedding: {func(s *RunState) bool { return s.QuestionEmbedding != nil }, func(s *RunState) { s.QuestionEmbedding = nil }},

	FieldGuardrailsPassed:    {always, func(s *RunState) { s.GuardrailsPassed = false }},
	FieldGuardrailsBlocked:   {always, func(s *RunState) { s.GuardrailsBlocked = false }},
	FieldGuardrailsWarning:   {always, func(s *RunState) { s.GuardrailsWarning = false }},
	FieldGuardrailsSanitized: {always, func(s *RunState) { s.GuardrailsSanitized = false }},
	FieldGuardrailsTriggered: {func(s *RunState) bool { return s.GuardrailsTriggered != nil }, func(s *RunState) { s.GuardrailsTriggered = nil }},
	FieldGuardrailsRiskScore: {always, func(s *RunState) { s.GuardrailsRiskScore = 0 }},
}

// alwaysPresent lists the bool/int/float fields whose zero values are
// meaningful and therefore always satisfy a required-input check.
var alwaysPresent = map[Field]bool{
	FieldLanguageConfidence:   true,
	FieldConfidence:           true,
	FieldCategoryConfidence:   true,
	FieldIntentConfidence:     true,
	FieldFilterUsed:           true,
	FieldFallbackTriggered:    true,
	FieldAttemptCount:         true,
	FieldSafetyViolation:      true,
	FieldEscalationRequested:  true,
	FieldEscalationDecision:   true,
	FieldPendingClarification: true,
	FieldCacheHit:             true,
	FieldGuardrailsPassed:     true,
	FieldGuardrailsBlocked:    true,
	FieldGuardrailsWarning:    true,
	FieldGuardrailsSanitized:  true,
	FieldGuardrailsRiskScore:  true,
}

// KnownField reports whether f names a run-state field.
func KnownField(f Field) bool {
	_, ok := fieldRegistry[f]
	return ok
}

// Always reports whether f is present regardless of pipeline position.
func Always(f Field) bool { return alwaysPresent[f] }

// Has reports whether the field currently carries a value under the
// presence semantics above.
func (s *RunState) Has(f Field) bool {
	ops, ok := fieldRegistry[f]
	if !ok {
		return false
	}
	return ops.isSet(s)
}

// Project returns a deep copy restricted to the declared fields: every
// undeclared field is reset to its zero value. Stages read their inputs
// from the projection, never from the shared state.
func (s *RunState) Project(declared map[Field]bool) *RunState {
	c := s.Clone()
	for f, ops := range fieldRegistry {
		if !declared[f] {
			ops.clear(c)
		}
	}
	return c
}
