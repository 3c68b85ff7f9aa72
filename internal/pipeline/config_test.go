package pipeline

import (
	"strings"
	"testing"
)

const validDoc = `
pipeline:
  stages:
    - name: session_starter
      enabled: true
    - name: input_guardrails
      enabled: true
    - name: check_cache
      enabled: true
    - name: dialog_analysis
      enabled: true
    - name: classification
      enabled: true
    - name: metadata_filtering
      enabled: true
    - name: vector_search
      enabled: true
    - name: lexical_search
      enabled: true
    - name: fusion
      enabled: true
    - name: rerank
      enabled: true
    - name: state_machine
      enabled: true
    - name: routing
      enabled: true
    - name: generation
      enabled: true
    - name: archive_session
      enabled: true
    - name: store_in_cache
      enabled: true
  details:
    vector_search:
      top_k: 8
    rerank:
      provider: cosine
`

func TestParseConfigValid(t *testing.T) {
	cfg, err := ParseConfig([]byte(validDoc))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if !cfg.Enabled(StageFusion) {
		t.Error("fusion should be enabled")
	}
	order := cfg.EnabledInOrder()
	if order[0] != StageSessionStarter || order[len(order)-1] != StageStoreInCache {
		t.Errorf("unexpected order: %v", order)
	}

	var details struct {
		TopK int `yaml:"top_k"`
	}
	if err := cfg.DecodeDetails(StageVectorSearch, &details); err != nil {
		t.Fatalf("DecodeDetails: %v", err)
	}
	if details.TopK != 8 {
		t.Errorf("top_k = %d, want 8", details.TopK)
	}
	// absent details are a no-op
	if err := cfg.DecodeDetails(StageGeneration, &details); err != nil {
		t.Errorf("DecodeDetails for absent stage: %v", err)
	}
}

func TestValidateFusionRequiresBothLegs(t *testing.T) {
	doc := strings.Replace(validDoc, "- name: lexical_search\n      enabled: true", "- name: lexical_search\n      enabled: false", 1)
	_, err := ParseConfig([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "fusion requires both") {
		t.Fatalf("expected fusion validation error, got %v", err)
	}
}

func TestValidateOrderingDependencies(t *testing.T) {
	cases := []struct {
		disable string
		wantErr string
	}{
		{"rerank", `"state_machine" requires "rerank"`},
		{"state_machine", `"routing" requires "state_machine"`},
		{"routing", `"generation" requires "routing"`},
	}
	for _, tc := range cases {
		doc := strings.Replace(validDoc,
			"- name: "+tc.disable+"\n      enabled: true",
			"- name: "+tc.disable+"\n      enabled: false", 1)
		_, err := ParseConfig([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("disable %s: expected %q, got %v", tc.disable, tc.wantErr, err)
		}
	}
}

func TestValidateRejectsUnknownAndDuplicates(t *testing.T) {
	cfg := &Config{Stages: []StageConfig{{Name: "mystery", Enabled: true}}}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown stage accepted")
	}
	cfg = &Config{Stages: []StageConfig{
		{Name: StageFusion, Enabled: false},
		{Name: StageFusion, Enabled: true},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate stage accepted")
	}
}

func TestValidateRejectsNonCanonicalOrder(t *testing.T) {
	cfg := &Config{Stages: []StageConfig{
		{Name: StageRouting, Enabled: true},
		{Name: StageStateMachine, Enabled: true},
	}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must precede") {
		t.Fatalf("expected ordering error, got %v", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
