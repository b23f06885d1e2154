package knowledge

import "testing"

func TestClassifyByType(t *testing.T) {
	cases := []struct {
		kind Type
		want Layer
	}{
		{TypeProcedural, LayerDomain},
		{TypeTechnicalDiscovery, LayerDomain},
		{TypeExperiential, LayerExperience},
		{TypeContextual, LayerSession},
		{TypeFactual, LayerDynamic},
		{TypeRelational, LayerDynamic},
		{TypePatternRecognition, LayerDynamic},
		{"unknown", LayerDynamic},
	}

	for _, mode := range []Mode{ModeDirect, ModeTool} {
		classifier := NewClassifier(mode)
		for _, tc := range cases {
			got := classifier.Classify(Item{KnowledgeType: tc.kind, ImportanceScore: 40})
			if got != tc.want {
				t.Errorf("mode %d: Classify(%s) = %s, want %s", mode, tc.kind, got, tc.want)
			}
		}
	}
}

func TestClassifyHighImportanceEscalation(t *testing.T) {
	item := Item{KnowledgeType: TypeFactual, ImportanceScore: 95}

	if got := NewClassifier(ModeTool).Classify(item); got != LayerStrategic {
		t.Errorf("tool mode: Classify = %s, want strategic", got)
	}
	// Direct mode never consults importance.
	if got := NewClassifier(ModeDirect).Classify(item); got != LayerDynamic {
		t.Errorf("direct mode: Classify = %s, want dynamic", got)
	}
}

func TestClassifyEscalationBoundary(t *testing.T) {
	classifier := NewClassifier(ModeTool)

	// Exactly 80 does not escalate; the rule is strictly greater-than.
	at := Item{KnowledgeType: TypeFactual, ImportanceScore: 80}
	if got := classifier.Classify(at); got != LayerDynamic {
		t.Errorf("Classify(importance=80) = %s, want dynamic", got)
	}
	above := Item{KnowledgeType: TypeFactual, ImportanceScore: 81}
	if got := classifier.Classify(above); got != LayerStrategic {
		t.Errorf("Classify(importance=81) = %s, want strategic", got)
	}
}

func TestClassifyThenScoreStable(t *testing.T) {
	scorer := NewScorer(ModeTool)
	classifier := NewClassifier(ModeTool)
	item := Item{KnowledgeType: TypeProcedural, ImportanceScore: 70, AccessCount: 2}

	layer, score := classifier.Classify(item), scorer.Score(item)
	for i := 0; i < 5; i++ {
		if l := classifier.Classify(item); l != layer {
			t.Fatalf("layer changed: %s != %s", l, layer)
		}
		if s := scorer.Score(item); s != score {
			t.Fatalf("score changed: %f != %f", s, score)
		}
	}
}
