package verify

import "testing"

func TestNameSimilarity_ExactMatch(t *testing.T) {
	// Same KYC name with different casing and accents
	score := NameSimilarity("José Pérez García", "JOSE PEREZ GARCIA")
	if score != 1.0 {
		t.Errorf("Expected score 1.0 for normalized-equal names, got %f", score)
	}
}

func TestNameSimilarity_Containment(t *testing.T) {
	// Bank truncates to two surnames; venue carries the full name
	score := NameSimilarity("JUAN PEREZ", "JUAN PEREZ GARCIA")
	if score != 0.8 {
		t.Errorf("Expected score 0.8 for containment, got %f", score)
	}
}

func TestNameSimilarity_TokenOverlap(t *testing.T) {
	// Reordered names: 2 of 3 significant tokens shared
	score := NameSimilarity("JUAN CARLOS PEREZ", "PEREZ LOPEZ JUAN")
	expected := 2.0 / 3.0
	if score < expected-0.0001 || score > expected+0.0001 {
		t.Errorf("Expected score %.4f, got %f", expected, score)
	}
}

func TestNameSimilarity_SkipsConnectives(t *testing.T) {
	// "DE" and "LA" are shorter than 3 runes and must not count as tokens
	score := NameSimilarity("MARIA DE LA CRUZ", "CRUZ MARIA")
	if score != 1.0 {
		t.Errorf("Expected score 1.0 (both significant tokens shared), got %f", score)
	}
}

func TestNameSimilarity_Disjoint(t *testing.T) {
	score := NameSimilarity("MARIA LOPEZ TORRES", "JUAN PEREZ GARCIA")
	if score != 0 {
		t.Errorf("Expected score 0 for disjoint names, got %f", score)
	}
}

func TestNameSimilarity_EmptyInput(t *testing.T) {
	if score := NameSimilarity("", "JUAN PEREZ"); score != 0 {
		t.Errorf("Expected score 0 for empty name, got %f", score)
	}
	if score := NameSimilarity("...", "JUAN PEREZ"); score != 0 {
		t.Errorf("Expected score 0 for punctuation-only name, got %f", score)
	}
}

func TestNormalizeName(t *testing.T) {
	got := NormalizeName("  Núñez-García,  JOSÉ  ")
	if got != "nunez garcia jose" {
		t.Errorf("Expected \"nunez garcia jose\", got %q", got)
	}
}
