package index

import "testing"

func TestTokenize_DropsCommentsAndWhitespace(t *testing.T) {
	body := `func add(a, b int) int {
	// sum the two inputs
	return a + b
}`
	tokens := tokenize(LangGo, body)
	if len(tokens) == 0 {
		t.Fatal("expected non-empty token stream")
	}
	for _, tok := range tokens {
		if tok == "// sum the two inputs" {
			t.Errorf("comment leaked into token stream: %q", tok)
		}
	}
}

func TestStructuralSimHash_IdenticalBodiesMatch(t *testing.T) {
	body := `func add(a, b int) int { return a + b }`
	h1 := structuralSimHash(LangGo, body)
	h2 := structuralSimHash(LangGo, body)
	if h1 != h2 {
		t.Errorf("identical bodies produced different hashes: %x vs %x", h1, h2)
	}
	if h1 == 0 {
		t.Error("expected non-zero hash for non-empty body")
	}
}

func TestStructuralSimHash_RenamedIdentifiersStayClose(t *testing.T) {
	a := `func add(a, b int) int { return a + b }`
	b := `func sum(x, y int) int { return x + y }`
	ha := structuralSimHash(LangGo, a)
	hb := structuralSimHash(LangGo, b)
	if d := hammingDistance(ha, hb); d > SimHashMaxDistance {
		t.Errorf("renamed-identifier variant exceeded max distance: %d > %d", d, SimHashMaxDistance)
	}
}

func TestHammingDistance_SameValueIsZero(t *testing.T) {
	if d := hammingDistance(0xFF, 0xFF); d != 0 {
		t.Errorf("hammingDistance(x, x) = %d, want 0", d)
	}
	if d := hammingDistance(0x00, 0xFF); d != 8 {
		t.Errorf("hammingDistance(0x00, 0xFF) = %d, want 8", d)
	}
}

func TestStructuralSimHash_UnsupportedLanguageIsZero(t *testing.T) {
	if h := structuralSimHash(Language("cobol"), "DISPLAY 'HI'."); h != 0 {
		t.Errorf("expected zero hash for unsupported language, got %x", h)
	}
}
