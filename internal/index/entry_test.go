package index

import "testing"

func TestLanguageFor(t *testing.T) {
	cases := []struct {
		filename string
		wantLang Language
		wantOK   bool
	}{
		{"main.go", LangGo, true},
		{"lib.rs", LangRust, true},
		{"app.tsx", LangTypeScript, true},
		{"script.py", LangPython, true},
		{"Readme.md", "", false},
		{"noext", "", false},
	}
	for _, c := range cases {
		lang, ok := LanguageFor(c.filename)
		if ok != c.wantOK || lang != c.wantLang {
			t.Errorf("LanguageFor(%q) = (%q, %v), want (%q, %v)", c.filename, lang, ok, c.wantLang, c.wantOK)
		}
	}
}

func TestEntry_LineCount(t *testing.T) {
	e := Entry{StartLine: 10, EndLine: 14}
	if got := e.LineCount(); got != 5 {
		t.Errorf("LineCount() = %d, want 5", got)
	}

	single := Entry{StartLine: 3, EndLine: 3}
	if got := single.LineCount(); got != 1 {
		t.Errorf("LineCount() = %d, want 1", got)
	}
}
