package index

import (
	"regexp"
	"strings"
)

// funcHeaderPatterns recognizes a function/method declaration line per
// language. This is a heuristic line-based extractor, not a parser: a full
// AST walk per language is out of scope for this port (spec.md §4.8 only
// specifies the cascade a parser feeds, not a from-scratch parser for nine
// languages).
var funcHeaderPatterns = map[Language]*regexp.Regexp{
	LangGo:         regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`),
	LangRust:       regexp.MustCompile(`^(?:pub\s+)?(?:async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)\s*[(<]`),
	LangJava:       regexp.MustCompile(`^(?:public|private|protected|static|final|\s)*[\w<>\[\]]+\s+([A-Za-z_][A-Za-z0-9_]*)\s*\([^;]*\)\s*\{?$`),
	LangCSharp:     regexp.MustCompile(`^(?:public|private|protected|internal|static|async|override|virtual|\s)*[\w<>\[\],\s]+\s+([A-Za-z_][A-Za-z0-9_]*)\s*\([^;]*\)\s*\{?$`),
	LangC:          regexp.MustCompile(`^[\w\*\s]+\s([A-Za-z_][A-Za-z0-9_]*)\s*\([^;]*\)\s*\{?$`),
	LangCPP:        regexp.MustCompile(`^[\w:\*\s~<>]+\s([A-Za-z_~][A-Za-z0-9_]*)\s*\([^;]*\)\s*\{?$`),
	LangTypeScript: regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`),
	LangPython:     regexp.MustCompile(`^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`),
	LangRuby:       regexp.MustCompile(`^def\s+([A-Za-z_][A-Za-z0-9_?!]*)`),
}

// braceLanguages close a function body with a matching '}'; indentLanguages
// (python, ruby) close on dedent.
var braceLanguages = map[Language]bool{
	LangGo: true, LangRust: true, LangJava: true, LangCSharp: true,
	LangC: true, LangCPP: true, LangTypeScript: true,
}

// Extracted is one candidate function span found by ExtractFunctions,
// before the caller decides whether it meets the minimum-line threshold.
type Extracted struct {
	Name      string
	StartLine int
	EndLine   int
	Body      string
}

// ExtractFunctions scans source line-by-line for function declarations in
// lang and returns each one's span.
func ExtractFunctions(lang Language, source string) []Extracted {
	pattern, ok := funcHeaderPatterns[lang]
	if !ok {
		return nil
	}
	lines := strings.Split(source, "\n")

	var out []Extracted
	if braceLanguages[lang] {
		out = extractBraceFunctions(pattern, lines)
	} else {
		out = extractIndentFunctions(pattern, lines)
	}
	return out
}

func extractBraceFunctions(pattern *regexp.Regexp, lines []string) []Extracted {
	var out []Extracted
	for i := 0; i < len(lines); i++ {
		m := pattern.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			continue
		}
		depth := strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
		end := i
		if depth == 0 {
			// Header and opening brace may be on the following line(s).
			for j := i + 1; j < len(lines) && depth == 0; j++ {
				depth += strings.Count(lines[j], "{") - strings.Count(lines[j], "}")
				end = j
			}
		}
		for depth > 0 && end+1 < len(lines) {
			end++
			depth += strings.Count(lines[end], "{") - strings.Count(lines[end], "}")
		}
		out = append(out, Extracted{
			Name:      m[1],
			StartLine: i + 1,
			EndLine:   end + 1,
			Body:      strings.Join(lines[i:min(end+1, len(lines))], "\n"),
		})
	}
	return out
}

func extractIndentFunctions(pattern *regexp.Regexp, lines []string) []Extracted {
	var out []Extracted
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		m := pattern.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		indent := leadingWhitespace(lines[i])
		end := i
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				end = j
				continue
			}
			if leadingWhitespace(lines[j]) <= indent {
				break
			}
			end = j
		}
		out = append(out, Extracted{
			Name:      m[1],
			StartLine: i + 1,
			EndLine:   end + 1,
			Body:      strings.Join(lines[i:end+1], "\n"),
		})
	}
	return out
}

func leadingWhitespace(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\t' {
			break
		}
		n++
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
