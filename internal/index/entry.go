// Package index maintains, per workspace, a concurrent function-similarity
// store: near-duplicate detection over the functions in a codebase, fed
// incrementally by internal/fileindex's change-set stream. Grounded on
// spec.md §4.8; the cascade filter chain (size ratio -> SimHash -> AST
// fingerprint prefilter -> full edit distance) has no teacher analog, so
// each stage is built from pack libraries: alecthomas/chroma/v2 (full
// example repo teradata-labs-loom's dependency) for per-language lexing,
// agnivade/levenshtein (teacher's own dependency) as the tree-edit-distance
// proxy, and hash/fnv + popcount for the structural SimHash (no pack
// library ships one, so that piece is stdlib, justified in DESIGN.md).
package index

// Language is one of the cascade's supported source languages.
type Language string

const (
	LangTypeScript Language = "typescript"
	LangRust       Language = "rust"
	LangGo         Language = "go"
	LangJava       Language = "java"
	LangC          Language = "c"
	LangCPP        Language = "cpp"
	LangCSharp     Language = "csharp"
	LangRuby       Language = "ruby"
	LangPython     Language = "python"
)

// supportedExtensions maps file extensions to the cascade's language set. A
// file whose extension is absent here has no entries, per spec.md's
// Indexed Function Entry invariant.
var supportedExtensions = map[string]Language{
	".ts": LangTypeScript, ".tsx": LangTypeScript, ".js": LangTypeScript, ".jsx": LangTypeScript,
	".rs":  LangRust,
	".go":  LangGo,
	".java": LangJava,
	".c":   LangC,
	".h":   LangC,
	".cpp": LangCPP, ".cc": LangCPP, ".hpp": LangCPP,
	".cs": LangCSharp,
	".rb": LangRuby,
	".py": LangPython,
}

// LanguageFor resolves a file's extension to a supported language, or false
// if the file falls outside the supported-language set.
func LanguageFor(filename string) (Language, bool) {
	ext := extOf(filename)
	lang, ok := supportedExtensions[ext]
	return lang, ok
}

func extOf(filename string) string {
	dot := -1
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			dot = i
			break
		}
		if filename[i] == '/' {
			break
		}
	}
	if dot == -1 {
		return ""
	}
	return filename[dot:]
}

// Entry is one indexed function, per spec.md's Indexed Function Entry.
type Entry struct {
	Name            string
	FilePath        string
	StartLine       int
	EndLine         int
	ASTFingerprint  string // always empty in this port: nothing computes it (no OXC binding), so Query's fingerprint stage never runs
	StructuralSimHash uint64
	BodyText        string
	Language        Language
}

// LineCount reports the function's span length, used by the size-ratio
// prefilter.
func (e Entry) LineCount() int {
	n := e.EndLine - e.StartLine + 1
	if n < 1 {
		return 1
	}
	return n
}
