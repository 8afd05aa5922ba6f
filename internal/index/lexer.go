package index

import (
	"hash/fnv"
	"math/bits"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
)

// chromaLexerName maps our language set to chroma's lexer names.
var chromaLexerName = map[Language]string{
	LangTypeScript: "typescript",
	LangRust:       "rust",
	LangGo:         "go",
	LangJava:       "java",
	LangC:          "c",
	LangCPP:        "cpp",
	LangCSharp:     "csharp",
	LangRuby:       "ruby",
	LangPython:     "python",
}

// tokenize lexes body with chroma's lexer for lang, returning the token
// values in order. Whitespace and comment tokens are dropped: the
// structural SimHash and edit-distance stages care about code shape, not
// formatting.
func tokenize(lang Language, body string) []string {
	name, ok := chromaLexerName[lang]
	if !ok {
		return nil
	}
	lexer := lexers.Get(name)
	if lexer == nil {
		return nil
	}

	it, err := lexer.Tokenise(nil, body)
	if err != nil {
		return nil
	}

	var tokens []string
	for tok := it(); tok != chroma.EOF; tok = it() {
		if tok.Type.InCategory(chroma.Comment) || tok.Type.InCategory(chroma.Text) {
			continue
		}
		value := strings.TrimSpace(tok.Value)
		if value == "" {
			continue
		}
		tokens = append(tokens, value)
	}
	return tokens
}

// structuralSimHash computes a 64-bit SimHash over body's token stream:
// each token contributes its FNV-1a hash, weighted +1/-1 per bit into an
// accumulator, then the sign of each accumulator bit becomes the result
// bit. Near-duplicate functions produce hashes with small Hamming
// distance.
func structuralSimHash(lang Language, body string) uint64 {
	tokens := tokenize(lang, body)
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			result |= 1 << uint(bit)
		}
	}
	return result
}

// hammingDistance is the number of differing bits between two SimHashes.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
