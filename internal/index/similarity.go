package index

import (
	"github.com/agnivade/levenshtein"
)

// Cascade tuning, per spec.md §4.8.
const (
	SizeRatioThreshold = 0.3
	SimHashMaxDistance = 25
	FingerprintThreshold = 0.5
	SimilarityThreshold  = 0.8
)

// Match is one candidate entry that survived the full cascade against a
// probe function.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Query runs the similarity cascade for probe against every candidate in
// the workspace, in the order described by spec.md §4.8. Candidates are
// rejected as cheaply as possible before the expensive final stage runs.
func Query(probe Entry, candidates []Entry) []Match {
	var matches []Match
	for _, cand := range candidates {
		if cand.FilePath == probe.FilePath && cand.Name == probe.Name && cand.StartLine == probe.StartLine {
			continue // skip self
		}
		if cand.Language != probe.Language {
			continue
		}
		if !sizeRatioOK(probe, cand) {
			continue
		}
		if probe.Language != LangTypeScript && probe.StructuralSimHash != 0 && cand.StructuralSimHash != 0 {
			if hammingDistance(probe.StructuralSimHash, cand.StructuralSimHash) > SimHashMaxDistance {
				continue
			}
		}
		if probe.Language == LangTypeScript {
			if probe.ASTFingerprint != "" && cand.ASTFingerprint != "" {
				if fingerprintSimilarity(probe.ASTFingerprint, cand.ASTFingerprint) < FingerprintThreshold {
					continue
				}
			}
		}

		sim := editDistanceSimilarity(probe.BodyText, cand.BodyText)
		if sim >= SimilarityThreshold {
			matches = append(matches, Match{Entry: cand, Similarity: sim})
		}
	}
	return matches
}

func sizeRatioOK(probe, cand Entry) bool {
	p, c := probe.LineCount(), cand.LineCount()
	minLines, maxLines := p, c
	if c < p {
		minLines, maxLines = c, p
	}
	return float64(minLines)/float64(maxLines) >= SizeRatioThreshold
}

// fingerprintSimilarity is a placeholder ratio over the AST fingerprint
// string (no OXC binding is wired in this port — see entry.go): 1.0 for
// equal fingerprints, otherwise the Levenshtein ratio of the two
// fingerprint strings, which Query compares against FingerprintThreshold.
func fingerprintSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return editDistanceSimilarity(a, b)
}

// editDistanceSimilarity is the final cascade stage: a Levenshtein-based
// similarity ratio over the raw body text, used as the tree-edit-distance
// proxy spec.md §4.8 calls for (no tree-sitter binding is wired in this
// port; levenshtein over source text is the practical substitute pack
// library agnivade/levenshtein provides).
func editDistanceSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(dist)/float64(maxLen)
}
