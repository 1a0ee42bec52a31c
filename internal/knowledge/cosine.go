package knowledge

import (
	"math"
	"sort"
)

// cosine returns the cosine similarity of a and b, or -1 when undefined.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type scored struct {
	score   float64
	content string
}

// rankByCosine returns up to k contents ordered by similarity to query.
func rankByCosine(query []float32, docs []Document, k int) []string {
	ranked := make([]scored, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 || d.Content == "" {
			continue
		}
		ranked = append(ranked, scored{score: cosine(query, d.Embedding), content: d.Content})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.content
	}
	return out
}
