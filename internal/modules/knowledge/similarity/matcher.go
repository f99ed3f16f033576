package similarity

import (
	"math"
	"sort"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
)

const (
	DefaultAdmission = 0.3
	DefaultTopK      = 5
)

// Cosine returns the cosine similarity of a and b in [-1, 1]. Mismatched lengths and
// zero-norm vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clampUnit(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// Candidate is one existing concept that cleared admission.
type Candidate struct {
	Concept    *knowledge.Concept
	Similarity float64
}

// Pool is the embedded existing-concept set for one synthesis run. Norms are
// computed once so each candidate search is a single dot-product pass.
type Pool struct {
	concepts []*knowledge.Concept
	norms    []float64
}

// NewPool keeps concepts that carry an embedding; others cannot be compared.
func NewPool(concepts []*knowledge.Concept) *Pool {
	p := &Pool{}
	for _, c := range concepts {
		if c == nil || len(c.Embedding) == 0 {
			continue
		}
		n := norm(c.Embedding)
		if n == 0 {
			continue
		}
		p.concepts = append(p.concepts, c)
		p.norms = append(p.norms, n)
	}
	return p
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.concepts)
}

type Matcher struct {
	admission float64
	topK      int
}

func NewMatcher(admission float64, topK int) *Matcher {
	if admission <= 0 || admission >= 1 {
		admission = DefaultAdmission
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Matcher{admission: admission, topK: topK}
}

// FindCandidates ranks pool concepts by cosine similarity to vec, drops those below
// admission and returns at most topK, best first. Ties break on name key so the
// ranking is deterministic.
func (m *Matcher) FindCandidates(vec []float32, pool *Pool) []Candidate {
	if len(vec) == 0 || pool.Len() == 0 {
		return nil
	}
	vn := norm(vec)
	if vn == 0 {
		return nil
	}
	out := make([]Candidate, 0, m.topK)
	for i, c := range pool.concepts {
		if len(c.Embedding) != len(vec) {
			continue
		}
		var dot float64
		for j := range vec {
			dot += float64(vec[j]) * float64(c.Embedding[j])
		}
		sim := clampUnit(dot / (vn * pool.norms[i]))
		if sim < m.admission {
			continue
		}
		out = append(out, Candidate{Concept: c, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Concept.NameKey < out[j].Concept.NameKey
	})
	if len(out) > m.topK {
		out = out[:m.topK]
	}
	return out
}
