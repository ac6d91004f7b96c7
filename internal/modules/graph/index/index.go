package index

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/domain/graph"
)

// Entry is one indexable node.
type Entry struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Tags      graph.Tags
	Vector    []float32
}

type Candidate struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Tags       graph.Tags
	Similarity float64
}

// Index is an exact in-memory cosine index over one user's nodes. It is built
// per run and never persisted.
type Index struct {
	dim     int
	entries []entry
	byID    map[uuid.UUID]int
}

type entry struct {
	Entry
	unit []float64
}

// Build normalises every vector once. Entries with an empty or zero vector,
// or a dimension differing from the first usable entry, are left out.
func Build(entries []Entry) *Index {
	ix := &Index{byID: make(map[uuid.UUID]int, len(entries))}
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if ix.dim == 0 {
			ix.dim = len(e.Vector)
		}
		if len(e.Vector) != ix.dim {
			continue
		}
		unit, ok := normalize(e.Vector)
		if !ok {
			continue
		}
		if _, dup := ix.byID[e.ID]; dup {
			continue
		}
		ix.byID[e.ID] = len(ix.entries)
		ix.entries = append(ix.entries, entry{Entry: e, unit: unit})
	}
	return ix
}

func (ix *Index) Len() int { return len(ix.entries) }

func (ix *Index) Dim() int { return ix.dim }

func (ix *Index) Get(id uuid.UUID) (Entry, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[i].Entry, true
}

// TopK returns up to k entries with cosine similarity >= minScore against
// query, highest first, ties broken by lower id. exclude may be nil.
func (ix *Index) TopK(query []float32, k int, minScore float64, exclude func(uuid.UUID) bool) []Candidate {
	if k <= 0 || len(query) != ix.dim || ix.dim == 0 {
		return nil
	}
	q, ok := normalize(query)
	if !ok {
		return nil
	}
	out := make([]Candidate, 0, k)
	for _, e := range ix.entries {
		if exclude != nil && exclude(e.ID) {
			continue
		}
		s := dot(q, e.unit)
		if s < minScore {
			continue
		}
		out = append(out, Candidate{ID: e.ID, SessionID: e.SessionID, Tags: e.Tags, Similarity: s})
	}
	SortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// SortCandidates orders by similarity descending, then id ascending.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		return graph.LessID(c[i].ID, c[j].ID)
	})
}

func normalize(v []float32) ([]float64, bool) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	n := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f) / n
	}
	return out, true
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
