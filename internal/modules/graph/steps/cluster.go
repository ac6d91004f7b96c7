package steps

import (
	"github.com/google/uuid"

	types "github.com/yungbote/smriti-backend/internal/domain"
)

// Cluster is one connected component of claimed edges.
type Cluster struct {
	Edges   []*types.Edge
	NodeIDs []uuid.UUID
}

func (c Cluster) EdgeIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.Edges))
	for _, e := range c.Edges {
		out = append(out, e.ID)
	}
	return out
}

// ClusterEdges groups edges into connected components over the nodes they
// touch. Components come out in order of their first edge, and edges and
// nodes within a component keep input order. With connect=false every edge is
// its own cluster.
func ClusterEdges(edges []*types.Edge, connect bool) []Cluster {
	if len(edges) == 0 {
		return nil
	}
	if !connect {
		out := make([]Cluster, 0, len(edges))
		for _, e := range edges {
			out = append(out, Cluster{Edges: []*types.Edge{e}, NodeIDs: []uuid.UUID{e.FromNodeID, e.ToNodeID}})
		}
		return out
	}

	parent := map[uuid.UUID]uuid.UUID{}
	var find func(uuid.UUID) uuid.UUID
	find = func(x uuid.UUID) uuid.UUID {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p == x {
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	union := func(a, b uuid.UUID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}
	for _, e := range edges {
		union(e.FromNodeID, e.ToNodeID)
	}

	index := map[uuid.UUID]int{}
	var out []Cluster
	seen := map[uuid.UUID]bool{}
	for _, e := range edges {
		root := find(e.FromNodeID)
		i, ok := index[root]
		if !ok {
			i = len(out)
			index[root] = i
			out = append(out, Cluster{})
		}
		out[i].Edges = append(out[i].Edges, e)
		for _, n := range []uuid.UUID{e.FromNodeID, e.ToNodeID} {
			if !seen[n] {
				seen[n] = true
				out[i].NodeIDs = append(out[i].NodeIDs, n)
			}
		}
	}
	return out
}
