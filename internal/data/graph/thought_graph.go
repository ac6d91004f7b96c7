package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/platform/neo4jdb"
)

// ThoughtGraphWriter mirrors a user's nodes and edges into Neo4j. Only ids,
// classifier metadata and edge scores leave the relational store.
type ThoughtGraphWriter struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewThoughtGraphWriter(client *neo4jdb.Client, baseLog *logger.Logger) *ThoughtGraphWriter {
	return &ThoughtGraphWriter{client: client, log: baseLog.With("graph", "ThoughtGraphWriter")}
}

// MirrorRows flattens nodes and edges into Cypher parameter rows. Rows of
// other users and edges whose ends are not in nodes are dropped.
func MirrorRows(userID uuid.UUID, nodes []*types.Node, edges []*types.Edge, syncedAt time.Time) (nodeRows, edgeRows []map[string]any) {
	stamp := syncedAt.UTC().Format(time.RFC3339Nano)
	known := make(map[uuid.UUID]bool, len(nodes))
	nodeRows = make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if n == nil || n.ID == uuid.Nil || n.UserID != userID {
			continue
		}
		known[n.ID] = true
		nodeRows = append(nodeRows, map[string]any{
			"id":               n.ID.String(),
			"session_id":       n.SessionID.String(),
			"emotion":          n.Emotion,
			"theme":            n.Theme,
			"cognition_type":   n.CognitionType,
			"processing_state": n.ProcessingState,
			"created_at":       n.CreatedAt.UTC().Format(time.RFC3339Nano),
			"synced_at":        stamp,
		})
	}
	edgeRows = make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		if e == nil || e.UserID != userID || !known[e.FromNodeID] || !known[e.ToNodeID] {
			continue
		}
		edgeRows = append(edgeRows, map[string]any{
			"id":               e.ID.String(),
			"from_id":          e.FromNodeID.String(),
			"to_id":            e.ToNodeID.String(),
			"edge_type":        e.EdgeType,
			"match_strength":   e.MatchStrength,
			"similarity":       e.Similarity,
			"confidence":       e.Confidence,
			"session_relation": e.SessionRelation,
			"processing_state": e.ProcessingState,
			"synced_at":        stamp,
		})
	}
	return nodeRows, edgeRows
}

func (w *ThoughtGraphWriter) UpsertThoughtGraph(ctx context.Context, userID uuid.UUID, nodes []*types.Node, edges []*types.Edge) error {
	if w == nil || w.client == nil || w.client.Driver == nil {
		return fmt.Errorf("neo4j client not configured")
	}
	if userID == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	nodeRows, edgeRows := MirrorRows(userID, nodes, edges, now)

	session := w.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: w.client.Database,
	})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT thought_user_id_unique IF NOT EXISTS FOR (u:ThoughtUser) REQUIRE u.id IS UNIQUE`,
		`CREATE CONSTRAINT thought_id_unique IF NOT EXISTS FOR (t:Thought) REQUIRE t.id IS UNIQUE`,
	} {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			w.log.Warn("neo4j schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		run := func(cypher string, params map[string]any) error {
			res, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return err
			}
			_, err = res.Consume(ctx)
			return err
		}
		if err := run(`
MERGE (u:ThoughtUser {id: $user_id})
SET u.synced_at = $synced_at
`, map[string]any{"user_id": userID.String(), "synced_at": now.Format(time.RFC3339Nano)}); err != nil {
			return nil, err
		}
		if len(nodeRows) > 0 {
			if err := run(`
UNWIND $rows AS r
MERGE (u:ThoughtUser {id: $user_id})
MERGE (t:Thought {id: r.id})
SET t.session_id = r.session_id,
    t.emotion = r.emotion,
    t.theme = r.theme,
    t.cognition_type = r.cognition_type,
    t.processing_state = r.processing_state,
    t.created_at = r.created_at,
    t.synced_at = r.synced_at
MERGE (u)-[:WROTE]->(t)
`, map[string]any{"user_id": userID.String(), "rows": nodeRows}); err != nil {
				return nil, err
			}
		}
		if len(edgeRows) > 0 {
			if err := run(`
UNWIND $rows AS r
MATCH (a:Thought {id: r.from_id})
MATCH (b:Thought {id: r.to_id})
MERGE (a)-[e:RELATES {id: r.id}]->(b)
SET e.edge_type = r.edge_type,
    e.match_strength = r.match_strength,
    e.similarity = r.similarity,
    e.confidence = r.confidence,
    e.session_relation = r.session_relation,
    e.processing_state = r.processing_state,
    e.synced_at = r.synced_at
`, map[string]any{"rows": edgeRows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}
