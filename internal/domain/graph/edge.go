package graph

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EdgeStateCreated             = "created"
	EdgeStateReflectionProcessed = "reflection_processed"
)

const (
	SessionRelationSame      = "same"
	SessionRelationDifferent = "different"
)

const (
	EdgeTypeThoughtProgression     = "thought_progression"
	EdgeTypeEmotionShift           = "emotion_shift"
	EdgeTypeThemeRepetition        = "theme_repetition"
	EdgeTypeIdentityDrift          = "identity_drift"
	EdgeTypeEmotionalContradiction = "emotional_contradiction"
	EdgeTypeBeliefContradiction    = "belief_contradiction"
	EdgeTypeUnresolvedLoop         = "unresolved_loop"
)

var EdgeTypes = []string{
	EdgeTypeThoughtProgression,
	EdgeTypeEmotionShift,
	EdgeTypeThemeRepetition,
	EdgeTypeIdentityDrift,
	EdgeTypeEmotionalContradiction,
	EdgeTypeBeliefContradiction,
	EdgeTypeUnresolvedLoop,
}

func ValidEdgeType(t string) bool {
	for _, v := range EdgeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Edge links two nodes of the same user. FromNodeID < ToNodeID always holds,
// so (UserID, FromNodeID, ToNodeID) identifies the pair regardless of which
// end produced it.
type Edge struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_graph_edge_pair,priority:1;index:idx_graph_edge_user_state,priority:1" json:"user_id"`
	FromNodeID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_graph_edge_pair,priority:2" json:"from_node_id"`
	ToNodeID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_graph_edge_pair,priority:3;index" json:"to_node_id"`
	OriginNodeID    uuid.UUID `gorm:"type:uuid;not null" json:"origin_node_id"`
	EdgeType        string    `gorm:"column:edge_type;not null" json:"edge_type"`
	MatchStrength   float64   `gorm:"column:match_strength;not null" json:"match_strength"`
	Similarity      float64   `gorm:"column:similarity;not null" json:"similarity"`
	Confidence      float64   `gorm:"column:confidence;not null" json:"confidence"`
	SessionRelation string    `gorm:"column:session_relation;not null" json:"session_relation"`
	Explanation     string    `gorm:"column:explanation" json:"explanation,omitempty"`
	ProcessingState string    `gorm:"column:processing_state;not null;default:created;index:idx_graph_edge_user_state,priority:2" json:"processing_state"`

	Lease `gorm:"embedded"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Edge) TableName() string { return "graph_edge" }

func (e *Edge) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ProcessingState == "" {
		e.ProcessingState = EdgeStateCreated
	}
	e.FromNodeID, e.ToNodeID = CanonicalPair(e.FromNodeID, e.ToNodeID)
	return nil
}

// LessID orders ids by their bytes, which matches the textual order of the
// canonical uuid form used by both supported databases.
func LessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if LessID(b, a) {
		return b, a
	}
	return a, b
}

func SessionRelation(a, b uuid.UUID) string {
	if a == b {
		return SessionRelationSame
	}
	return SessionRelationDifferent
}

