package graph

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	FeedbackNegative = -1
	FeedbackNeutral  = 0
	FeedbackPositive = 1
)

func ValidFeedback(v int) bool {
	return v == FeedbackNegative || v == FeedbackNeutral || v == FeedbackPositive
}

// Reflection is generated once from a cluster of edges. Only Feedback changes
// afterwards.
type Reflection struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID        `gorm:"type:uuid;not null;index" json:"user_id"`
	GeneratedText string           `gorm:"column:generated_text;not null" json:"-"`
	NodeIDs       datatypes.JSON   `gorm:"column:node_ids" json:"node_ids"`
	Feedback      *int             `gorm:"column:feedback" json:"feedback,omitempty"`
	Edges         []ReflectionEdge `gorm:"foreignKey:ReflectionID;constraint:OnDelete:CASCADE" json:"edges,omitempty"`
	CreatedAt     time.Time        `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"not null" json:"updated_at"`
}

func (Reflection) TableName() string { return "graph_reflection" }

func (r *Reflection) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// EdgeIDs returns the referenced edges in their stored order.
func (r *Reflection) EdgeIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.Edges))
	for _, e := range r.Edges {
		out = append(out, e.EdgeID)
	}
	return out
}

func (r *Reflection) SetNodeIDs(ids []uuid.UUID) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	r.NodeIDs = datatypes.JSON(raw)
	return nil
}

// ReflectionEdge is the weak reference from a reflection to an edge. EdgeID is
// unique so an edge belongs to at most one reflection.
type ReflectionEdge struct {
	ReflectionID uuid.UUID `gorm:"type:uuid;primaryKey" json:"reflection_id"`
	Position     int       `gorm:"primaryKey;autoIncrement:false" json:"position"`
	EdgeID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"edge_id"`
}

func (ReflectionEdge) TableName() string { return "graph_reflection_edge" }
