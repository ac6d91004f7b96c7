package graph

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	NodeStateCreated       = "created"
	NodeStateEmbedded      = "embedded"
	NodeStateEdgeProcessed = "edge_processed"
)

// Node is one extracted thought. Text is ciphertext; plaintext only lives in
// memory for the duration of a stage call.
type Node struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID `gorm:"type:uuid;not null;index:idx_graph_node_user_state,priority:1" json:"user_id"`
	SessionID       uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	Text            string    `gorm:"column:text;not null" json:"-"`
	Emotion         string    `gorm:"column:emotion" json:"emotion,omitempty"`
	Theme           string    `gorm:"column:theme" json:"theme,omitempty"`
	CognitionType   string    `gorm:"column:cognition_type" json:"cognition_type,omitempty"`
	Embedding       Vector    `gorm:"column:embedding" json:"-"`
	ProcessingState string    `gorm:"column:processing_state;not null;default:created;index:idx_graph_node_user_state,priority:2" json:"processing_state"`

	Lease `gorm:"embedded"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Node) TableName() string { return "graph_node" }

func (n *Node) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.ProcessingState == "" {
		n.ProcessingState = NodeStateCreated
	}
	return nil
}

// Tags is the classification-relevant metadata of a node.
type Tags struct {
	Emotion       string `json:"emotion,omitempty"`
	Theme         string `json:"theme,omitempty"`
	CognitionType string `json:"cognition_type,omitempty"`
}

func (n *Node) Tags() Tags {
	return Tags{Emotion: n.Emotion, Theme: n.Theme, CognitionType: n.CognitionType}
}
