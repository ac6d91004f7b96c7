package graph

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StageEmbedding  = "embedding"
	StageEdges      = "edge_inference"
	StageReflection = "reflection_synthesis"
)

const (
	ErrorTypeEmbeddingExhausted  = "embedding_exhausted"
	ErrorTypeEdgeExhausted       = "edge_inference_exhausted"
	ErrorTypeReflectionExhausted = "reflection_exhausted"
	ErrorTypeDecryptFailed       = "decrypt_failed"
	ErrorTypeEncryptFailed       = "encrypt_failed"
)

// ErrorLog records items that stopped retrying and need manual follow-up.
type ErrorLog struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	SessionID *uuid.UUID `gorm:"type:uuid;index" json:"session_id,omitempty"`
	NodeID    *uuid.UUID `gorm:"type:uuid;index" json:"node_id,omitempty"`
	EdgeID    *uuid.UUID `gorm:"type:uuid;index" json:"edge_id,omitempty"`
	Stage     string     `gorm:"column:stage;not null;index" json:"stage"`
	ErrorType string     `gorm:"column:error_type;not null;index" json:"error_type"`
	Message   string     `gorm:"column:message" json:"message"`
	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
}

func (ErrorLog) TableName() string { return "graph_error_log" }

func (e *ErrorLog) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
