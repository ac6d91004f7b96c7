package domain

import (
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
)

type (
	Node           = graph.Node
	Edge           = graph.Edge
	Reflection     = graph.Reflection
	ReflectionEdge = graph.ReflectionEdge
	ErrorLog       = graph.ErrorLog
	Vector         = graph.Vector

	JobRun = jobs.JobRun
)

// Models lists every persisted record, in migration order.
func Models() []any {
	return []any{
		&graph.Node{},
		&graph.Edge{},
		&graph.Reflection{},
		&graph.ReflectionEdge{},
		&graph.ErrorLog{},
		&jobs.JobRun{},
	}
}
