package app

import (
	"gorm.io/gorm"

	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	jobrepos "github.com/yungbote/smriti-backend/internal/data/repos/jobs"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Repos struct {
	Node       graphrepos.NodeRepo
	Edge       graphrepos.EdgeRepo
	Reflection graphrepos.ReflectionRepo
	ErrorLog   graphrepos.ErrorLogRepo
	JobRun     jobrepos.JobRunRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Node:       graphrepos.NewNodeRepo(db, log),
		Edge:       graphrepos.NewEdgeRepo(db, log),
		Reflection: graphrepos.NewReflectionRepo(db, log),
		ErrorLog:   graphrepos.NewErrorLogRepo(db, log),
		JobRun:     jobrepos.NewJobRunRepo(db, log),
	}
}
