package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/data/claim"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/services"
)

type Claims struct {
	Nodes *claim.Coordinator
	Edges *claim.Coordinator
}

type Services struct {
	Jobs  services.JobService
	Graph services.GraphService
}

func wireClaims(db *gorm.DB, log *logger.Logger, cfg LeaseConfig) Claims {
	opts := claim.Options{
		TTL:         cfg.TTL,
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
	return Claims{
		Nodes: claim.New(db, log, types.Node{}.TableName(), opts),
		Edges: claim.New(db, log, types.Edge{}.TableName(), opts),
	}
}

func wireServices(db *gorm.DB, log *logger.Logger, r Repos) Services {
	log.Info("Wiring services...")
	return Services{
		Jobs:  services.NewJobService(db, log, r.JobRun),
		Graph: services.NewGraphService(log, r.Node, r.Edge, r.Reflection, r.ErrorLog),
	}
}
