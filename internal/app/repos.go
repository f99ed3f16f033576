package app

import (
	"gorm.io/gorm"

	reviewrepo "github.com/yungbote/graphrecall/internal/data/repos/review"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

type Repos struct {
	ReviewSession reviewrepo.SessionRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		ReviewSession: reviewrepo.NewSessionRepo(db, log),
	}
}
