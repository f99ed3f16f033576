package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&knowledge.ReviewSessionRow{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}
