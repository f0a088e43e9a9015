package db

import (
	"gorm.io/gorm"

	"github.com/harvestly/ingest-backend/internal/data/rowstore"
	types "github.com/harvestly/ingest-backend/internal/domain/jobs"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Job{},
		&rowstore.DocumentPage{},
		&rowstore.DocumentResult{},
	)
}
