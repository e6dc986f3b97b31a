// Package database persists room store documents.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tariel-x/duocall/internal/roomstore"
)

// DocumentRecord is one store document.
type DocumentRecord struct {
	Path       string    `gorm:"type:varchar(512);primaryKey"`
	Collection string    `gorm:"type:varchar(512);index;not null"`
	Data       string    `gorm:"type:text;not null"`
	CreateTime time.Time `gorm:"not null"`
	UpdateTime time.Time `gorm:"not null"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

// Initialize opens the database for driver sqlite or postgres and migrates
// the schema.
func Initialize(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		// One connection keeps :memory: databases shared and avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&DocumentRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// DocumentRepository stores documents in SQL.
type DocumentRepository struct {
	db *gorm.DB
}

var _ roomstore.Persister = (*DocumentRepository)(nil)

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) SaveDocument(ctx context.Context, doc roomstore.Document) error {
	rec := DocumentRecord{
		Path:       doc.Path,
		Collection: roomstore.Parent(doc.Path),
		Data:       string(doc.Data),
		CreateTime: doc.CreateTime,
		UpdateTime: doc.UpdateTime,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (r *DocumentRepository) DeleteDocument(ctx context.Context, path string) error {
	return r.db.WithContext(ctx).Delete(&DocumentRecord{}, "path = ?", path).Error
}

func (r *DocumentRepository) LoadDocuments(ctx context.Context) ([]roomstore.Document, error) {
	var recs []DocumentRecord
	if err := r.db.WithContext(ctx).Order("create_time, path").Find(&recs).Error; err != nil {
		return nil, err
	}
	docs := make([]roomstore.Document, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, roomstore.Document{
			Path:       rec.Path,
			ID:         roomstore.BaseID(rec.Path),
			Data:       []byte(rec.Data),
			CreateTime: rec.CreateTime,
			UpdateTime: rec.UpdateTime,
		})
	}
	return docs, nil
}
