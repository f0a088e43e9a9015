package rowstore

import (
	"gorm.io/gorm"

	"github.com/harvestly/ingest-backend/internal/platform/dbctx"
	"github.com/harvestly/ingest-backend/internal/platform/logger"
)

// Store writes pipeline output rows into arbitrary tables. The persist
// stage is the only writer; tables are created by migrations, not here.
type Store interface {
	Insert(dbc dbctx.Context, table string, rows []map[string]interface{}) error
	Query(dbc dbctx.Context, table string, where map[string]interface{}, limit int) ([]map[string]interface{}, error)
	Count(dbc dbctx.Context, table string, where map[string]interface{}) (int64, error)
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Store {
	return &store{db: db, log: baseLog.With("service", "RowStore")}
}

func (s *store) Insert(dbc dbctx.Context, table string, rows []map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	if len(rows) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Table(table).Create(rows).Error
}

func (s *store) Query(dbc dbctx.Context, table string, where map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	q := transaction.WithContext(dbc.Ctx).Table(table)
	if len(where) > 0 {
		q = q.Where(where)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []map[string]interface{}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *store) Count(dbc dbctx.Context, table string, where map[string]interface{}) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	q := transaction.WithContext(dbc.Ctx).Table(table)
	if len(where) > 0 {
		q = q.Where(where)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
