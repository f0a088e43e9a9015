package rowstore

import "time"

// DocumentPage and DocumentResult describe the analytics-sink tables the
// persist stage writes into. The store itself works on raw table names;
// these models exist so migrations can create the schema.

type DocumentPage struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID string    `gorm:"column:document_id;type:uuid;not null;index" json:"document_id"`
	PageID     string    `gorm:"column:page_id;not null" json:"page_id"`
	PageNo     int       `gorm:"column:page_no;not null" json:"page_no"`
	Text       string    `gorm:"column:text" json:"text"`
	Confidence float64   `gorm:"column:confidence" json:"confidence"`
	CreatedAt  time.Time `gorm:"not null;index" json:"created_at"`
}

func (DocumentPage) TableName() string { return "document_page" }

type DocumentResult struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID string    `gorm:"column:document_id;type:uuid;not null;index" json:"document_id"`
	JobID      string    `gorm:"column:job_id;type:uuid;not null;index" json:"job_id"`
	Pages      int       `gorm:"column:pages;not null" json:"pages"`
	Confidence float64   `gorm:"column:confidence" json:"confidence"`
	Entities   int       `gorm:"column:entities" json:"entities"`
	CreatedAt  time.Time `gorm:"not null;index" json:"created_at"`
}

func (DocumentResult) TableName() string { return "document_result" }
