package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Document mirrors the ledger_documents table. One row per stored document;
// partition_key is the user id.
type Document struct {
	PartitionKey    string         `gorm:"primaryKey;size:255;index:idx_ledger_documents_listing,priority:1"`
	DocumentID      string         `gorm:"primaryKey;size:300"`
	DocumentType    string         `gorm:"size:32;not null;index:idx_ledger_documents_listing,priority:2"`
	Version         int64          `gorm:"not null"`
	Body            datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedUnixNano int64          `gorm:"not null;index:idx_ledger_documents_listing,priority:3"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

func (Document) TableName() string { return "ledger_documents" }
