package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectDocument  = "document"
	errorSubjectBatch     = "batch"
	errorSubjectSchema    = "schema"
	errorCodeRead         = "read"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeReplace      = "replace"
	errorCodeStale        = "stale"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeMigrate      = "migrate"
)

// Store implements ledger.DocumentStore and ledger.DocumentLister using GORM.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the ledger_documents table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&Document{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) Read(ctx context.Context, partition string, id string) (ledger.Document, error) {
	var row Document
	err := store.db.WithContext(ctx).
		Where("partition_key = ? AND document_id = ?", partition, id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeRead, ledger.ErrDocumentNotFound)
		}
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeRead, err)
	}
	return mapDocument(row), nil
}

// ExecuteBatch applies the operations inside one database transaction. A
// replace is an update conditioned on the stored version.
func (store *Store) ExecuteBatch(ctx context.Context, partition string, operations []ledger.Operation) error {
	if err := ledger.ValidateBatch(partition, operations); err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	now := store.now().UTC()
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, operation := range operations {
			var err error
			switch operation.Type {
			case ledger.OperationCreate:
				err = createDocument(transaction, partition, operation.Document, now)
			case ledger.OperationReplace:
				err = replaceDocument(transaction, partition, operation.Document, operation.ExpectedVersion, now)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func createDocument(transaction *gorm.DB, partition string, document ledger.Document, now time.Time) error {
	row := Document{
		PartitionKey:    partition,
		DocumentID:      document.ID,
		DocumentType:    string(document.Type),
		Version:         1,
		Body:            datatypes.JSON(document.Body),
		CreatedUnixNano: createdUnixNano(document.CreatedAt, now),
		UpdatedAt:       now,
	}
	err := transaction.Create(&row).Error
	if isDuplicate(err) {
		return wrapStoreError(errorSubjectDocument, errorCodeDuplicate, fmt.Errorf("%w: %s", ledger.ErrDocumentExists, document.ID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeCreate, err)
	}
	return nil
}

func replaceDocument(transaction *gorm.DB, partition string, document ledger.Document, expected ledger.Version, now time.Time) error {
	expectedVersion, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeStale, fmt.Errorf("%w: %s has foreign version %q", ledger.ErrVersionMismatch, document.ID, expected))
	}
	result := transaction.
		Model(&Document{}).
		Where("partition_key = ? AND document_id = ? AND version = ?", partition, document.ID, expectedVersion).
		Updates(map[string]any{
			"document_type": string(document.Type),
			"body":          datatypes.JSON(document.Body),
			"version":       gorm.Expr("version + 1"),
			"updated_at":    now,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectDocument, errorCodeReplace, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectDocument, errorCodeStale, fmt.Errorf("%w: %s", ledger.ErrVersionMismatch, document.ID))
	}
	return nil
}

// List returns documents of one type, newest first.
func (store *Store) List(ctx context.Context, partition string, documentType ledger.DocumentType, limit int) ([]ledger.Document, error) {
	var rows []Document
	err := store.db.WithContext(ctx).
		Where("partition_key = ? AND document_type = ?", partition, string(documentType)).
		Order("created_unix_nano DESC").
		Order("document_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	documents := make([]ledger.Document, 0, len(rows))
	for _, row := range rows {
		documents = append(documents, mapDocument(row))
	}
	return documents, nil
}

func mapDocument(row Document) ledger.Document {
	return ledger.Document{
		ID:        row.DocumentID,
		Type:      ledger.DocumentType(row.DocumentType),
		Version:   ledger.Version(strconv.FormatInt(row.Version, 10)),
		CreatedAt: time.Unix(0, row.CreatedUnixNano).UTC(),
		Body:      []byte(row.Body),
	}
}

func createdUnixNano(createdAt time.Time, fallback time.Time) int64 {
	if createdAt.IsZero() {
		return fallback.UnixNano()
	}
	return createdAt.UnixNano()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
