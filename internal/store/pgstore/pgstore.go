package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectDocument    = "document"
	errorSubjectBatch       = "batch"
	errorSubjectTransaction = "transaction"
	errorSubjectSchema      = "schema"
	errorCodeAcquire        = "acquire"
	errorCodeLock           = "lock"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeExecute        = "execute"
	errorCodeGet            = "get"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeStale          = "stale"

	sqlSelectDocument = `
		select document_type, version, body::text, created_unix_nano
		from ledger_documents
		where partition_key = $1 and document_id = $2
	`

	sqlInsertDocument = `
		insert into ledger_documents(partition_key, document_id, document_type, version, body, created_unix_nano, updated_at)
		values ($1, $2, $3, 1, $4::jsonb, $5, now())
		on conflict (partition_key, document_id) do nothing
	`

	sqlReplaceDocument = `
		update ledger_documents
		set document_type = $3, body = $4::jsonb, version = version + 1, updated_at = now()
		where partition_key = $1 and document_id = $2 and version = $5
	`

	sqlListDocuments = `
		select document_id, document_type, version, body::text, created_unix_nano
		from ledger_documents
		where partition_key = $1 and document_type = $2
		order by created_unix_nano desc, document_id desc
		limit $3
	`
)

// Store implements ledger.DocumentStore and ledger.DocumentLister over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (store *Store) Read(ctx context.Context, partition string, id string) (ledger.Document, error) {
	var (
		documentType string
		version      int64
		body         string
		createdNanos int64
	)
	err := store.pool.QueryRow(ctx, sqlSelectDocument, partition, id).Scan(&documentType, &version, &body, &createdNanos)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeGet, ledger.ErrDocumentNotFound)
		}
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeGet, err)
	}
	return buildDocument(id, documentType, version, body, createdNanos), nil
}

// ExecuteBatch sends every statement as one pgx.Batch inside a transaction and
// rolls back when any statement affects no row.
func (store *Store) ExecuteBatch(ctx context.Context, partition string, operations []ledger.Operation) error {
	if err := ledger.ValidateBatch(partition, operations); err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	expectedVersions := make([]int64, len(operations))
	for index, operation := range operations {
		if operation.Type != ledger.OperationReplace {
			continue
		}
		parsed, err := strconv.ParseInt(string(operation.ExpectedVersion), 10, 64)
		if err != nil {
			return wrapStoreError(errorSubjectDocument, errorCodeStale, fmt.Errorf("%w: %s has foreign version %q", ledger.ErrVersionMismatch, operation.Document.ID, operation.ExpectedVersion))
		}
		expectedVersions[index] = parsed
	}

	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	createdFallback := store.now().UTC()
	batch := &pgx.Batch{}
	for index, operation := range operations {
		document := operation.Document
		switch operation.Type {
		case ledger.OperationCreate:
			createdAt := document.CreatedAt
			if createdAt.IsZero() {
				createdAt = createdFallback
			}
			batch.Queue(sqlInsertDocument, partition, document.ID, string(document.Type), string(document.Body), createdAt.UnixNano())
		case ledger.OperationReplace:
			batch.Queue(sqlReplaceDocument, partition, document.ID, string(document.Type), string(document.Body), expectedVersions[index])
		}
	}

	results := tx.SendBatch(ctx, batch)
	for _, operation := range operations {
		tag, execErr := results.Exec()
		if execErr != nil {
			_ = results.Close()
			return wrapStoreError(errorSubjectBatch, errorCodeExecute, execErr)
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		_ = results.Close()
		if operation.Type == ledger.OperationCreate {
			return wrapStoreError(errorSubjectDocument, errorCodeDuplicate, fmt.Errorf("%w: %s", ledger.ErrDocumentExists, operation.Document.ID))
		}
		return wrapStoreError(errorSubjectDocument, errorCodeStale, fmt.Errorf("%w: %s", ledger.ErrVersionMismatch, operation.Document.ID))
	}
	if err := results.Close(); err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeExecute, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// List returns documents of one type, newest first.
func (store *Store) List(ctx context.Context, partition string, documentType ledger.DocumentType, limit int) ([]ledger.Document, error) {
	rows, err := store.pool.Query(ctx, sqlListDocuments, partition, string(documentType), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	defer rows.Close()

	documents := make([]ledger.Document, 0, limit)
	for rows.Next() {
		var (
			id           string
			storedType   string
			version      int64
			body         string
			createdNanos int64
		)
		if err := rows.Scan(&id, &storedType, &version, &body, &createdNanos); err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
		}
		documents = append(documents, buildDocument(id, storedType, version, body, createdNanos))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	return documents, nil
}

func buildDocument(id string, documentType string, version int64, body string, createdNanos int64) ledger.Document {
	return ledger.Document{
		ID:        id,
		Type:      ledger.DocumentType(documentType),
		Version:   ledger.Version(strconv.FormatInt(version, 10)),
		CreatedAt: time.Unix(0, createdNanos).UTC(),
		Body:      []byte(body),
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
