// Package cosmosstore implements ledger.DocumentStore on an Azure Cosmos DB container
// partitioned by /user_id. Batches map onto Cosmos transactional batches and
// versions are item ETags.
package cosmosstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	errorOperationStore  = "cosmos"
	errorSubjectDocument = "document"
	errorSubjectBatch    = "batch"
	errorCodeRead        = "read"
	errorCodeEncode      = "encode"
	errorCodeDecode      = "decode"
	errorCodeDuplicate   = "duplicate"
	errorCodeStale       = "stale"
	errorCodeExecute     = "execute"
	errorCodeInvalid     = "invalid"
	errorCodeList        = "list"

	// PartitionKeyPath is the container's partition key definition.
	PartitionKeyPath = "/user_id"

	// Cosmos caps a transactional batch at 100 operations.
	maxBatchOperations = 100

	sqlListDocuments = "SELECT * FROM c WHERE c.user_id = @user AND c.docType = @type ORDER BY c.createdUnixNano DESC OFFSET 0 LIMIT @limit"
)

// itemEnvelope is the stored item. The ledger document body is nested so its
// own fields never collide with Cosmos system properties.
type itemEnvelope struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	DocType         string          `json:"docType"`
	CreatedUnixNano int64           `json:"createdUnixNano"`
	Body            json.RawMessage `json:"body"`
	ETag            string          `json:"_etag,omitempty"`
}

// Store implements ledger.DocumentStore and ledger.DocumentLister.
type Store struct {
	container *azcosmos.ContainerClient
	now       func() time.Time
}

// New returns a Store over an existing container.
func New(container *azcosmos.ContainerClient) *Store {
	return &Store{container: container, now: time.Now}
}

func (store *Store) Read(ctx context.Context, partition string, id string) (ledger.Document, error) {
	response, err := store.container.ReadItem(ctx, azcosmos.NewPartitionKeyString(partition), id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeRead, ledger.ErrDocumentNotFound)
		}
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeRead, err)
	}
	document, err := decodeItem(response.Value)
	if err != nil {
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeDecode, err)
	}
	if response.ETag != "" {
		document.Version = ledger.Version(response.ETag)
	}
	return document, nil
}

// ExecuteBatch runs the operations as one Cosmos transactional batch. Replaces
// carry the expected ETag as an If-Match precondition.
func (store *Store) ExecuteBatch(ctx context.Context, partition string, operations []ledger.Operation) error {
	if err := ledger.ValidateBatch(partition, operations); err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	if len(operations) > maxBatchOperations {
		return wrapStoreError(errorSubjectBatch, errorCodeInvalid, fmt.Errorf("%w: %d operations exceed %d", ledger.ErrInvalidBatch, len(operations), maxBatchOperations))
	}
	batch := store.container.NewTransactionalBatch(azcosmos.NewPartitionKeyString(partition))
	createdFallback := store.now().UTC()
	for _, operation := range operations {
		item, err := encodeItem(partition, operation.Document, createdFallback)
		if err != nil {
			return wrapStoreError(errorSubjectDocument, errorCodeEncode, err)
		}
		switch operation.Type {
		case ledger.OperationCreate:
			batch.CreateItem(item, nil)
		case ledger.OperationReplace:
			etag := azcore.ETag(operation.ExpectedVersion)
			batch.ReplaceItem(operation.Document.ID, item, &azcosmos.TransactionalBatchItemOptions{IfMatchETag: &etag})
		}
	}
	response, err := store.container.ExecuteTransactionalBatch(ctx, batch, nil)
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeExecute, err)
	}
	if response.Success {
		return nil
	}
	return classifyBatchFailure(operations, response.OperationResults)
}

// classifyBatchFailure maps the first failing operation onto the store contract.
// Operations that only failed because another one did report 424 and are skipped.
func classifyBatchFailure(operations []ledger.Operation, results []azcosmos.TransactionalBatchResult) error {
	for index, result := range results {
		if index >= len(operations) {
			break
		}
		documentID := operations[index].Document.ID
		switch result.StatusCode {
		case http.StatusFailedDependency, http.StatusOK, http.StatusCreated:
			continue
		case http.StatusConflict:
			return wrapStoreError(errorSubjectDocument, errorCodeDuplicate, fmt.Errorf("%w: %s", ledger.ErrDocumentExists, documentID))
		case http.StatusPreconditionFailed, http.StatusNotFound:
			return wrapStoreError(errorSubjectDocument, errorCodeStale, fmt.Errorf("%w: %s", ledger.ErrVersionMismatch, documentID))
		default:
			return wrapStoreError(errorSubjectBatch, errorCodeExecute, fmt.Errorf("operation on %s failed with status %d", documentID, result.StatusCode))
		}
	}
	return wrapStoreError(errorSubjectBatch, errorCodeExecute, errors.New("transactional batch rejected without an operation status"))
}

// List queries one partition, newest first.
func (store *Store) List(ctx context.Context, partition string, documentType ledger.DocumentType, limit int) ([]ledger.Document, error) {
	pager := store.container.NewQueryItemsPager(sqlListDocuments, azcosmos.NewPartitionKeyString(partition), &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{
			{Name: "@user", Value: partition},
			{Name: "@type", Value: string(documentType)},
			{Name: "@limit", Value: limit},
		},
	})
	documents := make([]ledger.Document, 0, limit)
	for pager.More() && len(documents) < limit {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
		}
		for _, raw := range page.Items {
			document, err := decodeItem(raw)
			if err != nil {
				return nil, wrapStoreError(errorSubjectDocument, errorCodeDecode, err)
			}
			documents = append(documents, document)
		}
	}
	if len(documents) > limit {
		documents = documents[:limit]
	}
	return documents, nil
}

func encodeItem(partition string, document ledger.Document, createdFallback time.Time) ([]byte, error) {
	createdAt := document.CreatedAt
	if createdAt.IsZero() {
		createdAt = createdFallback
	}
	body := json.RawMessage(document.Body)
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	return json.Marshal(itemEnvelope{
		ID:              document.ID,
		UserID:          partition,
		DocType:         string(document.Type),
		CreatedUnixNano: createdAt.UnixNano(),
		Body:            body,
	})
}

func decodeItem(raw []byte) (ledger.Document, error) {
	var envelope itemEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ledger.Document{}, err
	}
	return ledger.Document{
		ID:        envelope.ID,
		Type:      ledger.DocumentType(envelope.DocType),
		Version:   ledger.Version(envelope.ETag),
		CreatedAt: time.Unix(0, envelope.CreatedUnixNano).UTC(),
		Body:      []byte(envelope.Body),
	}, nil
}

func statusCode(err error) int {
	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		return responseErr.StatusCode
	}
	return 0
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
