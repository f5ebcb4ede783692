// Package redisstore implements ledger.DocumentStore on Redis. A partition is one
// hash plus one sorted set per document type, all sharing a {partition} hash tag
// so a batch stays inside one cluster slot. Batches run as a single Lua script.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	errorOperationStore  = "redis"
	errorSubjectDocument = "document"
	errorSubjectBatch    = "batch"
	errorCodeRead        = "read"
	errorCodeDuplicate   = "duplicate"
	errorCodeStale       = "stale"
	errorCodeExecute     = "execute"
	errorCodeInvalid     = "invalid"
	errorCodeList        = "list"
	errorCodeDecode      = "decode"

	// DefaultKeyPrefix namespaces every key the store writes.
	DefaultKeyPrefix = "gemledger"

	fieldBody    = "doc:"
	fieldVersion = "ver:"
	fieldType    = "typ:"
	fieldCreated = "at:"

	argsPerOperation = 7

	resultOK       = "ok"
	resultExists   = "exists"
	resultMismatch = "mismatch"
)

// batchScript checks every operation before applying any of them. ARGV holds
// seven values per operation: kind, id, type, expected version, body,
// created nanos and index score. KEYS[1] is the partition hash and KEYS[i+1]
// the type index of operation i.
var batchScript = redis.NewScript(`
local hash = KEYS[1]
local count = #ARGV / 7
for i = 0, count - 1 do
  local base = i * 7
  local kind = ARGV[base + 1]
  local id = ARGV[base + 2]
  local current = redis.call('HGET', hash, 'ver:' .. id)
  if kind == 'create' then
    if current then
      return {'exists', id}
    end
  elseif (not current) or current ~= ARGV[base + 4] then
    return {'mismatch', id}
  end
end
for i = 0, count - 1 do
  local base = i * 7
  local kind = ARGV[base + 1]
  local id = ARGV[base + 2]
  local version = redis.call('HINCRBY', hash, 'seq', 1)
  redis.call('HSET', hash, 'doc:' .. id, ARGV[base + 5], 'ver:' .. id, version, 'typ:' .. id, ARGV[base + 3])
  if kind == 'create' then
    redis.call('HSET', hash, 'at:' .. id, ARGV[base + 6])
    redis.call('ZADD', KEYS[i + 2], ARGV[base + 7], id)
  end
end
return {'ok'}
`)

// Store implements ledger.DocumentStore and ledger.DocumentLister.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if prefix != "" {
			store.prefix = prefix
		}
	}
}

// New returns a Store over client.
func New(client redis.UniversalClient, options ...Option) *Store {
	store := &Store{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, option := range options {
		option(store)
	}
	return store
}

func (store *Store) hashKey(partition string) string {
	return fmt.Sprintf("%s:{%s}:docs", store.prefix, partition)
}

func (store *Store) indexKey(partition string, documentType ledger.DocumentType) string {
	return fmt.Sprintf("%s:{%s}:idx:%s", store.prefix, partition, documentType)
}

func (store *Store) Read(ctx context.Context, partition string, id string) (ledger.Document, error) {
	values, err := store.client.HMGet(ctx, store.hashKey(partition), fieldBody+id, fieldVersion+id, fieldType+id, fieldCreated+id).Result()
	if err != nil {
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeRead, err)
	}
	document, found, err := documentFromFields(id, values)
	if err != nil {
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeDecode, err)
	}
	if !found {
		return ledger.Document{}, wrapStoreError(errorSubjectDocument, errorCodeRead, ledger.ErrDocumentNotFound)
	}
	return document, nil
}

// ExecuteBatch applies all operations atomically through batchScript.
func (store *Store) ExecuteBatch(ctx context.Context, partition string, operations []ledger.Operation) error {
	if err := ledger.ValidateBatch(partition, operations); err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	createdFallback := store.now().UTC()
	keys := make([]string, 0, len(operations)+1)
	keys = append(keys, store.hashKey(partition))
	args := make([]interface{}, 0, len(operations)*argsPerOperation)
	for _, operation := range operations {
		document := operation.Document
		createdAt := document.CreatedAt
		if createdAt.IsZero() {
			createdAt = createdFallback
		}
		keys = append(keys, store.indexKey(partition, document.Type))
		args = append(args,
			string(operation.Type),
			document.ID,
			string(document.Type),
			string(operation.ExpectedVersion),
			string(document.Body),
			strconv.FormatInt(createdAt.UnixNano(), 10),
			strconv.FormatInt(createdAt.UnixMicro(), 10),
		)
	}

	reply, err := batchScript.Run(ctx, store.client, keys, args...).Slice()
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeExecute, err)
	}
	return interpretBatchReply(reply)
}

func interpretBatchReply(reply []interface{}) error {
	if len(reply) == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeExecute, errors.New("empty script reply"))
	}
	status, _ := reply[0].(string)
	documentID := ""
	if len(reply) > 1 {
		documentID, _ = reply[1].(string)
	}
	switch status {
	case resultOK:
		return nil
	case resultExists:
		return wrapStoreError(errorSubjectDocument, errorCodeDuplicate, fmt.Errorf("%w: %s", ledger.ErrDocumentExists, documentID))
	case resultMismatch:
		return wrapStoreError(errorSubjectDocument, errorCodeStale, fmt.Errorf("%w: %s", ledger.ErrVersionMismatch, documentID))
	default:
		return wrapStoreError(errorSubjectBatch, errorCodeExecute, fmt.Errorf("unexpected script reply %v", reply))
	}
}

// List reads the type index newest first and fetches each document in one pipeline.
func (store *Store) List(ctx context.Context, partition string, documentType ledger.DocumentType, limit int) ([]ledger.Document, error) {
	if limit <= 0 {
		return []ledger.Document{}, nil
	}
	ids, err := store.client.ZRevRange(ctx, store.indexKey(partition, documentType), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}
	if len(ids) == 0 {
		return []ledger.Document{}, nil
	}

	hashKey := store.hashKey(partition)
	pipeline := store.client.Pipeline()
	commands := make([]*redis.SliceCmd, len(ids))
	for index, id := range ids {
		commands[index] = pipeline.HMGet(ctx, hashKey, fieldBody+id, fieldVersion+id, fieldType+id, fieldCreated+id)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return nil, wrapStoreError(errorSubjectDocument, errorCodeList, err)
	}

	documents := make([]ledger.Document, 0, len(ids))
	for index, id := range ids {
		document, found, err := documentFromFields(id, commands[index].Val())
		if err != nil {
			return nil, wrapStoreError(errorSubjectDocument, errorCodeDecode, err)
		}
		if found {
			documents = append(documents, document)
		}
	}
	return documents, nil
}

// documentFromFields builds a document from HMGET of body, version, type and created.
func documentFromFields(id string, values []interface{}) (ledger.Document, bool, error) {
	if len(values) != 4 || values[0] == nil || values[1] == nil {
		return ledger.Document{}, false, nil
	}
	body, _ := values[0].(string)
	version, _ := values[1].(string)
	documentType, _ := values[2].(string)
	createdRaw, _ := values[3].(string)
	createdNanos, err := strconv.ParseInt(createdRaw, 10, 64)
	if err != nil {
		return ledger.Document{}, false, fmt.Errorf("created time of %s: %w", id, err)
	}
	return ledger.Document{
		ID:        id,
		Type:      ledger.DocumentType(documentType),
		Version:   ledger.Version(version),
		CreatedAt: time.Unix(0, createdNanos).UTC(),
		Body:      []byte(body),
	}, true, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
