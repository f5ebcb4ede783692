package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stored JSON bodies. Field names are part of the persisted format.

type balanceBody struct {
	ID        string       `json:"id"`
	DocType   DocumentType `json:"docType"`
	UserID    string       `json:"user_id"`
	Balance   int64        `json:"balance"`
	Held      int64        `json:"held"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type holdBody struct {
	ID             string          `json:"id"`
	DocType        DocumentType    `json:"docType"`
	UserID         string          `json:"user_id"`
	Amount         int64           `json:"amount"`
	Status         string          `json:"status"`
	ActualCost     *int64          `json:"actual_cost"`
	IdempotencyKey *string         `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at"`
}

type eventBody struct {
	ID             string          `json:"id"`
	DocType        DocumentType    `json:"docType"`
	UserID         string          `json:"user_id"`
	Change         int64           `json:"change"`
	EventType      string          `json:"event_type"`
	ReferenceID    string          `json:"reference_id"`
	BalanceAfter   int64           `json:"balance_after"`
	IdempotencyKey *string         `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

type idempotencyBody struct {
	ID          string          `json:"id"`
	DocType     DocumentType    `json:"docType"`
	UserID      string          `json:"user_id"`
	Operation   string          `json:"operation"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
}

func encodeDocument(id string, documentType DocumentType, createdAt time.Time, body any) (Document, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s %s: %w", documentType, id, err)
	}
	return Document{ID: id, Type: documentType, CreatedAt: createdAt, Body: encoded}, nil
}

func decodeDocument(document Document, expected DocumentType, body any) error {
	if document.Type != "" && document.Type != expected {
		return fmt.Errorf("%w: %s is a %s, expected %s", ErrCorruptDocument, document.ID, document.Type, expected)
	}
	if err := json.Unmarshal(document.Body, body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptDocument, document.ID, err)
	}
	return nil
}

func optionalKey(key IdempotencyKey) *string {
	if key.IsZero() {
		return nil
	}
	value := key.String()
	return &value
}

func keyFromOptional(raw *string) (IdempotencyKey, error) {
	if raw == nil {
		return IdempotencyKey{}, nil
	}
	return NewOptionalIdempotencyKey(*raw)
}

func metadataFromRaw(raw json.RawMessage) (MetadataJSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return MetadataJSON{}, nil
	}
	return NewMetadataJSON(string(raw))
}
