package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request fingerprints cover the parameters that change the outcome; metadata is not one of them.
func reserveFingerprint(amount PositiveGems) string {
	return fmt.Sprintf("amount=%d", amount)
}

func grantFingerprint(amount PositiveGems) string {
	return fmt.Sprintf("amount=%d", amount)
}

func finalizeFingerprint(holdID HoldID, actualCost Gems) string {
	return fmt.Sprintf("hold=%s;cost=%d", holdID, actualCost)
}

func cancelFingerprint(holdID HoldID) string {
	return fmt.Sprintf("hold=%s", holdID)
}

func idempotencyDocumentID(key IdempotencyKey) string {
	return idempotencyDocumentPrefix + key.String()
}

type idempotencyGuard struct {
	store DocumentStore
}

// replay decodes the stored result of a previous call into out.
// It returns false when the key is absent or was never recorded.
func (guard idempotencyGuard) replay(ctx context.Context, userID UserID, key IdempotencyKey, operation string, fingerprint string, out any) (bool, error) {
	if key.IsZero() {
		return false, nil
	}
	document, err := guard.store.Read(ctx, userID.String(), idempotencyDocumentID(key))
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return false, nil
		}
		return false, err
	}
	var body idempotencyBody
	if err := decodeDocument(document, DocumentTypeIdempotency, &body); err != nil {
		return false, err
	}
	if body.Operation != operation || body.Fingerprint != fingerprint {
		return false, fmt.Errorf("%w: key %s was used for %s(%s)", ErrIdempotencyKeyReused, key, body.Operation, body.Fingerprint)
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return false, fmt.Errorf("%w: %s result: %v", ErrCorruptDocument, document.ID, err)
	}
	return true, nil
}

func (guard idempotencyGuard) recordOperation(userID UserID, key IdempotencyKey, operation string, fingerprint string, result any, now time.Time) (Operation, error) {
	encodedResult, err := json.Marshal(result)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s result: %w", operation, err)
	}
	documentID := idempotencyDocumentID(key)
	document, err := encodeDocument(documentID, DocumentTypeIdempotency, now, idempotencyBody{
		ID:          documentID,
		DocType:     DocumentTypeIdempotency,
		UserID:      userID.String(),
		Operation:   operation,
		Fingerprint: fingerprint,
		Result:      encodedResult,
		CreatedAt:   now,
	})
	if err != nil {
		return Operation{}, err
	}
	return CreateOperation(document), nil
}
