package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

func (hold Hold) settle(actualCost Gems, now time.Time) Hold {
	settledAt := now
	cost := actualCost
	hold.Status = HoldStatusSettled
	hold.ActualCost = &cost
	hold.SettledAt = &settledAt
	return hold
}

func (hold Hold) cancel(now time.Time) Hold {
	settledAt := now
	hold.Status = HoldStatusCancelled
	hold.SettledAt = &settledAt
	return hold
}

type holdStore struct {
	store DocumentStore
}

func (holds holdStore) read(ctx context.Context, userID UserID, holdID HoldID) (Hold, Version, error) {
	document, err := holds.store.Read(ctx, userID.String(), holdID.String())
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return Hold{}, "", &NotFoundError{Subject: SubjectHold, ID: holdID.String()}
		}
		return Hold{}, "", err
	}
	var body holdBody
	if err := decodeDocument(document, DocumentTypeHold, &body); err != nil {
		return Hold{}, "", err
	}
	hold, err := holdFromBody(userID, body)
	if err != nil {
		return Hold{}, "", fmt.Errorf("%w: %s: %v", ErrCorruptDocument, holdID, err)
	}
	return hold, document.Version, nil
}

func holdFromBody(userID UserID, body holdBody) (Hold, error) {
	holdID, err := NewHoldID(body.ID)
	if err != nil {
		return Hold{}, err
	}
	amount, err := NewPositiveGems(body.Amount)
	if err != nil {
		return Hold{}, err
	}
	status, err := ParseHoldStatus(body.Status)
	if err != nil {
		return Hold{}, err
	}
	idempotencyKey, err := keyFromOptional(body.IdempotencyKey)
	if err != nil {
		return Hold{}, err
	}
	metadata, err := metadataFromRaw(body.Metadata)
	if err != nil {
		return Hold{}, err
	}
	hold := Hold{
		ID:             holdID,
		UserID:         userID,
		Amount:         amount,
		Status:         status,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      body.CreatedAt,
		SettledAt:      body.SettledAt,
	}
	if body.ActualCost != nil {
		cost, err := NewGems(*body.ActualCost)
		if err != nil {
			return Hold{}, err
		}
		hold.ActualCost = &cost
	}
	return hold, nil
}

func (holds holdStore) document(hold Hold) (Document, error) {
	body := holdBody{
		ID:             hold.ID.String(),
		DocType:        DocumentTypeHold,
		UserID:         hold.UserID.String(),
		Amount:         int64(hold.Amount),
		Status:         string(hold.Status),
		IdempotencyKey: optionalKey(hold.IdempotencyKey),
		Metadata:       []byte(hold.Metadata.String()),
		CreatedAt:      hold.CreatedAt,
		SettledAt:      hold.SettledAt,
	}
	if hold.ActualCost != nil {
		cost := int64(*hold.ActualCost)
		body.ActualCost = &cost
	}
	return encodeDocument(body.ID, DocumentTypeHold, hold.CreatedAt, body)
}

func (holds holdStore) createOperation(hold Hold) (Operation, error) {
	document, err := holds.document(hold)
	if err != nil {
		return Operation{}, err
	}
	return CreateOperation(document), nil
}

func (holds holdStore) replaceOperation(hold Hold, expected Version) (Operation, error) {
	document, err := holds.document(hold)
	if err != nil {
		return Operation{}, err
	}
	return ReplaceOperation(document, expected), nil
}
