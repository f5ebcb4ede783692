package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type balanceRecord struct {
	userID    UserID
	gems      Gems
	held      Gems
	createdAt time.Time
	updatedAt time.Time
	version   Version
}

func (record balanceRecord) view() Balance {
	return Balance{
		UserID:    record.userID,
		Available: record.gems,
		Held:      record.held,
		UpdatedAt: record.updatedAt,
	}
}

// adjust applies a balance change and a held-amount change. Neither may go negative.
func (record balanceRecord) adjust(change GemDelta, heldChange GemDelta, now time.Time) (balanceRecord, error) {
	nextGems := int64(record.gems) + int64(change)
	if nextGems < 0 {
		return balanceRecord{}, fmt.Errorf("%w: balance of %s would become %d", ErrInvalidBalance, record.userID, nextGems)
	}
	nextHeld := int64(record.held) + int64(heldChange)
	if nextHeld < 0 {
		return balanceRecord{}, fmt.Errorf("%w: held amount of %s would become %d", ErrInvalidBalance, record.userID, nextHeld)
	}
	record.gems = Gems(nextGems)
	record.held = Gems(nextHeld)
	record.updatedAt = now
	return record, nil
}

func balanceDocumentID(userID UserID) string {
	return balanceDocumentPrefix + userID.String()
}

type balanceStore struct {
	store DocumentStore
}

func (balances balanceStore) read(ctx context.Context, userID UserID) (balanceRecord, error) {
	documentID := balanceDocumentID(userID)
	document, err := balances.store.Read(ctx, userID.String(), documentID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return balanceRecord{}, &NotFoundError{Subject: SubjectBalance, ID: documentID}
		}
		return balanceRecord{}, err
	}
	var body balanceBody
	if err := decodeDocument(document, DocumentTypeBalance, &body); err != nil {
		return balanceRecord{}, err
	}
	if body.Balance < 0 || body.Held < 0 {
		return balanceRecord{}, fmt.Errorf("%w: %s holds a negative amount", ErrCorruptDocument, documentID)
	}
	return balanceRecord{
		userID:    userID,
		gems:      Gems(body.Balance),
		held:      Gems(body.Held),
		createdAt: body.CreatedAt,
		updatedAt: body.UpdatedAt,
		version:   document.Version,
	}, nil
}

func (balances balanceStore) document(record balanceRecord) (Document, error) {
	documentID := balanceDocumentID(record.userID)
	return encodeDocument(documentID, DocumentTypeBalance, record.createdAt, balanceBody{
		ID:        documentID,
		DocType:   DocumentTypeBalance,
		UserID:    record.userID.String(),
		Balance:   int64(record.gems),
		Held:      int64(record.held),
		CreatedAt: record.createdAt,
		UpdatedAt: record.updatedAt,
	})
}

func (balances balanceStore) createOperation(record balanceRecord) (Operation, error) {
	document, err := balances.document(record)
	if err != nil {
		return Operation{}, err
	}
	return CreateOperation(document), nil
}

// replaceOperation is conditioned on the version the record was read with.
func (balances balanceStore) replaceOperation(record balanceRecord) (Operation, error) {
	document, err := balances.document(record)
	if err != nil {
		return Operation{}, err
	}
	return ReplaceOperation(document, record.version), nil
}
