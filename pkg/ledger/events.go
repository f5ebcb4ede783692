package ledger

import (
	"context"
	"fmt"
)

type eventLog struct {
	store DocumentStore
}

func (events eventLog) createOperation(event Event) (Operation, error) {
	document, err := encodeDocument(event.ID.String(), DocumentTypeEvent, event.CreatedAt, eventBody{
		ID:             event.ID.String(),
		DocType:        DocumentTypeEvent,
		UserID:         event.UserID.String(),
		Change:         int64(event.Change),
		EventType:      string(event.Type),
		ReferenceID:    event.ReferenceID,
		BalanceAfter:   int64(event.BalanceAfter),
		IdempotencyKey: optionalKey(event.IdempotencyKey),
		Metadata:       []byte(event.Metadata.String()),
		CreatedAt:      event.CreatedAt,
	})
	if err != nil {
		return Operation{}, err
	}
	return CreateOperation(document), nil
}

// list returns the newest events first.
func (events eventLog) list(ctx context.Context, userID UserID, limit int) ([]Event, error) {
	lister, ok := events.store.(DocumentLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	documents, err := lister.List(ctx, userID.String(), DocumentTypeEvent, limit)
	if err != nil {
		return nil, err
	}
	result := make([]Event, 0, len(documents))
	for _, document := range documents {
		var body eventBody
		if err := decodeDocument(document, DocumentTypeEvent, &body); err != nil {
			return nil, err
		}
		event, err := eventFromBody(userID, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDocument, document.ID, err)
		}
		result = append(result, event)
	}
	return result, nil
}

func eventFromBody(userID UserID, body eventBody) (Event, error) {
	eventID, err := NewEventID(body.ID)
	if err != nil {
		return Event{}, err
	}
	eventType, err := ParseEventType(body.EventType)
	if err != nil {
		return Event{}, err
	}
	balanceAfter, err := NewGems(body.BalanceAfter)
	if err != nil {
		return Event{}, err
	}
	idempotencyKey, err := keyFromOptional(body.IdempotencyKey)
	if err != nil {
		return Event{}, err
	}
	metadata, err := metadataFromRaw(body.Metadata)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:             eventID,
		UserID:         userID,
		Type:           eventType,
		Change:         GemDelta(body.Change),
		ReferenceID:    body.ReferenceID,
		BalanceAfter:   balanceAfter,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      body.CreatedAt,
	}, nil
}
