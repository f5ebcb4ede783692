package ledger

import (
	"context"
	"errors"
)

// Grant credits amount gems, opening the account when no balance document exists yet.
func (service *Service) Grant(ctx context.Context, userID UserID, amount PositiveGems, idempotencyKey IdempotencyKey, metadata MetadataJSON) (GrantResult, error) {
	startedAt := service.nowFn()
	result, err := service.grant(ctx, userID, amount, idempotencyKey, metadata)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Amount:         amount.Gems(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Replayed:       result.Replayed,
		Error:          err,
	})
	return result, err
}

func (service *Service) grant(ctx context.Context, userID UserID, amount PositiveGems, idempotencyKey IdempotencyKey, metadata MetadataJSON) (GrantResult, error) {
	fingerprint := grantFingerprint(amount)
	var result GrantResult
	replayed, err := service.guard.replay(ctx, userID, idempotencyKey, operationGrant, fingerprint, &result)
	if err != nil {
		return GrantResult{}, err
	}
	if replayed {
		result.Replayed = true
		return result, nil
	}

	now := service.nowFn().UTC()
	opened := false
	balance, err := service.balances.read(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return GrantResult{}, err
		}
		opened = true
		balance = balanceRecord{userID: userID, createdAt: now}
	}
	updated, err := balance.adjust(amount.Gems().Delta(), 0, now)
	if err != nil {
		return GrantResult{}, err
	}
	event := Event{
		ID:             service.newEventID(),
		UserID:         userID,
		Type:           EventGrant,
		Change:         amount.Gems().Delta(),
		BalanceAfter:   updated.gems,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	result = GrantResult{EventID: event.ID, BalanceAfter: updated.gems, Opened: opened}

	var builder batchBuilder
	builder.add(service.events.createOperation(event))
	if opened {
		builder.add(service.balances.createOperation(updated))
	} else {
		builder.add(service.balances.replaceOperation(updated))
	}
	if !idempotencyKey.IsZero() {
		builder.add(service.guard.recordOperation(userID, idempotencyKey, operationGrant, fingerprint, result, now))
	}
	replayed, err = service.commit(ctx, userID, builder, idempotencyKey, operationGrant, fingerprint, &result)
	if err != nil {
		return GrantResult{}, err
	}
	result.Replayed = replayed
	return result, nil
}

// Balance returns the spendable balance and the amount currently held.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	record, err := service.balances.read(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return record.view(), nil
}

// GetHold returns a single hold.
func (service *Service) GetHold(ctx context.Context, userID UserID, holdID HoldID) (Hold, error) {
	hold, _, err := service.holds.read(ctx, userID, holdID)
	return hold, err
}

// ListEvents returns the newest events first. Non-positive limits use
// DefaultEventListLimit; larger ones are capped at MaxEventListLimit.
func (service *Service) ListEvents(ctx context.Context, userID UserID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultEventListLimit
	}
	if limit > MaxEventListLimit {
		limit = MaxEventListLimit
	}
	return service.events.list(ctx, userID, limit)
}
