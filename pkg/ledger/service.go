package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service coordinates balance, hold, event and idempotency documents in a
// user's partition. Every mutation is one read-check-write cycle that ends in a
// single atomic batch.
type Service struct {
	store    DocumentStore
	nowFn    func() time.Time
	newID    func() string
	logger   OperationLogger
	balances balanceStore
	holds    holdStore
	events   eventLog
	guard    idempotencyGuard
}

// NewService wires a Service.
func NewService(store DocumentStore, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:    store,
		nowFn:    now,
		newID:    randomDocumentSuffix,
		balances: balanceStore{store: store},
		holds:    holdStore{store: store},
		events:   eventLog{store: store},
		guard:    idempotencyGuard{store: store},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

func randomDocumentSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (service *Service) newHoldID() HoldID {
	return HoldID{value: holdDocumentPrefix + service.newID()}
}

func (service *Service) newEventID() EventID {
	return EventID{value: eventDocumentPrefix + service.newID()}
}

// Reserve places a hold of amount gems and debits the balance immediately.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount PositiveGems, idempotencyKey IdempotencyKey, metadata MetadataJSON) (ReserveResult, error) {
	startedAt := service.nowFn()
	result, err := service.reserve(ctx, userID, amount, idempotencyKey, metadata)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationReserve,
		UserID:         userID,
		HoldID:         result.HoldID,
		Amount:         amount.Gems(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Replayed:       result.Replayed,
		Error:          err,
	})
	return result, err
}

func (service *Service) reserve(ctx context.Context, userID UserID, amount PositiveGems, idempotencyKey IdempotencyKey, metadata MetadataJSON) (ReserveResult, error) {
	fingerprint := reserveFingerprint(amount)
	var result ReserveResult
	replayed, err := service.guard.replay(ctx, userID, idempotencyKey, operationReserve, fingerprint, &result)
	if err != nil {
		return ReserveResult{}, err
	}
	if replayed {
		result.Replayed = true
		return result, nil
	}

	balance, err := service.balances.read(ctx, userID)
	if err != nil {
		return ReserveResult{}, err
	}
	if balance.gems < amount.Gems() {
		return ReserveResult{}, &InsufficientFundsError{UserID: userID, Available: balance.gems, Requested: amount.Gems()}
	}

	now := service.nowFn().UTC()
	change := amount.Gems().Delta()
	updated, err := balance.adjust(change.Negated(), change, now)
	if err != nil {
		return ReserveResult{}, err
	}
	hold := Hold{
		ID:             service.newHoldID(),
		UserID:         userID,
		Amount:         amount,
		Status:         HoldStatusPlaced,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	event := Event{
		ID:             service.newEventID(),
		UserID:         userID,
		Type:           EventHold,
		Change:         change.Negated(),
		ReferenceID:    hold.ID.String(),
		BalanceAfter:   updated.gems,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	result = ReserveResult{HoldID: hold.ID, EventID: event.ID, BalanceAfter: updated.gems}

	var builder batchBuilder
	builder.add(service.holds.createOperation(hold))
	builder.add(service.events.createOperation(event))
	builder.add(service.balances.replaceOperation(updated))
	if !idempotencyKey.IsZero() {
		builder.add(service.guard.recordOperation(userID, idempotencyKey, operationReserve, fingerprint, result, now))
	}
	replayed, err = service.commit(ctx, userID, builder, idempotencyKey, operationReserve, fingerprint, &result)
	if err != nil {
		return ReserveResult{}, err
	}
	result.Replayed = replayed
	return result, nil
}

// Finalize settles a placed hold against the action's actual cost.
func (service *Service) Finalize(ctx context.Context, userID UserID, holdID HoldID, actualCost Gems, idempotencyKey IdempotencyKey) (FinalizeResult, error) {
	startedAt := service.nowFn()
	result, err := service.finalize(ctx, userID, holdID, actualCost, idempotencyKey)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationFinalize,
		UserID:         userID,
		HoldID:         holdID,
		Amount:         actualCost,
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          err,
	})
	return result, err
}

func (service *Service) finalize(ctx context.Context, userID UserID, holdID HoldID, actualCost Gems, idempotencyKey IdempotencyKey) (FinalizeResult, error) {
	fingerprint := finalizeFingerprint(holdID, actualCost)
	var result FinalizeResult
	replayed, err := service.guard.replay(ctx, userID, idempotencyKey, operationFinalize, fingerprint, &result)
	if err != nil {
		return FinalizeResult{}, err
	}
	if replayed {
		result.Replayed = true
		return result, nil
	}

	hold, holdVersion, err := service.holds.read(ctx, userID, holdID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if hold.Status != HoldStatusPlaced {
		return FinalizeResult{AlreadySettled: true}, nil
	}
	balance, err := service.balances.read(ctx, userID)
	if err != nil {
		return FinalizeResult{}, err
	}

	delta := int64(actualCost) - int64(hold.Amount)
	if delta > 0 && Gems(delta) > balance.gems {
		return FinalizeResult{}, &InsufficientFundsError{UserID: userID, Available: balance.gems, Requested: Gems(delta)}
	}

	now := service.nowFn().UTC()
	updated, err := balance.adjust(GemDelta(-delta), hold.Amount.Gems().Delta().Negated(), now)
	if err != nil {
		return FinalizeResult{}, err
	}

	var builder batchBuilder
	result = FinalizeResult{BalanceAfter: updated.gems, EventIDs: []EventID{}}
	if delta != 0 {
		eventType := EventDebitSettlement
		if delta < 0 {
			eventType = EventRefundSettlement
		}
		event := Event{
			ID:             service.newEventID(),
			UserID:         userID,
			Type:           eventType,
			Change:         GemDelta(-delta),
			ReferenceID:    holdID.String(),
			BalanceAfter:   updated.gems,
			IdempotencyKey: idempotencyKey,
			Metadata:       hold.Metadata,
			CreatedAt:      now,
		}
		result.EventIDs = append(result.EventIDs, event.ID)
		builder.add(service.events.createOperation(event))
	}
	builder.add(service.holds.replaceOperation(hold.settle(actualCost, now), holdVersion))
	builder.add(service.balances.replaceOperation(updated))
	if !idempotencyKey.IsZero() {
		builder.add(service.guard.recordOperation(userID, idempotencyKey, operationFinalize, fingerprint, result, now))
	}
	replayed, err = service.commit(ctx, userID, builder, idempotencyKey, operationFinalize, fingerprint, &result)
	if err != nil {
		return FinalizeResult{}, err
	}
	result.Replayed = replayed
	return result, nil
}

// Cancel releases a placed hold and refunds its full amount.
func (service *Service) Cancel(ctx context.Context, userID UserID, holdID HoldID, idempotencyKey IdempotencyKey) (CancelResult, error) {
	startedAt := service.nowFn()
	result, err := service.cancel(ctx, userID, holdID, idempotencyKey)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationCancel,
		UserID:         userID,
		HoldID:         holdID,
		Amount:         result.Refunded,
		IdempotencyKey: idempotencyKey,
		Replayed:       result.Replayed,
		Error:          err,
	})
	return result, err
}

func (service *Service) cancel(ctx context.Context, userID UserID, holdID HoldID, idempotencyKey IdempotencyKey) (CancelResult, error) {
	fingerprint := cancelFingerprint(holdID)
	var result CancelResult
	replayed, err := service.guard.replay(ctx, userID, idempotencyKey, operationCancel, fingerprint, &result)
	if err != nil {
		return CancelResult{}, err
	}
	if replayed {
		result.Replayed = true
		return result, nil
	}

	hold, holdVersion, err := service.holds.read(ctx, userID, holdID)
	if err != nil {
		return CancelResult{}, err
	}
	if hold.Status != HoldStatusPlaced {
		return CancelResult{AlreadyTerminal: true}, nil
	}
	balance, err := service.balances.read(ctx, userID)
	if err != nil {
		return CancelResult{}, err
	}

	now := service.nowFn().UTC()
	refund := hold.Amount.Gems().Delta()
	updated, err := balance.adjust(refund, refund.Negated(), now)
	if err != nil {
		return CancelResult{}, err
	}
	event := Event{
		ID:             service.newEventID(),
		UserID:         userID,
		Type:           EventRefundHoldCancel,
		Change:         refund,
		ReferenceID:    holdID.String(),
		BalanceAfter:   updated.gems,
		IdempotencyKey: idempotencyKey,
		Metadata:       hold.Metadata,
		CreatedAt:      now,
	}
	result = CancelResult{Refunded: hold.Amount.Gems(), BalanceAfter: updated.gems, EventID: &event.ID}

	var builder batchBuilder
	builder.add(service.events.createOperation(event))
	builder.add(service.holds.replaceOperation(hold.cancel(now), holdVersion))
	builder.add(service.balances.replaceOperation(updated))
	if !idempotencyKey.IsZero() {
		builder.add(service.guard.recordOperation(userID, idempotencyKey, operationCancel, fingerprint, result, now))
	}
	replayed, err = service.commit(ctx, userID, builder, idempotencyKey, operationCancel, fingerprint, &result)
	if err != nil {
		return CancelResult{}, err
	}
	result.Replayed = replayed
	return result, nil
}

// batchBuilder collects operations and keeps the first construction error.
type batchBuilder struct {
	operations []Operation
	err        error
}

func (builder *batchBuilder) add(operation Operation, err error) {
	if builder.err != nil {
		return
	}
	if err != nil {
		builder.err = err
		return
	}
	builder.operations = append(builder.operations, operation)
}

// commit submits the batch in the user's partition. A failed optimistic check
// is resolved through the idempotency record when one exists; otherwise it is
// a ConcurrencyConflict. It reports true when out was filled from a replay.
func (service *Service) commit(ctx context.Context, userID UserID, builder batchBuilder, idempotencyKey IdempotencyKey, operation string, fingerprint string, out any) (bool, error) {
	if builder.err != nil {
		return false, builder.err
	}
	err := service.store.ExecuteBatch(ctx, userID.String(), builder.operations)
	if err == nil {
		return false, nil
	}
	if !IsConflict(err) {
		return false, &BatchFailedError{Partition: userID.String(), Cause: err}
	}
	replayed, replayErr := service.guard.replay(ctx, userID, idempotencyKey, operation, fingerprint, out)
	if replayErr != nil {
		return false, replayErr
	}
	if replayed {
		return true, nil
	}
	return false, fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
}
