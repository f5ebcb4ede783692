package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Gems is a non-negative count of gems.
type Gems int64

// PositiveGems is a strictly positive count of gems.
type PositiveGems int64

// GemDelta is a signed balance change carried by a ledger event.
type GemDelta int64

// NewGems validates a non-negative gem count.
func NewGems(raw int64) (Gems, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidGems)
	}
	return Gems(raw), nil
}

// NewPositiveGems validates a strictly positive gem count.
func NewPositiveGems(raw int64) (PositiveGems, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidGems)
	}
	return PositiveGems(raw), nil
}

// Gems converts to the non-negative representation.
func (amount PositiveGems) Gems() Gems {
	return Gems(amount)
}

// Delta converts to a signed change.
func (amount Gems) Delta() GemDelta {
	return GemDelta(amount)
}

// Negated flips the sign of the change.
func (delta GemDelta) Negated() GemDelta {
	return -delta
}

// UserID identifies an account owner and names its partition.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return UserID{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidUserID, maxUserIDLength)
	}
	if strings.ContainsAny(trimmed, `/\?#`) {
		return UserID{}, fmt.Errorf("%w: contains a reserved character", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// HoldID identifies a hold document ("hold:<hex>").
type HoldID struct {
	value string
}

// NewHoldID validates a hold id.
func NewHoldID(raw string) (HoldID, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, holdDocumentPrefix) || len(trimmed) == len(holdDocumentPrefix) {
		return HoldID{}, fmt.Errorf("%w: must look like %s<id>", ErrInvalidHoldID, holdDocumentPrefix)
	}
	if len(trimmed) > maxDocumentIDLength {
		return HoldID{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidHoldID, maxDocumentIDLength)
	}
	return HoldID{value: trimmed}, nil
}

// String returns the document id.
func (id HoldID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id HoldID) IsZero() bool {
	return id.value == ""
}

// MarshalText implements encoding.TextMarshaler.
func (id HoldID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *HoldID) UnmarshalText(text []byte) error {
	parsed, err := NewHoldID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EventID identifies a ledger event document ("evt:<hex>").
type EventID struct {
	value string
}

// NewEventID validates an event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, eventDocumentPrefix) || len(trimmed) == len(eventDocumentPrefix) {
		return EventID{}, fmt.Errorf("%w: must look like %s<id>", ErrInvalidEventID, eventDocumentPrefix)
	}
	if len(trimmed) > maxDocumentIDLength {
		return EventID{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidEventID, maxDocumentIDLength)
	}
	return EventID{value: trimmed}, nil
}

// String returns the document id.
func (id EventID) String() string {
	return id.value
}

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := NewEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates a client supplied key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	for _, character := range trimmed {
		if unicode.IsControl(character) || unicode.IsSpace(character) || strings.ContainsRune(`/\?#`, character) {
			return IdempotencyKey{}, fmt.Errorf("%w: contains %q", ErrInvalidIdempotencyKey, character)
		}
	}
	return IdempotencyKey{value: trimmed}, nil
}

// NewOptionalIdempotencyKey returns the zero key for blank input.
func NewOptionalIdempotencyKey(raw string) (IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return IdempotencyKey{}, nil
	}
	return NewIdempotencyKey(raw)
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// MetadataJSON stores an arbitrary JSON object attached to holds and events.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &object); err != nil || object == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the JSON text, "{}" for the zero value.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// MarshalJSON emits the metadata object verbatim.
func (metadata MetadataJSON) MarshalJSON() ([]byte, error) {
	return []byte(metadata.String()), nil
}

// UnmarshalJSON accepts any JSON object; null becomes "{}".
func (metadata *MetadataJSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*metadata = MetadataJSON{}
		return nil
	}
	parsed, err := NewMetadataJSON(string(data))
	if err != nil {
		return err
	}
	*metadata = parsed
	return nil
}

// HoldStatus defines the hold lifecycle.
type HoldStatus string

const (
	HoldStatusPlaced    HoldStatus = "placed"
	HoldStatusSettled   HoldStatus = "settled"
	HoldStatusCancelled HoldStatus = "cancelled"
)

// ParseHoldStatus validates a stored status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch status := HoldStatus(raw); status {
	case HoldStatusPlaced, HoldStatusSettled, HoldStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
	}
}

// IsTerminal reports whether the status can no longer change.
func (status HoldStatus) IsTerminal() bool {
	return status == HoldStatusSettled || status == HoldStatusCancelled
}

// EventType enumerates ledger event kinds.
type EventType string

const (
	EventHold             EventType = "hold"
	EventDebitSettlement  EventType = "debit_settlement"
	EventRefundSettlement EventType = "refund_settlement"
	EventRefundHoldCancel EventType = "refund_hold_cancel"
	EventGrant            EventType = "grant"
)

// ParseEventType validates a stored event type.
func ParseEventType(raw string) (EventType, error) {
	switch eventType := EventType(raw); eventType {
	case EventHold, EventDebitSettlement, EventRefundSettlement, EventRefundHoldCancel, EventGrant:
		return eventType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}
}

// Balance is the current state of a user's account.
type Balance struct {
	UserID    UserID
	Available Gems
	Held      Gems
	UpdatedAt time.Time
}

// Hold is a reservation of gems pending settlement.
type Hold struct {
	ID             HoldID
	UserID         UserID
	Amount         PositiveGems
	Status         HoldStatus
	ActualCost     *Gems
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedAt      time.Time
	SettledAt      *time.Time
}

// Event is one immutable balance-affecting ledger line.
type Event struct {
	ID             EventID
	UserID         UserID
	Type           EventType
	Change         GemDelta
	ReferenceID    string
	BalanceAfter   Gems
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedAt      time.Time
}
