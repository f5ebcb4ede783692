package ledger

// ReserveResult describes a placed hold.
type ReserveResult struct {
	HoldID       HoldID  `json:"hold_id"`
	EventID      EventID `json:"event_id"`
	BalanceAfter Gems    `json:"balance_after"`
	Replayed     bool    `json:"-"`
}

// FinalizeResult describes a settled hold, or AlreadySettled when the hold was terminal.
type FinalizeResult struct {
	BalanceAfter   Gems      `json:"balance_after"`
	EventIDs       []EventID `json:"event_ids"`
	AlreadySettled bool      `json:"already_settled"`
	Replayed       bool      `json:"-"`
}

// CancelResult describes a cancelled hold, or AlreadyTerminal when it was settled or cancelled.
type CancelResult struct {
	Refunded        Gems     `json:"refunded"`
	BalanceAfter    Gems     `json:"balance_after"`
	EventID         *EventID `json:"event_id,omitempty"`
	AlreadyTerminal bool     `json:"already_settled_or_cancelled"`
	Replayed        bool     `json:"-"`
}

// GrantResult describes a credit to the balance.
type GrantResult struct {
	EventID      EventID `json:"event_id"`
	BalanceAfter Gems    `json:"balance_after"`
	Opened       bool    `json:"opened"`
	Replayed     bool    `json:"-"`
}
