package ledger

const (
	operationGrant    = "grant"
	operationReserve  = "reserve"
	operationFinalize = "finalize"
	operationCancel   = "cancel"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	balanceDocumentPrefix     = "balance:"
	holdDocumentPrefix        = "hold:"
	eventDocumentPrefix       = "evt:"
	idempotencyDocumentPrefix = "idem:"

	// Document ids must fit the smallest id limit of the supported stores (Cosmos DB: 255).
	maxDocumentIDLength     = 255
	maxIdempotencyKeyLength = maxDocumentIDLength - len(idempotencyDocumentPrefix)
	maxUserIDLength         = maxDocumentIDLength - len(balanceDocumentPrefix)

	// DefaultEventListLimit is applied when ListEvents receives a non-positive limit.
	DefaultEventListLimit = 50
	// MaxEventListLimit caps ListEvents page size.
	MaxEventListLimit = 200
)
