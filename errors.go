package introq

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("introq: no store configured")
	ErrStoreClosed     = errors.New("introq: store closed")
	ErrMigrationFailed = errors.New("introq: migration failed")

	// Not found errors.
	ErrEventNotFound       = errors.New("introq: event not found")
	ErrTaskNotFound        = errors.New("introq: task not found")
	ErrDLQNotFound         = errors.New("introq: dead letter entry not found")
	ErrOpportunityNotFound = errors.New("introq: opportunity not found")
	ErrRequestNotFound     = errors.New("introq: connection request not found")
	ErrOfferNotFound       = errors.New("introq: offer not found")
	ErrPriorityNotFound    = errors.New("introq: priority entry not found")

	// Conflict errors.
	ErrEventAlreadyExists  = errors.New("introq: event already exists")
	ErrTaskAlreadyExists   = errors.New("introq: task already exists")
	ErrDuplicateAward      = errors.New("introq: credit award already recorded")
	ErrDuplicateDeadLetter = errors.New("introq: event already dead-lettered")

	// State errors.
	ErrInvalidTransition     = errors.New("introq: invalid state transition")
	ErrEventAlreadyProcessed = errors.New("introq: event already processed")
	ErrTaskNotPending        = errors.New("introq: task is not pending")
	ErrMaxRetriesExceeded    = errors.New("introq: max retries exceeded")
)
