package api

import (
	"encoding/json"
	"time"
)

// AppendEventRequest is the body for POST /v1/events.
type AppendEventRequest struct {
	// Name routes the event to a registered handler.
	Name string `json:"name"`

	// AggregateID and AggregateKind identify the entity the event is
	// about. Optional.
	AggregateID   string `json:"aggregate_id,omitempty"`
	AggregateKind string `json:"aggregate_kind,omitempty"`

	// Payload is the JSON-encoded event body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ListEventsRequest filters the unprocessed event list.
type ListEventsRequest struct {
	Limit  int    `query:"limit" json:"limit,omitempty"`
	Offset int    `query:"offset" json:"offset,omitempty"`
	Name   string `query:"name" json:"name,omitempty"`
}

// EventCountsResponse reports event counts split by processed state.
type EventCountsResponse struct {
	Unprocessed int `json:"unprocessed"`
	Processed   int `json:"processed"`
}

// DispatchResponse reports how many items one manual dispatch cycle settled.
type DispatchResponse struct {
	Dispatched int `json:"dispatched"`
}

// ProcessResponse reports the outcome of processing a single event or task.
type ProcessResponse struct {
	Settled bool `json:"settled"`
}

// ScheduleTaskRequest is the body for POST /v1/tasks.
type ScheduleTaskRequest struct {
	// Name routes the task to a registered handler.
	Name string `json:"name"`

	// AgentKind attributes the task to an agent family for rate limiting
	// and audit. Optional.
	AgentKind string `json:"agent_kind,omitempty"`

	// UserID is the user the task acts on behalf of. When set together
	// with Name, pending tasks with the same pair are superseded.
	UserID string `json:"user_id,omitempty"`

	// ContextID and ContextKind reference the entity the task is about.
	ContextID   string `json:"context_id,omitempty"`
	ContextKind string `json:"context_kind,omitempty"`

	// ScheduledFor defaults to now when zero.
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`

	// Priority is one of urgent, high, medium, low; defaults to medium.
	Priority string `json:"priority,omitempty"`

	// MaxRetries defaults to 3 when zero.
	MaxRetries int `json:"max_retries,omitempty"`

	// Context is the JSON-encoded handler input.
	Context json.RawMessage `json:"context,omitempty"`
}

// ListTasksRequest filters the task list.
type ListTasksRequest struct {
	State     string `query:"state" json:"state,omitempty"`
	Limit     int    `query:"limit" json:"limit,omitempty"`
	Offset    int    `query:"offset" json:"offset,omitempty"`
	Name      string `query:"name" json:"name,omitempty"`
	UserID    string `query:"user_id" json:"user_id,omitempty"`
	AgentKind string `query:"agent_kind" json:"agent_kind,omitempty"`
}

// TaskCountsResponse reports task counts grouped by state.
type TaskCountsResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// ListDLQRequest filters the dead letter list.
type ListDLQRequest struct {
	Limit     int    `query:"limit" json:"limit,omitempty"`
	Offset    int    `query:"offset" json:"offset,omitempty"`
	EventName string `query:"event_name" json:"event_name,omitempty"`
}

// PurgeDLQResponse reports how many entries a purge removed.
type PurgeDLQResponse struct {
	Purged int `json:"purged"`
}

// DLQCountResponse reports the total number of dead letters.
type DLQCountResponse struct {
	Count int `json:"count"`
}

// CreateOpportunityRequest is the body for POST /v1/opportunities.
type CreateOpportunityRequest struct {
	ConnectorUserID string `json:"connector_user_id"`
	SubjectID       string `json:"subject_id"`
	BountyCredits   int    `json:"bounty_credits"`
}

// CreateRequestRequest is the body for POST /v1/requests.
type CreateRequestRequest struct {
	RequestorUserID  string `json:"requestor_user_id"`
	IntroduceeUserID string `json:"introducee_user_id"`
	SubjectID        string `json:"subject_id"`
}

// CreateOfferRequest is the body for POST /v1/offers.
type CreateOfferRequest struct {
	OfferingUserID   string `json:"offering_user_id"`
	IntroduceeUserID string `json:"introducee_user_id"`
	SubjectID        string `json:"subject_id"`
	BountyCredits    int    `json:"bounty_credits"`
}

// ListPriorityRequest bounds the priority entry list.
type ListPriorityRequest struct {
	Limit int `query:"limit" json:"limit,omitempty"`
}

// CreditBalanceResponse reports a user's total granted credits.
type CreditBalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

// ListCreditsRequest pages through a user's credit awards.
type ListCreditsRequest struct {
	Limit  int `query:"limit" json:"limit,omitempty"`
	Offset int `query:"offset" json:"offset,omitempty"`
}

// ListActionsRequest filters the agent action list.
type ListActionsRequest struct {
	Limit     int    `query:"limit" json:"limit,omitempty"`
	Offset    int    `query:"offset" json:"offset,omitempty"`
	TaskID    string `query:"task_id" json:"task_id,omitempty"`
	UserID    string `query:"user_id" json:"user_id,omitempty"`
	AgentKind string `query:"agent_kind" json:"agent_kind,omitempty"`
}

// Path-only requests. Forge binds the path parameters; there is no body
// or query surface.
type (
	GetEventRequest                struct{}
	ProcessEventRequest            struct{}
	ProcessTaskRequest             struct{}
	GetTaskRequest                 struct{}
	CancelTaskRequest              struct{}
	GetDLQRequest                  struct{}
	ReplayDLQRequest               struct{}
	GetOpportunityRequest          struct{}
	GetRequestRequest              struct{}
	GetOfferRequest                struct{}
	ConfirmOfferRequest            struct{}
	AcceptIntroductionRequest      struct{}
	CompleteIntroductionRequest    struct{}
	DeclineIntroductionRequest     struct{}
	CancelIntroductionRequest      struct{}
	ListActiveIntroductionsRequest struct{}
	ListPausedIntroductionsRequest struct{}
	PriorityNextRequest            struct{}
	CreditBalanceRequest           struct{}
)

// defaultLimit clamps a requested page size to a sane default.
func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
