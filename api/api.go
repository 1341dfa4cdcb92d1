package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/engine"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/lifecycle"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/task"
)

// API wires all Forge-style HTTP handlers together for the introq system.
type API struct {
	eng    *engine.Engine
	router forge.Router
}

// New creates an API from an introq Engine.
func New(eng *engine.Engine, router forge.Router) *API {
	return &API{eng: eng, router: router}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all introq API routes into the given Forge router
// with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerEventRoutes(router)
	a.registerTaskRoutes(router)
	a.registerDLQRoutes(router)
	a.registerLifecycleRoutes(router)
	a.registerPriorityRoutes(router)
	a.registerCreditRoutes(router)
	a.registerAuditRoutes(router)
	a.registerHealthRoutes(router)
}

// registerEventRoutes registers event log management routes.
func (a *API) registerEventRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("events"))

	_ = g.POST("/events", a.appendEvent,
		forge.WithSummary("Append event"),
		forge.WithDescription("Appends a raw event to the durable log."),
		forge.WithOperationID("appendEvent"),
		forge.WithRequestSchema(AppendEventRequest{}),
		forge.WithCreatedResponse(&event.Event{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/events", a.listEvents,
		forge.WithSummary("List unprocessed events"),
		forge.WithDescription("Returns unprocessed events in dispatch order."),
		forge.WithOperationID("listEvents"),
		forge.WithRequestSchema(ListEventsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Event list", []*event.Event{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/events/counts", a.eventCounts,
		forge.WithSummary("Event counts"),
		forge.WithDescription("Returns event counts split by processed state."),
		forge.WithOperationID("eventCounts"),
		forge.WithResponseSchema(http.StatusOK, "Event counts", EventCountsResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/events/:eventId", a.getEvent,
		forge.WithSummary("Get event"),
		forge.WithDescription("Returns details of a specific event."),
		forge.WithOperationID("getEvent"),
		forge.WithResponseSchema(http.StatusOK, "Event details", &event.Event{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/events/:eventId/process", a.processEvent,
		forge.WithSummary("Process event"),
		forge.WithDescription("Dispatches a single unprocessed event immediately."),
		forge.WithOperationID("processEvent"),
		forge.WithResponseSchema(http.StatusOK, "Process result", ProcessResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/events/dispatch", a.dispatchEvents,
		forge.WithSummary("Dispatch events"),
		forge.WithDescription("Runs one event dispatch cycle outside the poll loop."),
		forge.WithOperationID("dispatchEvents"),
		forge.WithResponseSchema(http.StatusOK, "Dispatch result", DispatchResponse{}),
		forge.WithErrorResponses(),
	)
}

// registerTaskRoutes registers scheduled task management routes.
func (a *API) registerTaskRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("tasks"))

	_ = g.POST("/tasks", a.scheduleTask,
		forge.WithSummary("Schedule task"),
		forge.WithDescription("Schedules a task, superseding pending tasks with the same user and name."),
		forge.WithOperationID("scheduleTask"),
		forge.WithRequestSchema(ScheduleTaskRequest{}),
		forge.WithCreatedResponse(&task.Task{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/tasks", a.listTasks,
		forge.WithSummary("List tasks"),
		forge.WithDescription("Returns tasks filtered by state, name, user, and agent kind."),
		forge.WithOperationID("listTasks"),
		forge.WithRequestSchema(ListTasksRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Task list", []*task.Task{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/tasks/counts", a.taskCounts,
		forge.WithSummary("Task counts"),
		forge.WithDescription("Returns task counts grouped by state."),
		forge.WithOperationID("taskCounts"),
		forge.WithResponseSchema(http.StatusOK, "Task counts", TaskCountsResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/tasks/:taskId", a.getTask,
		forge.WithSummary("Get task"),
		forge.WithDescription("Returns details of a specific task."),
		forge.WithOperationID("getTask"),
		forge.WithResponseSchema(http.StatusOK, "Task details", &task.Task{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/tasks/:taskId/cancel", a.cancelTask,
		forge.WithSummary("Cancel task"),
		forge.WithDescription("Cancels a pending task."),
		forge.WithOperationID("cancelTask"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/tasks/:taskId/process", a.processTask,
		forge.WithSummary("Process task"),
		forge.WithDescription("Runs a single pending task immediately, ignoring its scheduled time."),
		forge.WithOperationID("processTask"),
		forge.WithResponseSchema(http.StatusOK, "Process result", ProcessResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/tasks/dispatch", a.dispatchTasks,
		forge.WithSummary("Dispatch tasks"),
		forge.WithDescription("Runs one task dispatch cycle outside the poll loop."),
		forge.WithOperationID("dispatchTasks"),
		forge.WithResponseSchema(http.StatusOK, "Dispatch result", DispatchResponse{}),
		forge.WithErrorResponses(),
	)
}

// registerDLQRoutes registers dead letter queue management routes.
func (a *API) registerDLQRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("dlq"))

	_ = g.GET("/dlq", a.listDLQ,
		forge.WithSummary("List DLQ entries"),
		forge.WithDescription("Returns dead letter queue entries."),
		forge.WithOperationID("listDLQ"),
		forge.WithRequestSchema(ListDLQRequest{}),
		forge.WithResponseSchema(http.StatusOK, "DLQ entries", []*dlq.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/dlq/count", a.dlqCount,
		forge.WithSummary("DLQ count"),
		forge.WithDescription("Returns the total number of DLQ entries."),
		forge.WithOperationID("dlqCount"),
		forge.WithResponseSchema(http.StatusOK, "DLQ count", DLQCountResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/dlq/:entryId", a.getDLQ,
		forge.WithSummary("Get DLQ entry"),
		forge.WithDescription("Returns details of a specific DLQ entry."),
		forge.WithOperationID("getDLQ"),
		forge.WithResponseSchema(http.StatusOK, "DLQ entry details", &dlq.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/dlq/:entryId/replay", a.replayDLQ,
		forge.WithSummary("Replay DLQ entry"),
		forge.WithDescription("Re-appends a dead letter as a fresh unprocessed event."),
		forge.WithOperationID("replayDLQ"),
		forge.WithCreatedResponse(&event.Event{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/dlq/purge", a.purgeDLQ,
		forge.WithSummary("Purge DLQ"),
		forge.WithDescription("Removes old DLQ entries."),
		forge.WithOperationID("purgeDLQ"),
		forge.WithResponseSchema(http.StatusOK, "Purge result", PurgeDLQResponse{}),
		forge.WithErrorResponses(),
	)
}

// registerLifecycleRoutes registers introduction workflow routes.
func (a *API) registerLifecycleRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("introductions"))

	_ = g.POST("/opportunities", a.createOpportunity,
		forge.WithSummary("Create opportunity"),
		forge.WithDescription("Opens a connector-initiated introduction opportunity."),
		forge.WithOperationID("createOpportunity"),
		forge.WithRequestSchema(CreateOpportunityRequest{}),
		forge.WithCreatedResponse(&lifecycle.Opportunity{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/opportunities/:opportunityId", a.getOpportunity,
		forge.WithSummary("Get opportunity"),
		forge.WithDescription("Returns details of a specific opportunity."),
		forge.WithOperationID("getOpportunity"),
		forge.WithResponseSchema(http.StatusOK, "Opportunity details", &lifecycle.Opportunity{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/requests", a.createRequest,
		forge.WithSummary("Create connection request"),
		forge.WithDescription("Opens an introducee-initiated connection request."),
		forge.WithOperationID("createRequest"),
		forge.WithRequestSchema(CreateRequestRequest{}),
		forge.WithCreatedResponse(&lifecycle.Request{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/requests/:requestId", a.getRequest,
		forge.WithSummary("Get connection request"),
		forge.WithDescription("Returns details of a specific connection request."),
		forge.WithOperationID("getRequest"),
		forge.WithResponseSchema(http.StatusOK, "Request details", &lifecycle.Request{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/offers", a.createOffer,
		forge.WithSummary("Create offer"),
		forge.WithDescription("Opens an offer to introduce a subject."),
		forge.WithOperationID("createOffer"),
		forge.WithRequestSchema(CreateOfferRequest{}),
		forge.WithCreatedResponse(&lifecycle.Offer{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/offers/:offerId", a.getOffer,
		forge.WithSummary("Get offer"),
		forge.WithDescription("Returns details of a specific offer."),
		forge.WithOperationID("getOffer"),
		forge.WithResponseSchema(http.StatusOK, "Offer details", &lifecycle.Offer{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/offers/:offerId/confirm", a.confirmOffer,
		forge.WithSummary("Confirm offer"),
		forge.WithDescription("Confirms an accepted offer, moving it to confirmed."),
		forge.WithOperationID("confirmOffer"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/introductions/:kind/:entityId/accept", a.acceptIntroduction,
		forge.WithSummary("Accept introduction"),
		forge.WithDescription("Accepts a workflow, pausing the subject's other active introductions."),
		forge.WithOperationID("acceptIntroduction"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/introductions/:kind/:entityId/complete", a.completeIntroduction,
		forge.WithSummary("Complete introduction"),
		forge.WithDescription("Completes a workflow, cancelling the subject's paused introductions and granting credits."),
		forge.WithOperationID("completeIntroduction"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/introductions/:kind/:entityId/decline", a.declineIntroduction,
		forge.WithSummary("Decline introduction"),
		forge.WithDescription("Declines a workflow."),
		forge.WithOperationID("declineIntroduction"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/introductions/:kind/:entityId/cancel", a.cancelIntroduction,
		forge.WithSummary("Cancel introduction"),
		forge.WithDescription("Cancels a workflow."),
		forge.WithOperationID("cancelIntroduction"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/subjects/:subjectId/introductions/active", a.listActiveIntroductions,
		forge.WithSummary("List active introductions"),
		forge.WithDescription("Returns the subject's workflows still in their initial status."),
		forge.WithOperationID("listActiveIntroductions"),
		forge.WithResponseSchema(http.StatusOK, "Workflow references", []lifecycle.Ref{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/subjects/:subjectId/introductions/paused", a.listPausedIntroductions,
		forge.WithSummary("List paused introductions"),
		forge.WithDescription("Returns the subject's paused workflows."),
		forge.WithOperationID("listPausedIntroductions"),
		forge.WithResponseSchema(http.StatusOK, "Workflow references", []lifecycle.Ref{}),
		forge.WithErrorResponses(),
	)
}

// registerPriorityRoutes registers priority queue projection routes.
func (a *API) registerPriorityRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("priority"))

	_ = g.GET("/users/:userId/priority/next", a.priorityNext,
		forge.WithSummary("Next priority entry"),
		forge.WithDescription("Returns the user's highest-scored active priority entry."),
		forge.WithOperationID("priorityNext"),
		forge.WithResponseSchema(http.StatusOK, "Priority entry", &priority.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/users/:userId/priority", a.priorityList,
		forge.WithSummary("List priority entries"),
		forge.WithDescription("Returns the user's active priority entries by descending score."),
		forge.WithOperationID("priorityList"),
		forge.WithRequestSchema(ListPriorityRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Priority entries", []*priority.Entry{}),
		forge.WithErrorResponses(),
	)
}

// registerCreditRoutes registers credit ledger routes.
func (a *API) registerCreditRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("credits"))

	_ = g.GET("/users/:userId/credits", a.creditBalance,
		forge.WithSummary("Credit balance"),
		forge.WithDescription("Returns the user's total granted credits."),
		forge.WithOperationID("creditBalance"),
		forge.WithResponseSchema(http.StatusOK, "Credit balance", CreditBalanceResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/users/:userId/credits/history", a.creditHistory,
		forge.WithSummary("Credit history"),
		forge.WithDescription("Returns the user's credit awards, newest first."),
		forge.WithOperationID("creditHistory"),
		forge.WithRequestSchema(ListCreditsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Credit awards", []*credit.Award{}),
		forge.WithErrorResponses(),
	)
}

// registerAuditRoutes registers agent action audit routes.
func (a *API) registerAuditRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("audit"))

	_ = g.GET("/actions", a.listActions,
		forge.WithSummary("List agent actions"),
		forge.WithDescription("Returns recorded agent actions, newest first."),
		forge.WithOperationID("listActions"),
		forge.WithRequestSchema(ListActionsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Action list", []*audit.Action{}),
		forge.WithErrorResponses(),
	)
}

// registerHealthRoutes registers the health probe.
func (a *API) registerHealthRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("health"))

	_ = g.GET("/health", a.health,
		forge.WithSummary("Health"),
		forge.WithDescription("Pings the store and reports queue depths and progress watermarks."),
		forge.WithOperationID("health"),
		forge.WithResponseSchema(http.StatusOK, "Health report", &engine.Health{}),
		forge.WithErrorResponses(),
	)
}
