// Package api exposes the introq engine over HTTP: event and task
// management, dead letter inspection and replay, the introduction
// workflows, priority queues, credits, audit, and health.
package api

import (
	"net/http"

	"github.com/xraph/forge"
)

func (a *API) health(ctx forge.Context) error {
	h, err := a.eng.Health(ctx.Context())
	if err != nil {
		return forge.InternalError(err)
	}

	return ctx.JSON(http.StatusOK, h)
}
