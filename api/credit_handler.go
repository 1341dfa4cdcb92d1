package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/id"
)

func (a *API) creditBalance(ctx forge.Context, _ *CreditBalanceRequest) (*CreditBalanceResponse, error) {
	userID, err := id.ParseUserID(ctx.Param("userId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
	}

	balance, err := a.eng.Ledger().BalanceFor(ctx.Context(), userID)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	resp := &CreditBalanceResponse{UserID: userID.String(), Balance: balance}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) creditHistory(ctx forge.Context, req *ListCreditsRequest) ([]*credit.Award, error) {
	userID, err := id.ParseUserID(ctx.Param("userId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
	}

	awards, err := a.eng.Ledger().History(ctx.Context(), userID, defaultLimit(req.Limit), req.Offset)
	if err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}

	return awards, ctx.JSON(http.StatusOK, awards)
}
