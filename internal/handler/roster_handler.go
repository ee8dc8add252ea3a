package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"spachat/internal/app/chat"
	"spachat/internal/pkg/errs"
	"spachat/internal/pkg/resp"
)

// rosterTimeout bounds how long a roster request waits for the relay loop.
const rosterTimeout = 3 * time.Second

// HandleRoster serves the current roster snapshot.
func HandleRoster(relay *chat.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), rosterTimeout)
		defer cancel()

		roster, err := relay.Roster(ctx)
		if err != nil {
			if errors.Is(err, chat.ErrRelayStopped) || errors.Is(err, context.DeadlineExceeded) {
				resp.RespondError(w, r, errs.NewError(errs.ErrRelayUnavailable))
				return
			}
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"people": roster,
			"count":  len(roster),
		})
	}
}
