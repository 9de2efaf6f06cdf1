package relay

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
)

// Action is a client-issued action.
type Action string

const (
	ActionStart          Action = "start"
	ActionJoin           Action = "join"
	ActionMove           Action = "move"
	ActionConfirm        Action = "confirm"
	ActionRequestRematch Action = "requestRematch"
	ActionLeave          Action = "leave"
)

var (
	// ErrNotInRoom rejects an action from a connection that has not joined a
	// game, or whose room was torn down before the action got its turn.
	ErrNotInRoom = errors.New("connection is not in a room")

	// ErrBadRequest marks malformed client requests.
	ErrBadRequest = errors.New("bad request")
)

// Request is one client action with its payload.
type Request struct {
	Action     Action
	GameID     string // start, join
	PlayerName string // start, join; optional

	// Colors are passed to setupPlayer alongside PlayerName; both optional.
	PlayerColor   string
	OpponentColor string

	Column *int // move
}

type backendCall struct {
	action  gateway.Action
	payload map[string]any
}

// Dispatch runs req on behalf of connID. Errors belong to the issuing
// connection alone and are never broadcast: gateway errors are returned as
// they came from the backend, and nothing is fetched after a failure.
func (r *Relay) Dispatch(ctx context.Context, connID string, req Request) error {
	switch req.Action {
	case ActionStart, ActionJoin:
		return r.enter(ctx, connID, req)
	case ActionLeave:
		r.Unbind(ctx, connID)
		return nil
	case ActionMove, ActionConfirm, ActionRequestRematch:
	default:
		return errors.Wrapf(ErrBadRequest, "unknown action %q", req.Action)
	}

	gameID, ok := r.table.binding(connID)
	if !ok {
		return ErrNotInRoom
	}
	rm := r.table.get(gameID)
	if rm == nil {
		return ErrNotInRoom
	}

	var call backendCall
	switch req.Action {
	case ActionMove:
		if req.Column == nil {
			return errors.Wrap(ErrBadRequest, "move requires a column")
		}
		call = backendCall{gateway.ActionMove, map[string]any{"column": *req.Column}}
	case ActionConfirm:
		call = backendCall{action: gateway.ActionConfirm}
	case ActionRequestRematch:
		call = backendCall{action: gateway.ActionRequestRematch}
	}

	if err := r.gated(ctx, rm, call); err != nil {
		return err
	}
	r.afterAction(ctx, rm)
	return nil
}

// enter binds the connection and registers it with the backend. A binding
// this call created is rolled back if the backend refuses.
func (r *Relay) enter(ctx context.Context, connID string, req Request) error {
	if req.GameID == "" {
		return errors.Wrapf(ErrBadRequest, "%s requires a gameId", req.Action)
	}

	rm, added, err := r.bind(ctx, connID, req.GameID)
	if err != nil {
		return err
	}

	calls := []backendCall{{action: gateway.ActionJoin}}
	if req.Action == ActionStart {
		calls[0].action = gateway.ActionStart
	}
	if req.PlayerName != "" {
		calls = append(calls, backendCall{gateway.ActionSetupPlayer, setupPayload(req)})
	}

	if err := r.gated(ctx, rm, calls...); err != nil {
		if added {
			r.unbind(ctx, connID, false)
		}
		return err
	}
	r.afterAction(ctx, rm)
	return nil
}

func setupPayload(req Request) map[string]any {
	payload := map[string]any{"playerName": req.PlayerName}
	if req.PlayerColor != "" {
		payload["playerColor"] = req.PlayerColor
	}
	if req.OpponentColor != "" {
		payload["opponentColor"] = req.OpponentColor
	}
	return payload
}

// gated runs calls in order while holding the room's gate.
func (r *Relay) gated(ctx context.Context, rm *room, calls ...backendCall) error {
	rm.gate.Lock()
	defer rm.gate.Unlock()

	if rm.isClosing() {
		return ErrNotInRoom
	}
	for _, c := range calls {
		if _, err := r.backend.Call(ctx, rm.id, c.action, c.payload); err != nil {
			return err
		}
	}
	return nil
}

// afterAction pushes the post-action snapshot. A failed fetch does not fail
// the action; the next reconciliation tick delivers the state instead.
func (r *Relay) afterAction(ctx context.Context, rm *room) {
	if err := r.broadcastRoom(ctx, rm, metrics.TriggerAction); err != nil && rm.ctx.Err() == nil {
		r.logger.Warn("post-action broadcast failed",
			zap.String("game_id", rm.id),
			zap.Error(err))
	}
}
