package relay

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
)

// Bind attaches connID to gameID's room, creating the room if needed, and
// pushes the current snapshot so the new member is not stale. A connection
// bound to another game is unbound from it first.
func (r *Relay) Bind(ctx context.Context, connID, gameID string) error {
	rm, _, err := r.bind(ctx, connID, gameID)
	if err != nil {
		return err
	}
	return r.broadcastRoom(ctx, rm, metrics.TriggerBind)
}

// bind reports added=false when connID was already a member of the room.
func (r *Relay) bind(ctx context.Context, connID, gameID string) (rm *room, added bool, err error) {
	for {
		res := r.table.attach(connID, gameID)
		switch {
		case res.boundElsewhere != "":
			r.Unbind(ctx, connID)
			continue
		case res.waitFor != nil:
			select {
			case <-res.waitFor:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		if res.created {
			r.metrics.RoomOpened()
			go r.reconcile(res.room)
			r.logger.Info("room opened", zap.String("game_id", gameID))
		}
		if !res.already {
			r.metrics.Bound()
			r.logger.Debug("connection bound",
				zap.String("conn_id", connID),
				zap.String("game_id", gameID))
		}
		return res.room, !res.already, nil
	}
}

// Unbind detaches connID from its room. It is the only teardown path: explicit
// leave and transport disconnect both end here, and calling it for an unbound
// connection does nothing. Either way the backend is told about the departure.
// While members remain they are pushed the resulting state. When the last
// member leaves, the room's ticker is stopped, the credential is released and
// the room is deleted.
func (r *Relay) Unbind(ctx context.Context, connID string) {
	r.unbind(ctx, connID, true)
}

// unbind with departed=false drops a binding the backend never accepted, so
// remaining members are left alone.
func (r *Relay) unbind(ctx context.Context, connID string, departed bool) {
	rm, emptied, ok := r.table.detach(connID)
	if !ok {
		return
	}
	r.metrics.Unbound()
	r.logger.Debug("connection unbound",
		zap.String("conn_id", connID),
		zap.String("game_id", rm.id))

	if emptied {
		r.teardown(ctx, rm)
		return
	}
	if departed {
		r.depart(ctx, rm, connID)
	}
}

// depart sends disconnect for a member that left a room others still hold.
// If the room started closing meanwhile, teardown sends it instead.
func (r *Relay) depart(ctx context.Context, rm *room, connID string) {
	err := r.gated(ctx, rm, backendCall{action: gateway.ActionDisconnect})
	switch {
	case errors.Is(err, ErrNotInRoom):
		return
	case err != nil:
		r.logger.Warn("backend disconnect failed for departing member",
			zap.String("conn_id", connID),
			zap.String("game_id", rm.id),
			zap.Error(err))
		return
	}
	r.afterAction(ctx, rm)
}

func (r *Relay) teardown(ctx context.Context, rm *room) {
	rm.stopReconcile()
	rm.fetches.Wait()

	rm.gate.Lock()
	if _, err := r.backend.Call(ctx, rm.id, gateway.ActionDisconnect, nil); err != nil {
		r.metrics.CleanupFailure()
		r.logger.Warn("backend disconnect failed during room teardown",
			zap.String("game_id", rm.id),
			zap.Error(err))
	}
	r.credentials.Release(context.WithoutCancel(ctx), rm.id)
	rm.gate.Unlock()

	r.metrics.RoomClosed()
	r.logger.Info("room closed", zap.String("game_id", rm.id))
	r.table.remove(rm)
}
