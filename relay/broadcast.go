package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
)

// BroadcastNow fetches gameID's snapshot and pushes it to every member. It is
// a no-op when no room is active for gameID.
func (r *Relay) BroadcastNow(ctx context.Context, gameID string) error {
	rm := r.table.get(gameID)
	if rm == nil {
		return nil
	}
	return r.broadcastRoom(ctx, rm, metrics.TriggerAction)
}

// broadcastRoom is the single fetch-and-fan-out path. Fetches skip the gate.
// Each fetch is ordered by when it started: a result is dropped if a fetch
// that started later has already been applied. A fetch ends with the room:
// it is aborted when teardown begins and never starts on a closing room.
func (r *Relay) broadcastRoom(ctx context.Context, rm *room, trigger string) error {
	seq, ok := rm.beginFetch()
	if !ok {
		return nil
	}
	defer rm.fetches.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rm.ctx, cancel)
	defer stop()

	state, err := r.backend.Call(ctx, rm.id, gateway.ActionFetchState, nil)
	if err != nil {
		return err
	}
	update := StateUpdate{GameID: rm.id, State: state, At: r.now()}

	rm.publishMu.Lock()
	defer rm.publishMu.Unlock()

	members, ok := rm.apply(seq, update)
	if !ok {
		r.metrics.StaleFetch()
		return nil
	}
	for _, connID := range members {
		r.publisher.PublishState(connID, update)
	}
	r.metrics.Broadcast(trigger)
	return nil
}

// reconcile re-broadcasts on every tick until the room is torn down.
func (r *Relay) reconcile(rm *room) {
	defer close(rm.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.stop:
			return
		case <-ticker.C:
			if err := r.broadcastRoom(rm.ctx, rm, metrics.TriggerReconcile); err != nil && rm.ctx.Err() == nil {
				r.logger.Debug("reconciliation fetch failed",
					zap.String("game_id", rm.id),
					zap.Error(err))
			}
		}
	}
}
