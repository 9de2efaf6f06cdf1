package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// room is one active game. Lock order: table.mu, then room.publishMu, then
// room.mu. The gate is never taken while holding any of them.
type room struct {
	id string

	// gate admits one mutating backend call for this game at a time.
	gate sync.Mutex

	// publishMu keeps apply-and-publish atomic so members never see an older
	// snapshot after a newer one.
	publishMu sync.Mutex

	mu          sync.Mutex
	members     map[string]struct{}
	snapshot    json.RawMessage
	broadcastAt time.Time
	fetchSeq    uint64 // last fetch started
	appliedSeq  uint64 // fetch whose result is in snapshot
	closing     bool

	// fetches counts fetches in flight. Teardown waits for it before the
	// credential is released, so a late renewal cannot outlive the room.
	fetches sync.WaitGroup

	// ctx bounds every fetch for the room; cancelled by stopReconcile.
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	closed chan struct{} // closed when teardown has finished
}

func newRoom(id string) *room {
	ctx, cancel := context.WithCancel(context.Background())
	return &room{
		id:      id,
		members: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (rm *room) isClosing() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.closing
}

// beginFetch numbers a new fetch and counts it in flight. It refuses once the
// room is closing; the caller must call fetches.Done when ok.
func (rm *room) beginFetch() (seq uint64, ok bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closing {
		return 0, false
	}
	rm.fetchSeq++
	rm.fetches.Add(1)
	return rm.fetchSeq, true
}

// apply stores update if it comes from the newest fetch applied so far and
// returns the members to publish to.
func (rm *room) apply(seq uint64, update StateUpdate) ([]string, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closing || seq <= rm.appliedSeq {
		return nil, false
	}
	rm.appliedSeq = seq
	rm.snapshot = update.State
	rm.broadcastAt = update.At

	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	return members, true
}

func (rm *room) info() RoomInfo {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	return RoomInfo{
		GameID:      rm.id,
		Members:     members,
		Snapshot:    rm.snapshot,
		BroadcastAt: rm.broadcastAt,
	}
}

// stopReconcile stops the ticker goroutine and waits for it to exit. Every
// fetch still in flight is aborted.
func (rm *room) stopReconcile() {
	rm.stopOnce.Do(func() {
		rm.cancel()
		close(rm.stop)
	})
	<-rm.done
}

// table is the registry of rooms and connection bindings.
type table struct {
	mu       sync.Mutex
	rooms    map[string]*room
	bindings map[string]string // connection id -> game id
}

func newTable() *table {
	return &table{
		rooms:    make(map[string]*room),
		bindings: make(map[string]string),
	}
}

type attachResult struct {
	room    *room
	created bool
	// already is set when the connection was a member before the call.
	already bool
	// boundElsewhere names the game the connection must leave first.
	boundElsewhere string
	// waitFor is set when the game's previous room is still tearing down.
	waitFor <-chan struct{}
}

func (t *table) attach(connID, gameID string) attachResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.bindings[connID]; ok && current != gameID {
		return attachResult{boundElsewhere: current}
	}

	rm, ok := t.rooms[gameID]
	if ok && rm.isClosing() {
		return attachResult{waitFor: rm.closed}
	}

	created := false
	if !ok {
		rm = newRoom(gameID)
		t.rooms[gameID] = rm
		created = true
	}

	rm.mu.Lock()
	_, already := rm.members[connID]
	rm.members[connID] = struct{}{}
	rm.mu.Unlock()
	t.bindings[connID] = gameID

	return attachResult{room: rm, created: created, already: already}
}

// detach removes connID's binding. emptied is true when connID was the last
// member; the room is then marked closing and the caller owns its teardown.
func (t *table) detach(connID string) (rm *room, emptied, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gameID, ok := t.bindings[connID]
	if !ok {
		return nil, false, false
	}
	delete(t.bindings, connID)

	rm = t.rooms[gameID]
	rm.mu.Lock()
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		rm.closing = true
		emptied = true
	}
	rm.mu.Unlock()
	return rm, emptied, true
}

func (t *table) remove(rm *room) {
	t.mu.Lock()
	if t.rooms[rm.id] == rm {
		delete(t.rooms, rm.id)
	}
	t.mu.Unlock()
	close(rm.closed)
}

func (t *table) get(gameID string) *room {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms[gameID]
}

func (t *table) binding(connID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gameID, ok := t.bindings[connID]
	return gameID, ok
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

// drain empties the table and returns the rooms that were in it.
func (t *table) drain() []*room {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms := make([]*room, 0, len(t.rooms))
	for id, rm := range t.rooms {
		rm.mu.Lock()
		rm.closing = true
		rm.mu.Unlock()
		rooms = append(rooms, rm)
		delete(t.rooms, id)
	}
	t.bindings = make(map[string]string)
	return rooms
}
