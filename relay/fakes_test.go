package relay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/relay"
	"github.com/mauricedolibois/connectfour/server/session"
)

type backendCall struct {
	GameID  string
	Action  gateway.Action
	Payload map[string]any
}

// fakeBackend records calls and serves a per-game version counter as the
// snapshot. Hooks run outside the lock, while the call is in flight.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []backendCall
	versions  map[string]int
	fetchSeq  int
	inFlight  map[string]int
	maxFlight map[string]int
	errs      map[gateway.Action]error
	hooks     map[gateway.Action]func(backendCall)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		versions:  make(map[string]int),
		inFlight:  make(map[string]int),
		maxFlight: make(map[string]int),
		errs:      make(map[gateway.Action]error),
		hooks:     make(map[gateway.Action]func(backendCall)),
	}
}

func (f *fakeBackend) Call(_ context.Context, gameID string, action gateway.Action, payload map[string]any) (json.RawMessage, error) {
	c := backendCall{GameID: gameID, Action: action, Payload: payload}

	f.mu.Lock()
	f.calls = append(f.calls, c)
	if action.Mutating() {
		f.inFlight[gameID]++
		if f.inFlight[gameID] > f.maxFlight[gameID] {
			f.maxFlight[gameID] = f.inFlight[gameID]
		}
	}
	fetch := 0
	if action == gateway.ActionFetchState {
		f.fetchSeq++
		fetch = f.fetchSeq
	}
	hook := f.hooks[action]
	err := f.errs[action]
	f.mu.Unlock()

	if hook != nil {
		hook(c)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if action.Mutating() {
		f.inFlight[gameID]--
	}
	if err != nil {
		return nil, err
	}
	if action == gateway.ActionFetchState {
		return json.RawMessage(fmt.Sprintf(`{"game":%q,"version":%d,"fetch":%d}`, gameID, f.versions[gameID], fetch)), nil
	}
	f.versions[gameID]++
	return json.RawMessage(`{}`), nil
}

func (f *fakeBackend) setErr(action gateway.Action, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[action] = err
}

func (f *fakeBackend) setHook(action gateway.Action, hook func(backendCall)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[action] = hook
}

func (f *fakeBackend) count(gameID string, action gateway.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.GameID == gameID && c.Action == action {
			n++
		}
	}
	return n
}

func (f *fakeBackend) total(gameID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.GameID == gameID {
			n++
		}
	}
	return n
}

func (f *fakeBackend) actions(gameID string) []gateway.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.Action
	for _, c := range f.calls {
		if c.GameID == gameID {
			out = append(out, c.Action)
		}
	}
	return out
}

// mutations filters actions down to the gated ones.
func mutations(actions []gateway.Action) []gateway.Action {
	var out []gateway.Action
	for _, a := range actions {
		if a.Mutating() {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeBackend) columns(gameID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, c := range f.calls {
		if c.GameID == gameID && c.Action == gateway.ActionMove {
			out = append(out, c.Payload["column"])
		}
	}
	return out
}

func (f *fakeBackend) maxInFlight(gameID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight[gameID]
}

type fakePublisher struct {
	mu      sync.Mutex
	updates map[string][]relay.StateUpdate
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{updates: make(map[string][]relay.StateUpdate)}
}

func (p *fakePublisher) PublishState(connID string, update relay.StateUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates[connID] = append(p.updates[connID], update)
}

func (p *fakePublisher) received(connID string) []relay.StateUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relay.StateUpdate(nil), p.updates[connID]...)
}

func (p *fakePublisher) last(connID string) relay.StateUpdate {
	got := p.received(connID)
	if len(got) == 0 {
		return relay.StateUpdate{}
	}
	return got[len(got)-1]
}

type fixture struct {
	relay   *relay.Relay
	backend *fakeBackend
	pub     *fakePublisher
	store   *session.MemoryStore
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(),
		pub:     newFakePublisher(),
		store:   session.NewMemoryStore(),
	}
	f.relay = relay.New(f.backend, f.store, f.pub,
		relay.WithReconcileInterval(interval),
		relay.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(f.relay.Close)
	return f
}

func column(n int) *int { return &n }
