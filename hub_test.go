package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
	"github.com/mauricedolibois/connectfour/server/relay"
	"github.com/mauricedolibois/connectfour/server/ticket"
)

type fakeRelay struct {
	mu       sync.Mutex
	requests []relay.Request
	binds    []string
	unbinds  []string
	err      error
	bindErr  error
}

func (f *fakeRelay) Bind(_ context.Context, connID, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, connID+":"+gameID)
	return f.bindErr
}

func (f *fakeRelay) Unbind(_ context.Context, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbinds = append(f.unbinds, connID)
}

func (f *fakeRelay) Dispatch(_ context.Context, _ string, req relay.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakeRelay) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRelay) snapshot() (reqs []relay.Request, binds, unbinds []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Request(nil), f.requests...),
		append([]string(nil), f.binds...),
		append([]string(nil), f.unbinds...)
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type hubFixture struct {
	hub      *Hub
	relay    *fakeRelay
	registry *prometheus.Registry
	cancel   context.CancelFunc
}

func newHubFixture(t *testing.T, tickets *ticket.Issuer) *hubFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	hub := NewHub(tickets, nil, zaptest.NewLogger(t), metrics.New(reg))
	fr := &fakeRelay{}
	hub.relay = fr

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		hub.Wait()
	})
	return &hubFixture{hub: hub, relay: fr, registry: reg, cancel: cancel}
}

func (f *hubFixture) connect(t *testing.T, id string, buffer int) *Client {
	t.Helper()
	c := &Client{hub: f.hub, id: id, send: make(chan []byte, buffer)}
	require.True(t, f.hub.join(c))
	return c
}

func next(t *testing.T, c *Client) received {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var msg received
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message for client")
		return received{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected message: %s", raw)
	default:
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func TestHub_MapsClientMessages(t *testing.T) {
	f := newHubFixture(t, nil)
	c := f.connect(t, "c1", 8)

	f.hub.handleMessage(c, []byte(`{"type":"START","payload":{"gameId":"G1","playerName":"ana","playerColor":"red","opponentColor":"yellow"}}`))
	f.hub.handleMessage(c, []byte(`{"type":"JOIN","payload":{"gameId":"G2"}}`))
	f.hub.handleMessage(c, []byte(`{"type":"MOVE","payload":{"column":3}}`))
	f.hub.handleMessage(c, []byte(`{"type":"CONFIRM"}`))
	f.hub.handleMessage(c, []byte(`{"type":"REQUEST_REMATCH","payload":{}}`))
	f.hub.handleMessage(c, []byte(`{"type":"LEAVE","payload":null}`))

	reqs, _, _ := f.relay.snapshot()
	require.Len(t, reqs, 6)
	assert.Equal(t, relay.Request{Action: relay.ActionStart, GameID: "G1", PlayerName: "ana", PlayerColor: "red", OpponentColor: "yellow"}, reqs[0])
	assert.Equal(t, relay.Request{Action: relay.ActionJoin, GameID: "G2"}, reqs[1])
	assert.Equal(t, relay.ActionMove, reqs[2].Action)
	require.NotNil(t, reqs[2].Column)
	assert.Equal(t, 3, *reqs[2].Column)
	assert.Equal(t, relay.ActionConfirm, reqs[3].Action)
	assert.Equal(t, relay.ActionRequestRematch, reqs[4].Action)
	assert.Equal(t, relay.ActionLeave, reqs[5].Action)

	assert.Equal(t, MsgTypeJoined, next(t, c).Type)
	assert.Equal(t, MsgTypeJoined, next(t, c).Type)
	assert.Equal(t, MsgTypeLeft, next(t, c).Type)
	assertSilent(t, c)
}

func TestHub_JoinedCarriesTicket(t *testing.T) {
	issuer := ticket.NewIssuer("secret", time.Minute)
	f := newHubFixture(t, issuer)
	c := f.connect(t, "c1", 8)

	f.hub.handleMessage(c, []byte(`{"type":"JOIN","payload":{"gameId":"G1"}}`))

	msg := next(t, c)
	require.Equal(t, MsgTypeJoined, msg.Type)
	var joined JoinedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &joined))
	assert.Equal(t, "G1", joined.GameID)

	claims, err := issuer.Verify(joined.Ticket)
	require.NoError(t, err)
	assert.Equal(t, "G1", claims.GameID)
}

func TestHub_ErrorReplies(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		action  string
		kind    string
		text    string
	}{
		{
			name:    "backend rejection verbatim",
			err:     &gateway.RejectionError{Action: gateway.ActionMove, GameID: "G1", Message: "column full"},
			message: `{"type":"MOVE","payload":{"column":0}}`,
			action:  MsgTypeMove, kind: KindRejected, text: "column full",
		},
		{
			name:    "transport failure",
			err:     &gateway.TransportError{Action: gateway.ActionConfirm, GameID: "G1", StatusCode: 502, Err: errors.New("bad gateway")},
			message: `{"type":"CONFIRM"}`,
			action:  MsgTypeConfirm, kind: KindTransport,
		},
		{
			name:    "not in room",
			err:     relay.ErrNotInRoom,
			message: `{"type":"REQUEST_REMATCH"}`,
			action:  MsgTypeRematch, kind: KindNotInRoom,
		},
		{
			name:    "relay bad request",
			err:     errors.Wrap(relay.ErrBadRequest, "move needs a column"),
			message: `{"type":"MOVE"}`,
			action:  MsgTypeMove, kind: KindBadRequest,
		},
		{
			name:    "malformed json",
			message: `{"type":`,
			kind:    KindBadRequest,
		},
		{
			name:    "unknown type",
			message: `{"type":"CHEAT"}`,
			action:  "CHEAT", kind: KindBadRequest,
		},
		{
			name:    "payload of the wrong shape",
			message: `{"type":"MOVE","payload":{"column":"three"}}`,
			action:  MsgTypeMove, kind: KindBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHubFixture(t, nil)
			f.relay.setErr(tt.err)
			c := f.connect(t, "c1", 8)

			f.hub.handleMessage(c, []byte(tt.message))

			msg := next(t, c)
			require.Equal(t, MsgTypeError, msg.Type)
			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			assert.Equal(t, tt.action, payload.Action)
			assert.Equal(t, tt.kind, payload.Kind)
			if tt.text != "" {
				assert.Equal(t, tt.text, payload.Message)
			} else {
				assert.NotEmpty(t, payload.Message)
			}
			assertSilent(t, c)
		})
	}
}

func TestHub_FailedJoinGetsNoJoined(t *testing.T) {
	f := newHubFixture(t, ticket.NewIssuer("secret", time.Minute))
	f.relay.setErr(&gateway.RejectionError{Message: "game full"})
	c := f.connect(t, "c1", 8)

	f.hub.handleMessage(c, []byte(`{"type":"JOIN","payload":{"gameId":"G1"}}`))

	assert.Equal(t, MsgTypeError, next(t, c).Type)
	assertSilent(t, c)
}

func TestHub_PublishState(t *testing.T) {
	f := newHubFixture(t, nil)
	c := f.connect(t, "c1", 8)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	f.hub.PublishState("c1", relay.StateUpdate{GameID: "G1", State: json.RawMessage(`{"turn":1}`), At: at})
	f.hub.PublishState("nobody", relay.StateUpdate{GameID: "G1"})

	msg := next(t, c)
	require.Equal(t, MsgTypeStateUpdate, msg.Type)
	var update relay.StateUpdate
	require.NoError(t, json.Unmarshal(msg.Payload, &update))
	assert.Equal(t, "G1", update.GameID)
	assert.JSONEq(t, `{"turn":1}`, string(update.State))
	assert.True(t, at.Equal(update.At))
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	f := newHubFixture(t, nil)
	f.connect(t, "slow", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			f.hub.PublishState("slow", relay.StateUpdate{GameID: "G1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishState blocked on a full client")
	}
	assert.Equal(t, float64(2), counterValue(t, f.registry, "relay_dropped_pushes_total"))
}

func TestHub_DisconnectUnbinds(t *testing.T) {
	f := newHubFixture(t, nil)
	c := f.connect(t, "c1", 8)

	f.hub.leave(c)
	f.hub.leave(c)

	assert.Eventually(t, func() bool {
		_, _, unbinds := f.relay.snapshot()
		return len(unbinds) == 1 && unbinds[0] == "c1"
	}, time.Second, 5*time.Millisecond)

	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, f.hub.connected("c1"))
	assert.Equal(t, float64(1), counterValue(t, f.registry, "relay_connections_total"))
}

func TestHub_ResumeBindsWithoutDispatch(t *testing.T) {
	issuer := ticket.NewIssuer("secret", time.Minute)
	f := newHubFixture(t, issuer)
	c := &Client{hub: f.hub, id: "c2", send: make(chan []byte, 8), resumeGame: "G1"}
	require.True(t, f.hub.join(c))

	msg := next(t, c)
	require.Equal(t, MsgTypeJoined, msg.Type)
	var joined JoinedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &joined))
	assert.Equal(t, "G1", joined.GameID)
	assert.NotEmpty(t, joined.Ticket, "resume hands out a fresh ticket")

	reqs, binds, _ := f.relay.snapshot()
	assert.Equal(t, []string{"c2:G1"}, binds)
	assert.Empty(t, reqs)
}

func TestHub_ResumeFailureReportsError(t *testing.T) {
	f := newHubFixture(t, nil)
	f.relay.bindErr = &gateway.TransportError{Action: gateway.ActionFetchState, GameID: "G1", Err: errors.New("refused")}
	c := &Client{hub: f.hub, id: "c2", send: make(chan []byte, 8), resumeGame: "G1"}
	require.True(t, f.hub.join(c))

	msg := next(t, c)
	require.Equal(t, MsgTypeError, msg.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, MsgTypeResume, payload.Action)
	assert.Equal(t, KindTransport, payload.Kind)

	_, _, unbinds := f.relay.snapshot()
	assert.Empty(t, unbinds, "a transient failure keeps the binding for the next tick")
}

func TestHub_ResumeOfUnknownGameUnbinds(t *testing.T) {
	f := newHubFixture(t, nil)
	f.relay.bindErr = &gateway.RejectionError{Action: gateway.ActionFetchState, GameID: "G1", Message: "game not found"}
	c := &Client{hub: f.hub, id: "c2", send: make(chan []byte, 8), resumeGame: "G1"}
	require.True(t, f.hub.join(c))

	msg := next(t, c)
	require.Equal(t, MsgTypeError, msg.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, KindRejected, payload.Kind)
	assert.Equal(t, "game not found", payload.Message)

	_, binds, unbinds := f.relay.snapshot()
	assert.Equal(t, []string{"c2:G1"}, binds)
	assert.Equal(t, []string{"c2"}, unbinds)
}

func TestHub_StopClosesClients(t *testing.T) {
	f := newHubFixture(t, nil)
	c := f.connect(t, "c1", 8)

	f.cancel()
	f.hub.Wait()

	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, f.hub.join(&Client{hub: f.hub, id: "late", send: make(chan []byte, 1)}))
	f.hub.leave(c) // must not block after shutdown
}

func TestDescribeError(t *testing.T) {
	wrapped := errors.Wrap(&gateway.RejectionError{Message: "not your turn"}, "dispatch move")
	kind, msg := describeError(wrapped)
	assert.Equal(t, KindRejected, kind)
	assert.Equal(t, "not your turn", msg)

	kind, _ = describeError(context.DeadlineExceeded)
	assert.Equal(t, KindTransport, kind)
}
