// Package gateway talks to the authoritative HTTP game backend.
//
// Every call carries the game's stored session credential as a cookie, stores
// any renewal the backend hands back, and unwraps the backend's response
// envelope into a snapshot or a typed error. The gateway never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/metrics"
	"github.com/mauricedolibois/connectfour/server/session"
)

// Action is a backend operation.
type Action string

const (
	ActionStart          Action = "start"
	ActionJoin           Action = "join"
	ActionSetupPlayer    Action = "setupPlayer"
	ActionMove           Action = "move"
	ActionConfirm        Action = "confirm"
	ActionRequestRematch Action = "requestRematch"
	ActionDisconnect     Action = "disconnect"
	ActionFetchState     Action = "fetchState"
)

const (
	// DefaultCookieName is the backend's session cookie.
	DefaultCookieName = "session"

	maxResponseBytes = 4 << 20
)

type route struct {
	method string
	path   string
}

var routes = map[Action]route{
	ActionStart:          {http.MethodPost, "/start"},
	ActionJoin:           {http.MethodPost, "/join"},
	ActionSetupPlayer:    {http.MethodPost, "/setup-player"},
	ActionMove:           {http.MethodPost, "/move"},
	ActionConfirm:        {http.MethodPost, "/confirm"},
	ActionRequestRematch: {http.MethodPost, "/rematch"},
	ActionDisconnect:     {http.MethodPost, "/disconnect"},
	ActionFetchState:     {http.MethodGet, "/state"},
}

// Path returns the endpoint path for action, relative to the base URL.
func Path(action Action) string {
	return routes[action].path
}

// Mutating reports whether action changes backend-visible game progression.
func (a Action) Mutating() bool {
	return a != ActionFetchState
}

type envelope struct {
	Success      bool            `json:"success"`
	Content      json.RawMessage `json:"content"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	base        *url.URL
	client      *http.Client
	credentials session.Store
	cookieName  string
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

func WithCookieName(name string) Option {
	return func(g *Gateway) {
		if name != "" {
			g.cookieName = name
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a gateway for the backend rooted at baseURL.
func New(baseURL string, credentials session.Store, opts ...Option) (*Gateway, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse backend url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("backend url %q must be http or https", baseURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	g := &Gateway{
		base:        base,
		client:      &http.Client{},
		credentials: credentials,
		cookieName:  DefaultCookieName,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Call performs action for gameID and returns the envelope content.
// payload may be nil. Errors are *TransportError or *RejectionError.
func (g *Gateway) Call(ctx context.Context, gameID string, action Action, payload map[string]any) (json.RawMessage, error) {
	r, ok := routes[action]
	if !ok {
		return nil, errors.Errorf("unknown backend action %q", action)
	}

	// A restarted game must never present the previous occupant's session.
	if action == ActionStart {
		g.credentials.Reset(ctx, gameID)
	}

	req, err := g.newRequest(ctx, r, gameID, payload)
	if err != nil {
		return nil, &TransportError{Action: action, GameID: gameID, Err: err}
	}

	started := time.Now()
	content, err := g.do(ctx, req, action, gameID)
	g.metrics.BackendCall(string(action), outcome(err), time.Since(started).Seconds())
	if err != nil {
		g.logger.Debug("backend call failed",
			zap.String("game_id", gameID),
			zap.String("action", string(action)),
			zap.Error(err))
		return nil, err
	}
	return content, nil
}

func (g *Gateway) newRequest(ctx context.Context, r route, gameID string, payload map[string]any) (*http.Request, error) {
	u := *g.base
	u.Path += r.path

	var body io.Reader
	if r.method == http.MethodGet {
		q := u.Query()
		q.Set("gameId", gameID)
		u.RawQuery = q.Encode()
	} else {
		fields := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			fields[k] = v
		}
		fields["gameId"] = gameID
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, errors.Wrap(err, "encode payload")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential := g.credentials.Get(ctx, gameID); credential != "" {
		req.AddCookie(&http.Cookie{Name: g.cookieName, Value: credential})
	}
	return req, nil
}

func (g *Gateway) do(ctx context.Context, req *http.Request, action Action, gameID string) (json.RawMessage, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &TransportError{Action: action, GameID: gameID, Err: err}
	}
	defer resp.Body.Close()

	g.storeRenewal(ctx, gameID, resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Action: action, GameID: gameID, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read body")}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &TransportError{Action: action, GameID: gameID, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode envelope")}
	}
	if !env.Success {
		return nil, &RejectionError{Action: action, GameID: gameID, Message: env.ErrorMessage}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Action: action, GameID: gameID, StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}
	return decodeContent(env.Content), nil
}

// storeRenewal records a credential the backend issued or cleared.
func (g *Gateway) storeRenewal(ctx context.Context, gameID string, resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name != g.cookieName {
			continue
		}
		if c.MaxAge < 0 {
			g.credentials.Set(ctx, gameID, "")
		} else {
			g.credentials.Set(ctx, gameID, c.Value)
		}
	}
}

// decodeContent accepts content inline or as a JSON-encoded string.
func decodeContent(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] != '"' {
		return json.RawMessage(trimmed)
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return json.RawMessage(trimmed)
	}
	if inner := strings.TrimSpace(s); inner != "" && json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return json.RawMessage(trimmed)
}

func outcome(err error) string {
	var rejection *RejectionError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &rejection):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeTransport
	}
}
