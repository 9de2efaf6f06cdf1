// Package mocks provides an in-memory stand-in for the game backend so the
// relay can run and be tested without the real service.
package mocks

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	Rows    = 6
	Columns = 7

	StatusWaiting  = "waiting"
	StatusPlaying  = "playing"
	StatusFinished = "finished"

	// StatusAbandoned marks a game a player left while the other stayed.
	StatusAbandoned = "abandoned"
)

// MockGame is the snapshot the mock serves from /state.
type MockGame struct {
	GameID        string             `json:"gameId"`
	Board         [Rows][Columns]int `json:"board"`
	Seats         int                `json:"seats"`
	Players       []string           `json:"players"`
	Colors        []string           `json:"colors"`
	Confirmations int                `json:"confirmations"`
	Turn          int                `json:"turn"`
	Status        string             `json:"status"`
	Round         int                `json:"round"`
	RematchVotes  int                `json:"rematchVotes"`
	Moves         int                `json:"moves"`

	token string
}

// MockRequest is one request as the mock saw it.
type MockRequest struct {
	Endpoint string
	GameID   string
	Cookie   string
	At       time.Time
}

// MockBackend implements the backend's HTTP surface: one endpoint per action,
// a session cookie per game, and the {success, content, errorMessage}
// envelope.
type MockBackend struct {
	mu         sync.Mutex
	cookieName string
	delay      time.Duration
	games      map[string]*MockGame
	requests   []MockRequest
	inFlight   map[string]int
	maxFlight  map[string]int
	mux        *http.ServeMux
}

func NewMockBackend(cookieName string) *MockBackend {
	m := &MockBackend{
		cookieName: cookieName,
		games:      make(map[string]*MockGame),
		inFlight:   make(map[string]int),
		maxFlight:  make(map[string]int),
		mux:        http.NewServeMux(),
	}

	m.mux.HandleFunc("POST /start", m.handle("start", false, m.start))
	m.mux.HandleFunc("POST /join", m.handle("join", false, m.join))
	m.mux.HandleFunc("POST /setup-player", m.handle("setup-player", true, m.setupPlayer))
	m.mux.HandleFunc("POST /move", m.handle("move", true, m.move))
	m.mux.HandleFunc("POST /confirm", m.handle("confirm", true, m.confirm))
	m.mux.HandleFunc("POST /rematch", m.handle("rematch", true, m.rematch))
	m.mux.HandleFunc("POST /disconnect", m.handle("disconnect", false, m.disconnect))
	m.mux.HandleFunc("GET /state", m.state)
	return m
}

// SetDelay makes every mutating request take at least d.
func (m *MockBackend) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *MockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// Requests returns a copy of every request received so far.
func (m *MockBackend) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// Game returns a copy of the game's current state.
func (m *MockBackend) Game(gameID string) (MockGame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return MockGame{}, false
	}
	cp := *g
	cp.Players = append([]string(nil), g.Players...)
	cp.Colors = append([]string(nil), g.Colors...)
	return cp, true
}

// Token returns the session cookie value the game currently accepts.
func (m *MockBackend) Token(gameID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.games[gameID]; ok {
		return g.token
	}
	return ""
}

// MaxConcurrent reports the most mutating requests ever in flight at once
// for gameID.
func (m *MockBackend) MaxConcurrent(gameID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFlight[gameID]
}

type request struct {
	GameID        string `json:"gameId"`
	Column        *int   `json:"column,omitempty"`
	PlayerName    string `json:"playerName,omitempty"`
	PlayerColor   string `json:"playerColor,omitempty"`
	OpponentColor string `json:"opponentColor,omitempty"`
}

type result struct {
	content    any
	errMessage string
	cookie     *http.Cookie
}

type handlerFunc func(req request, cookie string) result

// handle decodes the body, records the request and, for session-bound
// endpoints, rejects calls that do not present the game's current token.
func (m *MockBackend) handle(endpoint string, needsSession bool, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, result{errMessage: "invalid request body"})
			return
		}
		cookie := ""
		if c, err := r.Cookie(m.cookieName); err == nil {
			cookie = c.Value
		}

		m.mu.Lock()
		m.requests = append(m.requests, MockRequest{Endpoint: endpoint, GameID: req.GameID, Cookie: cookie, At: time.Now()})
		m.inFlight[req.GameID]++
		if m.inFlight[req.GameID] > m.maxFlight[req.GameID] {
			m.maxFlight[req.GameID] = m.inFlight[req.GameID]
		}
		delay := m.delay
		m.mu.Unlock()

		defer func() {
			m.mu.Lock()
			m.inFlight[req.GameID]--
			m.mu.Unlock()
		}()

		if delay > 0 {
			time.Sleep(delay)
		}

		m.mu.Lock()
		var res result
		if needsSession && !m.validSession(req.GameID, cookie) {
			res = result{errMessage: "invalid session"}
		} else {
			res = fn(req, cookie)
		}
		// Encode while locked; content may point at live game state.
		if res.content != nil {
			raw, _ := json.Marshal(res.content)
			res.content = json.RawMessage(raw)
		}
		m.mu.Unlock()

		if res.cookie != nil {
			http.SetCookie(w, res.cookie)
		}
		writeEnvelope(w, http.StatusOK, res)
	}
}

// validSession must be called with m.mu held.
func (m *MockBackend) validSession(gameID, cookie string) bool {
	g, ok := m.games[gameID]
	return ok && cookie != "" && cookie == g.token
}

func (m *MockBackend) issue(g *MockGame) *http.Cookie {
	g.token = uuid.NewString()
	return &http.Cookie{Name: m.cookieName, Value: g.token, Path: "/", HttpOnly: true}
}

func (m *MockBackend) start(req request, _ string) result {
	if req.GameID == "" {
		return result{errMessage: "gameId required"}
	}
	g := &MockGame{GameID: req.GameID, Seats: 1, Turn: 1, Status: StatusWaiting, Round: 1}
	m.games[req.GameID] = g
	return result{content: g, cookie: m.issue(g)}
}

func (m *MockBackend) join(req request, cookie string) result {
	g, ok := m.games[req.GameID]
	if !ok {
		return result{errMessage: "game not found"}
	}
	if cookie != "" && cookie != g.token {
		return result{errMessage: "invalid session"}
	}
	if g.Seats >= 2 {
		return result{errMessage: "game full"}
	}
	g.Seats++
	return result{content: g, cookie: m.issue(g)}
}

func (m *MockBackend) setupPlayer(req request, _ string) result {
	g := m.games[req.GameID]
	name := strings.TrimSpace(req.PlayerName)
	if name == "" {
		return result{errMessage: "playerName required"}
	}
	if len(g.Players) >= g.Seats {
		return result{errMessage: "no free seat"}
	}
	g.Players = append(g.Players, name)
	if req.PlayerColor != "" {
		g.Colors = append(g.Colors, req.PlayerColor)
	}
	return result{content: g}
}

func (m *MockBackend) confirm(req request, _ string) result {
	g := m.games[req.GameID]
	if g.Status != StatusWaiting {
		return result{errMessage: "game already started"}
	}
	g.Confirmations++
	if g.Seats == 2 && g.Confirmations >= 2 {
		g.Status = StatusPlaying
	}
	return result{content: g}
}

func (m *MockBackend) move(req request, _ string) result {
	g := m.games[req.GameID]
	if g.Status != StatusPlaying {
		return result{errMessage: "game not in progress"}
	}
	if req.Column == nil || *req.Column < 0 || *req.Column >= Columns {
		return result{errMessage: "invalid column"}
	}
	col := *req.Column
	row := -1
	for r := Rows - 1; r >= 0; r-- {
		if g.Board[r][col] == 0 {
			row = r
			break
		}
	}
	if row < 0 {
		return result{errMessage: "column full"}
	}

	g.Board[row][col] = g.Turn
	g.Moves++
	g.Turn = 3 - g.Turn
	if g.Moves == Rows*Columns {
		g.Status = StatusFinished
	}
	return result{content: g}
}

func (m *MockBackend) rematch(req request, _ string) result {
	g := m.games[req.GameID]
	g.RematchVotes++
	if g.RematchVotes >= 2 {
		g.Board = [Rows][Columns]int{}
		g.Moves = 0
		g.Turn = 1
		g.Round++
		g.RematchVotes = 0
		g.Status = StatusPlaying
	}
	return result{content: g}
}

// disconnect frees one seat. The game and its session end with the last one.
func (m *MockBackend) disconnect(req request, _ string) result {
	g, ok := m.games[req.GameID]
	if ok && g.Seats > 1 {
		g.Seats--
		g.Status = StatusAbandoned
		return result{content: g}
	}
	delete(m.games, req.GameID)
	return result{
		content: map[string]string{"gameId": req.GameID},
		cookie:  &http.Cookie{Name: m.cookieName, Value: "", Path: "/", MaxAge: -1},
	}
}

// state serves the snapshot as a string-encoded JSON content field.
func (m *MockBackend) state(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("gameId")

	m.mu.Lock()
	g, ok := m.games[gameID]
	var encoded []byte
	if ok {
		encoded, _ = json.Marshal(g)
	}
	m.mu.Unlock()

	if !ok {
		writeEnvelope(w, http.StatusOK, result{errMessage: "game not found"})
		return
	}
	writeEnvelope(w, http.StatusOK, result{content: string(encoded)})
}

func writeEnvelope(w http.ResponseWriter, status int, res result) {
	body := map[string]any{"success": res.errMessage == ""}
	if res.errMessage != "" {
		body["errorMessage"] = res.errMessage
	} else {
		body["content"] = res.content
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
