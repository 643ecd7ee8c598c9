// Package conntest provides an in-process exchange speaking the combined
// stream protocol, for tests of code that opens connections.
package conntest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Command is a request frame as received by the exchange.
type Command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type socket struct {
	conn     *websocket.Conn
	wmu      sync.Mutex
	frozen   atomic.Bool
	channels map[string]bool // guarded by Exchange.mu
}

func (s *socket) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type rejection struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Exchange is a mock websocket exchange backed by httptest.
type Exchange struct {
	server *httptest.Server

	mu       sync.Mutex
	commands []Command
	sockets  []*socket
	accepted int
	status   int
	reject   map[string]rejection
	silent   bool
}

// NewExchange starts a mock exchange closed at test cleanup.
func NewExchange(tb testing.TB) *Exchange {
	tb.Helper()
	e := &Exchange{reject: make(map[string]rejection)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		status := e.status
		e.mu.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			tb.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		e.serve(conn)
	}))
	tb.Cleanup(e.Close)
	return e
}

// URL returns the websocket base URL, ending in a slash.
func (e *Exchange) URL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/"
}

func (e *Exchange) serve(conn *websocket.Conn) {
	s := &socket{conn: conn, channels: make(map[string]bool)}
	conn.SetPingHandler(func(data string) error {
		if s.frozen.Load() {
			return nil
		}
		s.wmu.Lock()
		defer s.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	e.mu.Lock()
	e.sockets = append(e.sockets, s)
	e.accepted++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		for i, other := range e.sockets {
			if other == s {
				e.sockets = append(e.sockets[:i], e.sockets[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		e.mu.Lock()
		e.commands = append(e.commands, cmd)
		silent := e.silent
		var rej *rejection
		for _, ch := range cmd.Params {
			if r, ok := e.reject[ch]; ok {
				rej = &r
				break
			}
		}
		if rej == nil {
			for _, ch := range cmd.Params {
				switch cmd.Method {
				case "SUBSCRIBE":
					s.channels[ch] = true
				case "UNSUBSCRIBE":
					delete(s.channels, ch)
				}
			}
		}
		e.mu.Unlock()

		if silent {
			continue
		}

		var reply []byte
		if rej != nil {
			reply, _ = json.Marshal(map[string]any{"error": rej, "id": cmd.ID})
		} else {
			reply, _ = json.Marshal(map[string]any{"result": nil, "id": cmd.ID})
		}
		if err := s.write(reply); err != nil {
			return
		}
	}
}

// Reject makes the exchange answer commands naming channel with an error.
func (e *Exchange) Reject(channel string, code int, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject[channel] = rejection{Code: code, Msg: msg}
}

// SetSilent stops (or resumes) acknowledging commands.
func (e *Exchange) SetSilent(silent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.silent = silent
}

// SetStatus refuses subsequent handshakes with an HTTP status; 0 accepts again.
func (e *Exchange) SetStatus(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = code
}

// Commands returns every command received so far.
func (e *Exchange) Commands() []Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Command(nil), e.commands...)
}

// CountMethod returns how many commands used method.
func (e *Exchange) CountMethod(method string) int {
	n := 0
	for _, c := range e.Commands() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Accepted returns how many sockets were ever opened.
func (e *Exchange) Accepted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepted
}

// Live returns how many sockets are open now.
func (e *Exchange) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sockets)
}

// Subscribed returns the channels subscribed across all live sockets, sorted.
func (e *Exchange) Subscribed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, s := range e.sockets {
		for ch := range s.channels {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Push sends a data frame to every live socket subscribed to channel and
// returns how many sockets it reached.
func (e *Exchange) Push(channel, data string) int {
	return e.push(channel, data, false)
}

// PushAll sends a data frame to every live socket, subscribed or not.
func (e *Exchange) PushAll(channel, data string) int {
	return e.push(channel, data, true)
}

func (e *Exchange) push(channel, data string, all bool) int {
	frame, _ := json.Marshal(map[string]any{"stream": channel, "data": json.RawMessage(data)})

	e.mu.Lock()
	var targets []*socket
	for _, s := range e.sockets {
		if all || s.channels[channel] {
			targets = append(targets, s)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, s := range targets {
		if s.write(frame) == nil {
			n++
		}
	}
	return n
}

// DropAll closes every live socket without a close frame.
func (e *Exchange) DropAll() {
	e.mu.Lock()
	targets := append([]*socket(nil), e.sockets...)
	e.mu.Unlock()
	for _, s := range targets {
		s.conn.Close()
	}
}

// Freeze makes every live socket stop answering pings. New sockets are unaffected.
func (e *Exchange) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sockets {
		s.frozen.Store(true)
	}
}

// Close shuts the exchange down.
func (e *Exchange) Close() {
	e.DropAll()
	e.server.Close()
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(tb testing.TB, timeout time.Duration, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out after %v waiting for %s", timeout, what)
}
