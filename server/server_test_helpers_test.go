package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/moderation"
	"github.com/reef-social/reef/models"
)

const testAdminPassword = "hunter2"

type testEnv struct {
	t       *testing.T
	store   *models.PostStore
	evts    *events.EventManager
	scanner *moderation.Scanner
	server  *Server
	port    int

	classifierDelay time.Duration
	delayMu         sync.Mutex
}

// newTestEnv stands up the full server against an in-memory store and a fake
// classifier that flags text containing "toxic" and image URLs containing
// "fake".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := models.SetupDatabase(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", name), 1)
	require.NoError(t, err)

	logger := slog.Default().With("test", t.Name())

	env := &testEnv{
		t:     t,
		store: models.NewPostStore(db),
		evts:  events.NewEventManager(logger),
	}
	go env.evts.Run()
	t.Cleanup(env.evts.Shutdown)

	classifier := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.delayMu.Lock()
		delay := env.classifierDelay
		env.delayMu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		switch r.URL.Path {
		case "/predict-toxicity":
			json.NewEncoder(w).Encode(map[string]bool{"is_toxic": strings.Contains(req["text"], "toxic")})
		case "/predict-deepfake-url":
			json.NewEncoder(w).Encode(map[string]bool{"is_deepfake": strings.Contains(req["image_url"], "fake")})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(classifier.Close)

	env.scanner, err = moderation.NewScanner(logger, env.store, env.evts, moderation.NewClassifierClient(classifier.URL), moderation.ScannerConfig{
		Interval:      time.Minute,
		ClassifierRPS: 1000,
	})
	require.NoError(t, err)

	env.server = NewServer(logger, env.store, env.evts, env.scanner, Config{
		AdminPassword: testAdminPassword,
	})

	// Find a free port
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	env.port = listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	go func() {
		if err := env.server.Start(fmt.Sprintf("127.0.0.1:%d", env.port)); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()
	t.Cleanup(func() {
		env.server.Shutdown(context.Background())
	})

	// Wait for the server to be ready
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", env.port), 50*time.Millisecond)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return env
}

func (env *testEnv) setClassifierDelay(d time.Duration) {
	env.delayMu.Lock()
	env.classifierDelay = d
	env.delayMu.Unlock()
}

func (env *testEnv) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", env.port)
}

func (env *testEnv) wsURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", env.port)
}

// request performs one HTTP call against the test server and returns the
// status code and raw body.
func (env *testEnv) request(method, path string, body interface{}, admin bool) (int, []byte) {
	env.t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, env.baseURL()+path, reader)
	require.NoError(env.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin-Password", testAdminPassword)
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(env.t, err)
	defer res.Body.Close()
	respBody, err := io.ReadAll(res.Body)
	require.NoError(env.t, err)
	return res.StatusCode, respBody
}

func (env *testEnv) createPost(kind models.PostKind, content string) *models.Post {
	env.t.Helper()
	status, body := env.request("POST", "/posts", &CreatePostRequest{
		Kind:     kind,
		Content:  content,
		AuthorID: "author",
	}, false)
	require.Equal(env.t, http.StatusCreated, status)
	var post models.Post
	require.NoError(env.t, json.Unmarshal(body, &post))
	return &post
}

// testConsumer is a websocket client that connects to /ws and collects
// received events for assertions.
type testConsumer struct {
	conn     *websocket.Conn
	messages []events.Event
	mu       sync.Mutex
	done     chan struct{}
}

func newTestConsumer(t *testing.T, url string) *testConsumer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	tc := &testConsumer{
		conn: conn,
		done: make(chan struct{}),
	}
	go tc.readLoop()
	t.Cleanup(tc.close)
	return tc
}

func (tc *testConsumer) readLoop() {
	defer close(tc.done)
	for {
		_, message, err := tc.conn.ReadMessage()
		if err != nil {
			return
		}

		var evt events.Event
		if err := json.Unmarshal(message, &evt); err != nil {
			continue
		}

		tc.mu.Lock()
		tc.messages = append(tc.messages, evt)
		tc.mu.Unlock()
	}
}

func (tc *testConsumer) joinRoom(t *testing.T, room events.Room) {
	t.Helper()
	require.NoError(t, tc.conn.WriteJSON(&ClientFrame{Type: events.CmdJoinRoom, Room: string(room)}))
	// the join is processed by the connection's read loop; give it a beat
	time.Sleep(50 * time.Millisecond)
}

func (tc *testConsumer) leaveRoom(t *testing.T, room events.Room) {
	t.Helper()
	require.NoError(t, tc.conn.WriteJSON(&ClientFrame{Type: events.CmdLeaveRoom, Room: string(room)}))
	time.Sleep(50 * time.Millisecond)
}

func (tc *testConsumer) toggleModeration(t *testing.T, paused bool) {
	t.Helper()
	require.NoError(t, tc.conn.WriteJSON(&ClientFrame{Type: events.CmdToggleModeration, Paused: paused}))
	time.Sleep(50 * time.Millisecond)
}

// waitForMessages polls until the consumer has received at least count
// messages or the timeout expires. Returns all received messages.
func (tc *testConsumer) waitForMessages(count int, timeout time.Duration) []events.Event {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tc.mu.Lock()
		n := len(tc.messages)
		if n >= count {
			result := make([]events.Event, n)
			copy(result, tc.messages)
			tc.mu.Unlock()
			return result
		}
		tc.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	result := make([]events.Event, len(tc.messages))
	copy(result, tc.messages)
	return result
}

func (tc *testConsumer) close() {
	tc.conn.Close()
	select {
	case <-tc.done:
	case <-time.After(time.Second):
	}
}

func eventTypes(msgs []events.Event) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}
