package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge-ai/voxbridge/pkg/agent"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/ratelimit"
	"github.com/voxbridge-ai/voxbridge/pkg/core"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

var pcmFormat = map[string]any{"encoding": "pcm_s16le", "sample_rate_hz": 24000, "channels": 1}

// scriptedAgent upgrades each connection, sends init_metadata, then
// hands the socket to handler for the turn exchange.
func scriptedAgent(t *testing.T, format map[string]any, handler func(t *testing.T, ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		send(t, ws, map[string]any{
			"type":            "init_metadata",
			"conversation_id": "conv-test",
			"audio_format":    format,
		})
		if handler != nil {
			handler(t, ws)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// expectTurn reads frames until a user_turn arrives, skipping
// keepalive acks. It returns nil without complaint when the client
// closes the connection, so handlers can use it to hold the socket
// open until the session ends.
func expectTurn(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) ||
				errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			t.Errorf("server read: %v", err)
			return nil
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Errorf("server unmarshal: %v", err)
			return nil
		}
		if frame["type"] == "user_turn" {
			return frame
		}
	}
}

func b64(data string) string { return base64.StdEncoding.EncodeToString([]byte(data)) }

func newTestSession(t *testing.T, serverURL string, cfg Config, limiter *ratelimit.Limiter) *Session {
	t.Helper()
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Quota: 100, Window: 24 * time.Hour, Cooldown: 0})
	}
	cfg.Endpoint = agent.Endpoint{URL: serverURL}
	s, err := New("user-1", cfg, Dependencies{
		Limiter: limiter,
		Logger:  slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.End)
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestBegin_NegotiatesFormatAndActivates(t *testing.T) {
	// The handler parks in a read so the socket stays open until the
	// session ends; a server-side close would race the state check.
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{}, nil)

	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, want %s", got, StateActive)
	}
	if got := s.ConversationID(); got != "conv-test" {
		t.Fatalf("conversation id = %q", got)
	}
	if f := s.Format(); f.Encoding != "pcm_s16le" || f.SampleRateHz != 24000 {
		t.Fatalf("format = %+v", f)
	}
}

func TestSubmitTurn_AssemblesAudioAcrossGrace(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		frame := expectTurn(t, ws)
		if frame["text"] != "hello" {
			t.Errorf("turn text = %v", frame["text"])
		}
		send(t, ws, map[string]any{"type": "text_partial", "text": "hi th"})
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("AAA")})
		send(t, ws, map[string]any{"type": "text_final", "text": "hi there"})
		// Audio keeps arriving after the final text.
		time.Sleep(50 * time.Millisecond)
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("BBB")})
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("CCC")})
		expectTurn(t, ws) // hold the socket open until the test ends
	})
	s := newTestSession(t, serverURL, Config{AudioGrace: 200 * time.Millisecond}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	reply, err := s.SubmitTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if reply.Text != "hi there" {
		t.Fatalf("reply text = %q", reply.Text)
	}
	if reply.Audio == nil || string(reply.Audio.Data) != "AAABBBCCC" {
		t.Fatalf("reply audio = %+v", reply.Audio)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state after turn = %s", got)
	}
	if last := s.LastReply(); last == nil || last.Text != "hi there" {
		t.Fatalf("last reply = %+v", last)
	}
}

func TestSubmitTurn_TextOnlyCompletesWithoutGrace(t *testing.T) {
	serverURL := scriptedAgent(t, map[string]any{"encoding": "none"}, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "text_final", "text": "ok"})
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{AudioGrace: 10 * time.Second}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	start := time.Now()
	reply, err := s.SubmitTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("text-only turn waited the audio grace window: %v", elapsed)
	}
	if reply.Text != "ok" || reply.Audio != nil {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSubmitTurn_TimeoutWithoutFinalIsNoReply(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		// Partial progress only, never a final.
		send(t, ws, map[string]any{"type": "text_partial", "text": "um"})
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("XX")})

		// Second turn succeeds, proving the session survived and the
		// stale audio was discarded.
		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "text_final", "text": "second"})
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{ReplyTimeout: 300 * time.Millisecond, AudioGrace: 50 * time.Millisecond}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, err := s.SubmitTurn(context.Background(), "first")
	if !core.IsType(err, core.ErrNoReply) {
		t.Fatalf("err = %v, want no_reply", err)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state after timeout = %s", got)
	}

	reply, err := s.SubmitTurn(context.Background(), "again")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if reply.Text != "second" || reply.Audio != nil {
		t.Fatalf("second reply = %+v, want text only with stale audio discarded", reply)
	}
}

func TestSubmitTurn_TimeoutAfterFinalDeliversGatheredAudio(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("AB")})
		send(t, ws, map[string]any{"type": "text_final", "text": "done"})
		expectTurn(t, ws)
	})
	// Grace far longer than the reply timeout: the timer fires first
	// and the turn still succeeds because the final text is in.
	s := newTestSession(t, serverURL, Config{ReplyTimeout: 300 * time.Millisecond, AudioGrace: time.Minute}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	reply, err := s.SubmitTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if reply.Text != "done" || reply.Audio == nil || string(reply.Audio.Data) != "AB" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSubmitTurn_TimeoutAfterFinalWithNoAudioIsTextOnly(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		// Final text but never any audio on a voiced session.
		send(t, ws, map[string]any{"type": "text_final", "text": "words only"})
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{ReplyTimeout: 300 * time.Millisecond, AudioGrace: time.Minute}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	reply, err := s.SubmitTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SubmitTurn: %v, text arrived in time so the turn must succeed", err)
	}
	if reply.Text != "words only" || reply.Audio != nil {
		t.Fatalf("reply = %+v, want text with no audio", reply)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s", got)
	}
}

func TestSubmitTurn_InterruptionSupersedesTurn(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("OLD")})
		send(t, ws, map[string]any{"type": "interruption", "reason": "user_spoke"})

		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "audio_chunk", "audio_b64": b64("NEW")})
		send(t, ws, map[string]any{"type": "text_final", "text": "fresh"})
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{AudioGrace: 50 * time.Millisecond}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, err := s.SubmitTurn(context.Background(), "first")
	if !core.IsType(err, core.ErrTurnSuperseded) {
		t.Fatalf("err = %v, want turn_superseded", err)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s", got)
	}

	reply, err := s.SubmitTurn(context.Background(), "second")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if string(reply.Audio.Data) != "NEW" {
		t.Fatalf("audio = %q, superseded fragments leaked in", reply.Audio.Data)
	}
}

func TestSubmitTurn_BackendErrorFailsTurnOnly(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "error", "code": "overloaded", "message": "try later", "retryable": true})
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, err := s.SubmitTurn(context.Background(), "hi")
	if !core.IsType(err, core.ErrBackend) {
		t.Fatalf("err = %v, want backend_error", err)
	}
	var bridgeErr *core.Error
	if !errors.As(err, &bridgeErr) || bridgeErr.Code != "overloaded" {
		t.Fatalf("backend code not carried: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %s, backend error must not end the session", got)
	}
}

func TestSubmitTurn_RateLimited(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		send(t, ws, map[string]any{"type": "text_final", "text": "one"})
		expectTurn(t, ws)
	})
	limiter := ratelimit.New(ratelimit.Config{Quota: 1, Window: 24 * time.Hour, Cooldown: 0})
	s := newTestSession(t, serverURL, Config{AudioGrace: 50 * time.Millisecond}, limiter)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if _, err := s.SubmitTurn(context.Background(), "first"); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	_, err := s.SubmitTurn(context.Background(), "second")
	if !core.IsType(err, core.ErrRateLimited) {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	var bridgeErr *core.Error
	if !errors.As(err, &bridgeErr) {
		t.Fatalf("err = %v", err)
	}
	if bridgeErr.Code != string(ratelimit.ReasonQuota) {
		t.Fatalf("reason = %q, want quota", bridgeErr.Code)
	}
	if bridgeErr.RetryAfter == nil || *bridgeErr.RetryAfter <= 0 {
		t.Fatalf("retry_after = %v, want positive seconds", bridgeErr.RetryAfter)
	}
}

func TestSubmitTurn_SecondConcurrentTurnRejected(t *testing.T) {
	release := make(chan struct{})
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		<-release
		send(t, ws, map[string]any{"type": "text_final", "text": "slow"})
		expectTurn(t, ws)
	})
	s := newTestSession(t, serverURL, Config{AudioGrace: 50 * time.Millisecond}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.SubmitTurn(context.Background(), "first")
		firstDone <- err
	}()

	// Wait for the first turn to be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateAwaitingReply {
		if time.Now().After(deadline) {
			t.Fatal("first turn never entered awaiting_reply")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := s.SubmitTurn(context.Background(), "second")
	if !core.IsType(err, core.ErrTurnInFlight) {
		t.Fatalf("err = %v, want turn_in_flight", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first turn: %v", err)
	}
}

func TestRecvLoop_ConnectionLossFailsTurnAndClosesSession(t *testing.T) {
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		_ = ws.UnderlyingConn().Close()
	})
	var closed atomic.Bool
	limiter := ratelimit.New(ratelimit.Config{Quota: 100, Window: 24 * time.Hour, Cooldown: 0})
	s, err := New("user-1", Config{Endpoint: agent.Endpoint{URL: serverURL}}, Dependencies{
		Limiter: limiter,
		Logger:  slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		OnClose: func(*Session) { closed.Store(true) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.End)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, err = s.SubmitTurn(context.Background(), "hi")
	if !core.IsType(err, core.ErrConnectionLost) {
		t.Fatalf("err = %v, want connection_lost", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want closed", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !closed.Load() {
		t.Fatal("OnClose did not fire")
	}
}

func TestEnd_IdempotentAndFailsOutstandingTurn(t *testing.T) {
	release := make(chan struct{})
	serverURL := scriptedAgent(t, pcmFormat, func(t *testing.T, ws *websocket.Conn) {
		expectTurn(t, ws)
		<-release
	})
	s := newTestSession(t, serverURL, Config{ReplyTimeout: 10 * time.Second}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	turnDone := make(chan error, 1)
	go func() {
		_, err := s.SubmitTurn(context.Background(), "hi")
		turnDone <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateAwaitingReply {
		if time.Now().After(deadline) {
			t.Fatal("turn never in flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.End()
	s.End()
	close(release)

	err := <-turnDone
	if !core.IsType(err, core.ErrSessionEnded) {
		t.Fatalf("outstanding turn err = %v, want session_ended", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s", got)
	}
	if _, err := s.SubmitTurn(context.Background(), "late"); !core.IsType(err, core.ErrNotActive) {
		t.Fatalf("turn after End = %v, want not_active", err)
	}
}

func TestBegin_AuthRejectionNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "forbidden", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	s := newTestSession(t, srv.URL, Config{}, nil)
	err := s.Begin(context.Background())
	if !core.IsType(err, core.ErrConnect) {
		t.Fatalf("err = %v, want connect_error", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("dial attempts = %d, auth failure must not be retried", got)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s", got)
	}
}

func TestBegin_TransientFailureRetriedOnce(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		send(t, ws, map[string]any{
			"type":            "init_metadata",
			"conversation_id": "conv-retry",
			"audio_format":    map[string]any{"encoding": "none"},
		})
		expectTurn(t, ws)
	}))
	t.Cleanup(srv.Close)

	s := newTestSession(t, srv.URL, Config{}, nil)
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin after retry: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("dial attempts = %d, want 2", got)
	}
	if got := s.ConversationID(); got != "conv-retry" {
		t.Fatalf("conversation id = %q", got)
	}
}
