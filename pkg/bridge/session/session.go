// Package session implements the per-user conversation state machine:
// one streaming connection, one audio assembler, one outstanding turn
// at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge-ai/voxbridge/pkg/agent"
	"github.com/voxbridge-ai/voxbridge/pkg/agent/protocol"
	"github.com/voxbridge-ai/voxbridge/pkg/audio"
	"github.com/voxbridge-ai/voxbridge/pkg/bridge/ratelimit"
	"github.com/voxbridge-ai/voxbridge/pkg/core"
)

// State names a point in the session lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateActive        State = "active"
	StateAwaitingReply State = "awaiting_reply"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

const (
	defaultReplyTimeout = 8 * time.Second
	defaultAudioGrace   = 1200 * time.Millisecond
	defaultInitTimeout  = 10 * time.Second
)

type Config struct {
	Endpoint agent.Endpoint

	// ReplyTimeout bounds the wait for a turn's reply. A slow or
	// silent backend is not a connection failure: on timeout the
	// session stays Active.
	ReplyTimeout time.Duration

	// AudioGrace is the drain window after text_final during which
	// audio fragments may still arrive. Each fragment extends it.
	// It does not apply to sessions whose negotiated format is
	// text-only.
	AudioGrace time.Duration

	// InitTimeout bounds the wait for init_metadata after connecting.
	InitTimeout time.Duration
}

type Dependencies struct {
	Limiter *ratelimit.Limiter
	Dialer  *agent.Dialer
	Logger  *slog.Logger
	Now     func() time.Time

	// OnClose fires once when the session reaches Closed, whether by
	// End or by connection loss. Used by the registry to drop its
	// reference.
	OnClose func(*Session)
}

type turnOutcome struct {
	reply core.Reply
	err   error
}

type pendingTurn struct {
	seq        int64
	done       chan turnOutcome
	once       sync.Once
	finalText  *string
	superseded bool
	grace      *time.Timer
}

func (p *pendingTurn) deliver(out turnOutcome) {
	p.once.Do(func() { p.done <- out })
}

// Session is the live conversation context for one user. At most one
// session per user is Active at a time; the registry enforces that
// jointly with Begin/End here.
type Session struct {
	id      string
	user    string
	cfg     Config
	limiter *ratelimit.Limiter
	dialer  *agent.Dialer
	logger  *slog.Logger
	now     func() time.Time
	onClose func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu             sync.Mutex
	state          State
	conn           *agent.Conn
	assembler      *audio.Assembler
	conversationID string
	format         protocol.AudioFormat
	seq            int64
	pending        *pendingTurn
	lastReply      *core.Reply
}

// New creates a session in the Idle state. Begin establishes it.
func New(user string, cfg Config, deps Dependencies) (*Session, error) {
	if user == "" {
		return nil, fmt.Errorf("user identity is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.AudioGrace <= 0 {
		cfg.AudioGrace = defaultAudioGrace
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if deps.Dialer == nil {
		deps.Dialer = &agent.Dialer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		user:    user,
		cfg:     cfg,
		limiter: deps.Limiter,
		dialer:  deps.Dialer,
		logger:  deps.Logger.With("session_id", id),
		now:     deps.Now,
		onClose: deps.OnClose,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
	}, nil
}

// ID returns the registry-assigned session id.
func (s *Session) ID() string { return s.id }

// User returns the owning user identity.
func (s *Session) User() string { return s.user }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the backend-assigned conversation id, empty
// before Begin completes.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Format returns the session-negotiated audio format.
func (s *Session) Format() protocol.AudioFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// LastReply returns the most recently delivered reply, nil before the
// first completed turn.
func (s *Session) LastReply() *core.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReply
}

// Begin dials the agent service, waits for init_metadata to negotiate
// the audio format, and enters Active. A transient dial failure is
// retried once; auth rejection is not.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return core.NewNotActiveError(fmt.Sprintf("session is %s, begin requires idle", state))
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.failBegin()
		return core.NewConnectError("establishing agent stream", err)
	}

	meta, err := awaitInit(ctx, conn, s.cfg.InitTimeout)
	if err != nil {
		_ = conn.Close()
		s.failBegin()
		return core.NewConnectError("waiting for init_metadata", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Ended while the dial was in flight.
		s.mu.Unlock()
		_ = conn.Close()
		return core.NewSessionEndedError()
	}
	s.conn = conn
	s.conversationID = meta.ConversationID
	s.format = meta.Format
	s.assembler = audio.NewAssembler(meta.Format)
	s.state = StateActive
	s.mu.Unlock()

	s.logger.Info("session active",
		"user", s.user,
		"conversation_id", meta.ConversationID,
		"audio_encoding", meta.Format.Encoding)

	go s.recvLoop(conn)
	return nil
}

func (s *Session) failBegin() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.fireOnClose()
}

func (s *Session) dial(ctx context.Context) (*agent.Conn, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.Endpoint)
	if err == nil {
		return conn, nil
	}
	if !retryableConnect(err) {
		return nil, err
	}
	s.logger.Warn("agent dial failed, retrying once", "user", s.user, "error", err)
	return s.dialer.Dial(ctx, s.cfg.Endpoint)
}

func retryableConnect(err error) bool {
	var connectErr *agent.ConnectError
	if !errors.As(err, &connectErr) {
		return true
	}
	// Auth rejection will not heal on retry.
	switch connectErr.StatusCode {
	case 401, 403:
		return false
	}
	return true
}

// awaitInit reads events until init_metadata arrives. Probes are acked
// by the connection itself; anything else before the metadata is noise
// except an explicit backend error.
func awaitInit(ctx context.Context, conn *agent.Conn, timeout time.Duration) (protocol.InitMetadata, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return protocol.InitMetadata{}, err
				}
				return protocol.InitMetadata{}, fmt.Errorf("connection closed before init_metadata")
			}
			switch e := ev.(type) {
			case protocol.InitMetadata:
				return e, nil
			case protocol.BackendError:
				return protocol.InitMetadata{}, fmt.Errorf("backend rejected session: %s (%s)", e.Message, e.Code)
			default:
				// Keepalives and unrecognized frames may precede the
				// metadata.
			}
		case <-timer.C:
			return protocol.InitMetadata{}, fmt.Errorf("timed out waiting for init_metadata")
		case <-ctx.Done():
			return protocol.InitMetadata{}, ctx.Err()
		}
	}
}

// SubmitTurn sends one user turn and blocks until the reply completes,
// the turn fails, or the reply timeout elapses. The session processes
// at most one outstanding turn at a time.
func (s *Session) SubmitTurn(ctx context.Context, text string) (core.Reply, error) {
	s.mu.Lock()
	if s.pending != nil || s.state == StateAwaitingReply {
		s.mu.Unlock()
		return core.Reply{}, core.NewTurnInFlightError()
	}
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return core.Reply{}, core.NewNotActiveError(fmt.Sprintf("session is %s", state))
	}

	// Rate limiting happens before any network I/O for the turn.
	now := s.now()
	if d := s.limiter.Check(s.user, now); !d.Allowed {
		s.mu.Unlock()
		retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
		switch d.Reason {
		case ratelimit.ReasonCooldown:
			return core.Reply{}, core.NewRateLimitedError("turn submitted within cooldown", string(d.Reason), retryAfter)
		default:
			return core.Reply{}, core.NewRateLimitedError("daily turn quota exhausted", string(d.Reason), retryAfter)
		}
	}
	s.limiter.Consume(s.user, now)

	s.assembler.Reset()
	s.seq++
	p := &pendingTurn{seq: s.seq, done: make(chan turnOutcome, 1)}
	s.pending = p
	s.state = StateAwaitingReply
	conn := s.conn
	seq := s.seq
	s.mu.Unlock()

	if err := conn.SendTurn(text, seq); err != nil {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
			if s.state == StateAwaitingReply {
				s.state = StateActive
			}
		}
		s.mu.Unlock()
		return core.Reply{}, core.NewConnectionLostError("sending user turn", err)
	}

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.reply, out.err
	case <-timer.C:
		return s.resolveTimeout(p)
	case <-ctx.Done():
		s.abandon(p)
		return core.Reply{}, ctx.Err()
	case <-s.ctx.Done():
		return core.Reply{}, core.NewSessionEndedError()
	}
}

// resolveTimeout decides the outcome of a turn whose reply wait
// expired. If the final text arrived in time the turn succeeds with
// whatever audio was gathered; otherwise the partial state is
// discarded and the turn fails with NoReply. Either way the session
// stays Active: a silent backend is not a connection failure.
func (s *Session) resolveTimeout(p *pendingTurn) (core.Reply, error) {
	s.mu.Lock()
	if s.pending != p {
		// Completed or failed concurrently with the timer.
		s.mu.Unlock()
		out := <-p.done
		return out.reply, out.err
	}
	if p.finalText != nil && !p.superseded {
		s.completeLocked(p)
		s.mu.Unlock()
		out := <-p.done
		return out.reply, out.err
	}
	s.discardLocked(p)
	s.mu.Unlock()
	return core.Reply{}, core.NewNoReplyError("no reply before timeout")
}

func (s *Session) abandon(p *pendingTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != p {
		return
	}
	s.discardLocked(p)
}

// discardLocked drops the turn's partial text and audio without
// delivering them. Caller holds s.mu.
func (s *Session) discardLocked(p *pendingTurn) {
	p.superseded = true
	stopGrace(p)
	s.assembler.Reset()
	s.pending = nil
	if s.state == StateAwaitingReply {
		s.state = StateActive
	}
}

// completeLocked finalizes the turn and delivers the reply. Caller
// holds s.mu and has checked finalText is present.
func (s *Session) completeLocked(p *pendingTurn) {
	stopGrace(p)
	reply := core.Reply{Text: *p.finalText, Audio: s.assembler.Finalize()}
	s.lastReply = &reply
	s.pending = nil
	if s.state == StateAwaitingReply {
		s.state = StateActive
	}
	p.deliver(turnOutcome{reply: reply})
}

func stopGrace(p *pendingTurn) {
	if p != nil && p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
}

// End closes the connection and the session. It is idempotent, and it
// cancels any outstanding SubmitTurn wait immediately.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	p := s.pending
	s.pending = nil
	stopGrace(p)
	conn := s.conn
	s.mu.Unlock()

	if p != nil {
		p.deliver(turnOutcome{err: core.NewSessionEndedError()})
	}
	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.fireOnClose()
}

// fireOnClose runs the hook on its own goroutine: the closing path may
// hold locks (the registry's slot lock during a replacement) that the
// hook itself needs.
func (s *Session) fireOnClose() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			go s.onClose(s)
		}
	})
}

func (s *Session) recvLoop(conn *agent.Conn) {
	for ev := range conn.Events() {
		s.handleEvent(ev)
	}

	connErr := conn.Err()

	s.mu.Lock()
	deliberate := s.state == StateClosing || s.state == StateClosed
	s.state = StateClosed
	p := s.pending
	s.pending = nil
	stopGrace(p)
	s.mu.Unlock()

	if p != nil {
		if deliberate {
			p.deliver(turnOutcome{err: core.NewSessionEndedError()})
		} else {
			p.deliver(turnOutcome{err: core.NewConnectionLostError("agent stream terminated", connErr)})
		}
	}
	if !deliberate {
		s.logger.Warn("agent connection lost", "user", s.user, "error", connErr)
	}
	s.cancel()
	s.fireOnClose()
}

// handleEvent processes one inbound event. Events arrive and are
// handled strictly in order; this is the only writer of turn state
// besides SubmitTurn itself.
func (s *Session) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.TextPartial:
		s.logger.Debug("partial text", "user", s.user, "len", len(e.Text))

	case protocol.TextFinal:
		s.handleTextFinal(e.Text)

	case protocol.AudioChunk:
		s.handleAudioChunk(e.Data)

	case protocol.Interruption:
		s.handleInterruption(e.Reason)

	case protocol.BackendError:
		s.handleBackendError(e)

	case protocol.KeepaliveProbe:
		// Already acked by the connection; nothing turn-related to do.
		s.logger.Debug("keepalive probe", "id", e.ID)

	case protocol.InitMetadata:
		s.mu.Lock()
		s.conversationID = e.ConversationID
		s.format = e.Format
		s.assembler.SetFormat(e.Format)
		s.mu.Unlock()
		s.logger.Info("session metadata updated", "user", s.user, "audio_encoding", e.Format.Encoding)

	case protocol.Unrecognized:
		s.logger.Warn("ignoring unrecognized agent event", "type", e.Type)
	}
}

func (s *Session) handleTextFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil || p.superseded {
		s.logger.Debug("text_final with no turn outstanding", "user", s.user)
		return
	}
	p.finalText = &text

	// Text and audio terminate independently. For a text-only session
	// the turn is done now; otherwise audio gets a drain window that
	// each further fragment extends.
	if s.format.None() {
		s.completeLocked(p)
		return
	}
	p.grace = time.AfterFunc(s.cfg.AudioGrace, func() { s.finishAfterGrace(p) })
}

func (s *Session) finishAfterGrace(p *pendingTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != p || p.superseded || p.finalText == nil {
		return
	}
	s.completeLocked(p)
}

func (s *Session) handleAudioChunk(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil || p.superseded {
		// Audio for a superseded or unknown turn is dropped.
		return
	}
	s.assembler.Append(data)
	if p.finalText != nil && p.grace != nil {
		p.grace.Reset(s.cfg.AudioGrace)
	}
}

func (s *Session) handleInterruption(reason string) {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		s.logger.Debug("interruption with no turn outstanding", "user", s.user)
		return
	}
	s.discardLocked(p)
	s.mu.Unlock()

	s.logger.Info("turn superseded", "user", s.user, "reason", reason)
	p.deliver(turnOutcome{err: core.NewTurnSupersededError()})
}

func (s *Session) handleBackendError(e protocol.BackendError) {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		s.logger.Warn("backend error outside a turn", "code", e.Code, "message", e.Message)
		return
	}
	s.discardLocked(p)
	s.mu.Unlock()

	p.deliver(turnOutcome{err: core.NewBackendError(e.Message, e.Code)})
}
