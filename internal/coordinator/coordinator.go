// Package coordinator owns one client process's room session. Every state
// change runs on a single event loop fed by user commands, subscription
// snapshots, engine callbacks and timers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tariel-x/duocall/internal/call"
	"github.com/tariel-x/duocall/internal/chat"
	"github.com/tariel-x/duocall/internal/identity"
	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/presence"
	"github.com/tariel-x/duocall/internal/roomstore"
	"github.com/tariel-x/duocall/internal/signaling"
)

const (
	defaultRefreshInterval = 5 * time.Second
	operationTimeout       = 10 * time.Second
	noticeBuffer           = 32
)

var (
	ErrNotReady     = errors.New("not ready: no identity or no open room")
	ErrDisconnected = errors.New("room subscription closed")
	ErrClosed       = errors.New("coordinator closed")
)

// IdentitySource yields the process's session identity.
type IdentitySource interface {
	EnsureSessionIdentity(ctx context.Context) (identity.Identity, error)
}

type Options struct {
	Identity IdentitySource
	Store    roomstore.Store
	Engine   call.Engine
	ICE      call.ICEConfig

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	// RefreshInterval re-evaluates staleness while nothing changes.
	RefreshInterval time.Duration
	TickInterval    time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

type Coordinator struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	cmds    chan command
	inbox   *mailbox
	notices chan Notice
	changed chan struct{}

	viewMu sync.RWMutex
	view   View

	// Owned by the loop.
	self    identity.Identity
	sess    *session
	nextGen uint64
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

type session struct {
	gen    uint64
	room   string
	name   string
	ctx    context.Context
	cancel context.CancelFunc

	presence  *presence.Manager
	chat      *chat.Relay
	signaling *signaling.Channel
	machine   *call.Machine

	roster   presence.Roster
	messages []models.ChatMessage
	lastCall *models.CallSession
}

type rosterEvent struct {
	gen    uint64
	roster presence.Roster
}

type messagesEvent struct {
	gen      uint64
	messages []models.ChatMessage
}

type callEvent struct {
	gen  uint64
	call *models.CallSession
}

type machineEvent struct {
	gen uint64
	ev  call.Event
}

type feedClosedEvent struct {
	gen  uint64
	feed string
}

func New(opts Options) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = presence.DefaultHeartbeatInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = presence.DefaultStaleAfter
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:    opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		cmds:    make(chan command),
		inbox:   newMailbox(),
		notices: make(chan Notice, noticeBuffer),
		changed: make(chan struct{}, 1),
		view:    View{Phase: call.PhaseIdle, Elapsed: call.FormatElapsed(0)},
	}
	go c.loop()
	return c
}

// Notices delivers user-facing messages. Notices are dropped when the
// reader falls behind.
func (c *Coordinator) Notices() <-chan Notice {
	return c.notices
}

// Changed is signalled after the view changes. Signals coalesce.
func (c *Coordinator) Changed() <-chan struct{} {
	return c.changed
}

func (c *Coordinator) View() View {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	v := c.view
	v.Members = append([]models.Member(nil), c.view.Members...)
	v.Messages = append([]models.ChatMessage(nil), c.view.Messages...)
	return v
}

// Join leaves any open room, then admits this session to room as name and
// opens the room's subscriptions.
func (c *Coordinator) Join(ctx context.Context, room, name string) error {
	return c.do(ctx, name, func(ctx context.Context) error {
		return c.join(ctx, room, name)
	})
}

func (c *Coordinator) Leave(ctx context.Context) error {
	return c.do(ctx, "", func(ctx context.Context) error {
		if c.sess == nil {
			return ErrNotReady
		}
		c.leave(ctx)
		return nil
	})
}

func (c *Coordinator) StartCall(ctx context.Context) error {
	return c.do(ctx, "", func(ctx context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		if err := s.machine.StartCall(ctx, c.liveOthers(s)); err != nil {
			return err
		}
		c.notify(noticeCalling, nil)
		return nil
	})
}

func (c *Coordinator) Accept(ctx context.Context) error {
	return c.do(ctx, "", func(ctx context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		return s.machine.Accept(ctx)
	})
}

func (c *Coordinator) Reject(ctx context.Context) error {
	return c.do(ctx, "", func(ctx context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		return s.machine.Reject(ctx)
	})
}

func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, "", func(ctx context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		s.machine.Hangup(ctx)
		return nil
	})
}

func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	return c.do(ctx, "", func(ctx context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		return s.chat.Send(ctx, s.room, c.self.SessionID, s.name, text)
	})
}

// ToggleAudio flips the microphone mute and reports the new muted state.
func (c *Coordinator) ToggleAudio(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, "", func(context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		muted = s.machine.ToggleAudio()
		return nil
	})
	return muted, err
}

// ToggleVideo flips the camera mute and reports the new muted state.
func (c *Coordinator) ToggleVideo(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, "", func(context.Context) error {
		s, err := c.session()
		if err != nil {
			return err
		}
		muted = s.machine.ToggleVideo()
		return nil
	})
	return muted, err
}

// Close leaves the open room and stops the loop.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		_ = c.do(ctx, "", func(ctx context.Context) error {
			if c.sess != nil {
				c.leave(ctx)
			}
			return nil
		})
		c.cancel()
		<-c.done
	})
}

// do runs fn on the loop. Errors are returned and published as notices.
func (c *Coordinator) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	var err error
	select {
	case err = <-cmd.reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		c.notify(noticeText(err, name), err)
	}
	return err
}

func (c *Coordinator) loop() {
	defer close(c.done)

	refresh := time.NewTicker(c.opts.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case cmd := <-c.cmds:
			ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
			cmd.reply <- cmd.fn(ctx)
			cancel()
			c.publish()
		case <-c.inbox.notify:
			for _, item := range c.inbox.drain() {
				c.handle(item)
			}
			c.publish()
		case <-refresh.C:
			if c.sess != nil {
				c.evaluateCall(c.sess)
				c.publish()
			}
		case <-c.ctx.Done():
			if c.sess != nil {
				c.sess.cancel()
				c.sess = nil
			}
			return
		}
	}
}

func (c *Coordinator) join(ctx context.Context, room, name string) error {
	if !models.ValidName(room) || !models.ValidName(name) {
		return presence.ErrInvalidName
	}
	if c.opts.Identity == nil {
		return ErrNotReady
	}
	self, err := c.opts.Identity.EnsureSessionIdentity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	c.self = self

	if c.sess != nil {
		c.leave(ctx)
	}

	pm := presence.New(c.opts.Store, self.SessionID,
		presence.WithTimings(c.opts.HeartbeatInterval, c.opts.StaleAfter),
		presence.WithClock(c.opts.Clock),
	)
	if err := pm.Join(ctx, room, name); err != nil {
		return err
	}

	c.nextGen++
	sctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		gen:       c.nextGen,
		room:      room,
		name:      name,
		ctx:       sctx,
		cancel:    cancel,
		presence:  pm,
		chat:      chat.New(c.opts.Store),
		signaling: signaling.New(c.opts.Store),
	}
	gen := s.gen
	s.machine = call.NewMachine(call.Config{
		Room:         room,
		SelfID:       self.SessionID,
		Signaling:    call.FromChannel(s.signaling),
		Engine:       c.opts.Engine,
		ICE:          c.opts.ICE,
		Post:         func(ev call.Event) { c.inbox.push(machineEvent{gen: gen, ev: ev}) },
		Report:       func(err error) { c.notify(noticeText(err, name), err) },
		Context:      sctx,
		TickInterval: c.opts.TickInterval,
		Logger:       c.logger,
	})

	if err := c.subscribe(s); err != nil {
		cancel()
		if lerr := pm.Leave(ctx, room, name); lerr != nil {
			c.logger.Warn("coordinator leave after failed join", "room", room, "error", lerr)
		}
		return err
	}
	c.sess = s

	go pm.RunHeartbeat(sctx, room, name)

	if err := s.chat.Announce(ctx, room, name+" Joined"); err != nil {
		c.logger.Warn("coordinator announce join failed", "room", room, "error", err)
	}
	c.logger.Info("coordinator joined room", "room", room, "name", name, "session_id", self.SessionID)
	return nil
}

func (c *Coordinator) subscribe(s *session) error {
	roster, err := s.presence.Subscribe(s.ctx, s.room)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	messages, err := s.chat.Subscribe(s.ctx, s.room)
	if err != nil {
		roster.Cancel()
		return fmt.Errorf("subscribe chat: %w", err)
	}
	calls, err := s.signaling.SubscribeToCall(s.ctx, s.room)
	if err != nil {
		roster.Cancel()
		messages.Cancel()
		return fmt.Errorf("subscribe call: %w", err)
	}

	gen := s.gen
	forward(c, s.ctx, gen, "presence", roster, func(r presence.Roster) any { return rosterEvent{gen: gen, roster: r} })
	forward(c, s.ctx, gen, "chat", messages, func(m []models.ChatMessage) any { return messagesEvent{gen: gen, messages: m} })
	forward(c, s.ctx, gen, "call", calls, func(cs *models.CallSession) any { return callEvent{gen: gen, call: cs} })
	return nil
}

// forward moves feed values into the mailbox until the session ends. A
// feed closing while the session is still open means the store went away.
func forward[T any](c *Coordinator, ctx context.Context, gen uint64, name string, feed *roomstore.Feed[T], wrap func(T) any) {
	go func() {
		defer feed.Cancel()
		for {
			select {
			case v, ok := <-feed.C():
				if !ok {
					if ctx.Err() == nil {
						c.inbox.push(feedClosedEvent{gen: gen, feed: name})
					}
					return
				}
				c.inbox.push(wrap(v))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Coordinator) leave(ctx context.Context) {
	s := c.sess
	// Stop the heartbeat first so it cannot recreate the record.
	s.cancel()
	s.machine.Hangup(ctx)
	if err := s.presence.Leave(ctx, s.room, s.name); err != nil {
		c.logger.Warn("coordinator leave failed", "room", s.room, "error", err)
	}
	if err := s.chat.Announce(ctx, s.room, s.name+" Left"); err != nil {
		c.logger.Warn("coordinator announce leave failed", "room", s.room, "error", err)
	}
	c.sess = nil
	c.logger.Info("coordinator left room", "room", s.room, "name", s.name)
}

func (c *Coordinator) handle(item any) {
	s := c.sess
	switch e := item.(type) {
	case rosterEvent:
		if s == nil || e.gen != s.gen {
			return
		}
		s.roster = e.roster
		c.evaluateCall(s)
	case messagesEvent:
		if s == nil || e.gen != s.gen {
			return
		}
		s.messages = e.messages
	case callEvent:
		if s == nil || e.gen != s.gen {
			return
		}
		s.lastCall = e.call
		c.evaluateCall(s)
	case machineEvent:
		if s == nil || e.gen != s.gen {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
		defer cancel()
		s.machine.HandleEvent(ctx, e.ev)
	case feedClosedEvent:
		if s == nil || e.gen != s.gen {
			return
		}
		c.logger.Warn("coordinator subscription closed", "room", s.room, "feed", e.feed)
		ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
		defer cancel()
		s.machine.Hangup(ctx)
		s.cancel()
		c.sess = nil
		c.notify(noticeText(ErrDisconnected, ""), ErrDisconnected)
	}
}

func (c *Coordinator) evaluateCall(s *session) {
	ctx, cancel := context.WithTimeout(c.ctx, operationTimeout)
	defer cancel()

	before := s.machine.Phase()
	s.machine.HandleCallRecord(ctx, s.lastCall, c.liveOthers(s))
	if before != call.PhaseRinging && s.machine.Phase() == call.PhaseRinging {
		c.notify(fmt.Sprintf("Incoming call from %s.", memberName(s.roster, s.machine.State().PartnerID)), nil)
	}
}

func (c *Coordinator) liveOthers(s *session) []models.Member {
	return sortedMembers(s.roster.Live(c.opts.Clock(), c.opts.StaleAfter).Others(s.name))
}

func (c *Coordinator) session() (*session, error) {
	if c.sess == nil {
		return nil, ErrNotReady
	}
	return c.sess, nil
}

func (c *Coordinator) notify(text string, err error) {
	select {
	case c.notices <- Notice{Text: text, Err: err, At: c.opts.Clock()}:
	default:
		c.logger.Debug("coordinator notice dropped", "text", text)
	}
}

// publish rebuilds the view from loop state.
func (c *Coordinator) publish() {
	v := View{
		SessionID: c.self.SessionID,
		Phase:     call.PhaseIdle,
		Elapsed:   call.FormatElapsed(0),
	}
	if s := c.sess; s != nil {
		st := s.machine.State()
		v.Room = s.room
		v.Name = s.name
		v.Members = sortedMembers(s.roster.Live(c.opts.Clock(), c.opts.StaleAfter))
		v.Messages = append([]models.ChatMessage(nil), s.messages...)
		v.Phase = st.Phase
		v.Elapsed = call.FormatElapsed(st.Elapsed)
		v.AudioMuted = st.AudioMuted
		v.VideoMuted = st.VideoMuted
		if st.PartnerID != "" {
			v.PartnerName = memberName(s.roster, st.PartnerID)
		}
	}

	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()

	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func memberName(r presence.Roster, sessionID string) string {
	for _, m := range r {
		if m.SessionID == sessionID {
			return m.UserName
		}
	}
	return "the other user"
}
