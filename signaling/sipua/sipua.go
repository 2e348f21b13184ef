/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package sipua implements the signaling capability set on top of diago.
package sipua

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/diago"
	diagomedia "github.com/emiago/diago/media"
	"github.com/emiago/diago/media/sdp"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/media"
	"github.com/tejzpr/omnivoip-agent-go/signaling"
)

const (
	// hangupTimeout bounds the BYE transaction on Terminate.
	hangupTimeout = 5 * time.Second
	// reinviteTimeout bounds the re-INVITE sent on Hold and Unhold.
	reinviteTimeout = 5 * time.Second
)

// Config holds SIP user agent settings.
type Config struct {
	Transport string
	BindHost  string
	BindPort  int
	// Domain is appended to bare numbers to build request URIs.
	Domain    string
	Username  string
	Password  string
	UserAgent string
}

// UA is a diago backed signaling.UserAgent.
type UA struct {
	cfg Config
	dg  *diago.Diago
	log zerolog.Logger
}

// New creates the SIP user agent. Nothing is bound until Serve is called.
func New(cfg Config, logger zerolog.Logger) (*UA, error) {
	opts := []sipgo.UserAgentOption{}
	if cfg.UserAgent != "" {
		opts = append(opts, sipgo.WithUserAgent(cfg.UserAgent))
	}
	ua, err := sipgo.NewUA(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP user agent: %w", err)
	}

	transport := diago.Transport{
		Transport: cfg.Transport,
		BindHost:  cfg.BindHost,
		BindPort:  cfg.BindPort,
	}

	return &UA{
		cfg: cfg,
		dg:  diago.NewDiago(ua, diago.WithTransport(transport)),
		log: logger.With().Str("component", "sipua").Logger(),
	}, nil
}

// RequestURI turns a dialled number into a SIP URI. Targets that already
// carry a scheme are used verbatim.
func (u *UA) RequestURI(target string) (sip.Uri, error) {
	var uri sip.Uri
	target = strings.TrimSpace(target)
	raw := target
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		if u.cfg.Domain == "" {
			return uri, fmt.Errorf("no SIP domain configured for %q", target)
		}
		raw = fmt.Sprintf("sip:%s@%s", strings.ReplaceAll(target, "-", ""), u.cfg.Domain)
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("invalid SIP target %q: %w", target, err)
	}
	return uri, nil
}

// Call implements signaling.UserAgent. The INVITE runs in the background.
func (u *UA) Call(_ context.Context, target string, handle media.Handle, sink signaling.Sink) (signaling.Session, error) {
	uri, err := u.RequestURI(target)
	if err != nil {
		return nil, err
	}

	// The dialog outlives the caller's context; Terminate cancels it.
	callCtx, cancel := context.WithCancel(context.Background())
	s := newClientSession(cancel, handle, u.log)
	s.OnEvent(sink)

	opts := diago.InviteOptions{
		Username: u.cfg.Username,
		Password: u.cfg.Password,
	}
	go s.run(callCtx, u.dg, uri, opts)

	u.log.Info().Str("target", uri.String()).Str("handle", handle.ID()).Msg("Outbound INVITE started")
	return s, nil
}

// Serve starts accepting inbound sessions in the background. Listening
// stops when ctx is done.
func (u *UA) Serve(ctx context.Context, onIncoming signaling.IncomingHandler) error {
	return u.dg.ServeBackground(ctx, func(d *diago.DialogServerSession) {
		u.handleInbound(d, onIncoming)
	})
}

func (u *UA) handleInbound(d *diago.DialogServerSession, onIncoming signaling.IncomingHandler) {
	s := newServerSession(d, u.log)
	defer s.close()

	if err := d.Trying(); err != nil {
		u.log.Warn().Err(err).Msg("Failed to send 100 Trying")
	}
	if err := d.Ringing(); err != nil {
		u.log.Warn().Err(err).Msg("Failed to send 180 Ringing")
		return
	}

	from := ""
	if h := d.InviteRequest.From(); h != nil {
		from = h.Address.User
	}
	u.log.Info().Str("from", from).Str("sip_call_id", s.ID()).Msg("Inbound call ringing")
	onIncoming(s, from)

	// diago tears the dialog down once this handler returns, so block here
	// until the call is over.
	s.wait()
}

// ---- event pump ----

// pump delivers session events on one goroutine so the sink never runs
// inside a Session method and always sees events in order. Events emitted
// before stop are still delivered; later ones are dropped.
type pump struct {
	mu     sync.Mutex
	sink   signaling.Sink
	events chan signaling.Event
	done   chan struct{}
	once   sync.Once
}

func newPump() *pump {
	p := &pump{
		events: make(chan signaling.Event, 8),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *pump) loop() {
	for {
		select {
		case evt := <-p.events:
			p.deliver(evt)
		case <-p.done:
			for {
				select {
				case evt := <-p.events:
					p.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (p *pump) deliver(evt signaling.Event) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink(evt)
	}
}

func (p *pump) bind(sink signaling.Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *pump) emit(evt signaling.Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- evt:
	case <-p.done:
	}
}

func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}

// ---- hold and mute ----

// renegotiator is the part of an established diago dialog used to change
// the media direction.
type renegotiator interface {
	MediaSession() *diagomedia.MediaSession
	ReInvite(ctx context.Context) error
}

// flags holds hold and mute state shared by both session kinds. Hold is
// signalled to the peer; mute only gates outgoing audio.
type flags struct {
	mu    sync.Mutex // serializes re-INVITEs
	held  bool
	muted atomic.Bool
}

// renegotiate sends a re-INVITE offering sendonly (held) or sendrecv. The
// previous direction is restored when the peer rejects it.
func (f *flags) renegotiate(r renegotiator, held bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r == nil {
		return fmt.Errorf("call not established")
	}
	ms := r.MediaSession()
	if ms == nil {
		return fmt.Errorf("call has no media session")
	}

	mode := sdp.ModeSendrecv
	if held {
		mode = sdp.ModeSendonly
	}
	prev := ms.Mode
	ms.Mode = mode

	ctx, cancel := context.WithTimeout(context.Background(), reinviteTimeout)
	defer cancel()
	if err := r.ReInvite(ctx); err != nil {
		ms.Mode = prev
		return fmt.Errorf("re-INVITE %s failed: %w", mode, err)
	}
	f.held = held
	return nil
}

func (f *flags) isHeld() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func (f *flags) isMuted() bool { return f.muted.Load() }

func (f *flags) Mute() error   { f.muted.Store(true); return nil }
func (f *flags) Unmute() error { f.muted.Store(false); return nil }

// ---- outgoing audio ----

// streamer is implemented by capture handles that can feed a call, such
// as media.TrackHandle.
type streamer interface {
	Stream(ctx context.Context, w io.Writer) error
}

// muteGate replaces outgoing frames with PCMU silence while muted.
type muteGate struct {
	w     io.Writer
	muted func() bool
	buf   []byte
}

func (g *muteGate) Write(p []byte) (int, error) {
	if !g.muted() {
		return g.w.Write(p)
	}
	if cap(g.buf) < len(p) {
		g.buf = make([]byte, len(p))
	}
	buf := g.buf[:len(p)]
	for i := range buf {
		buf[i] = 0xFF
	}
	if _, err := g.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// dialogAudio is the part of a diago dialog that accepts outgoing audio.
type dialogAudio interface {
	AudioWriter(opts ...diago.AudioWriterOption) (io.Writer, error)
}

// startAudio streams the capture handle into the dialog until ctx is done.
// Handles that cannot stream leave the call without outgoing audio.
func startAudio(ctx context.Context, d dialogAudio, handle media.Handle, f *flags, log zerolog.Logger) {
	src, ok := handle.(streamer)
	if !ok {
		log.Debug().Str("handle", handle.ID()).Msg("Capture handle does not stream, no outgoing audio")
		return
	}
	w, err := d.AudioWriter()
	if err != nil {
		log.Warn().Err(err).Msg("No audio writer on dialog")
		return
	}
	go func() {
		if err := src.Stream(ctx, &muteGate{w: w, muted: f.isMuted}); err != nil {
			log.Warn().Err(err).Str("handle", handle.ID()).Msg("Outgoing audio stopped")
		}
	}()
}

// ---- outbound ----

type clientSession struct {
	flags
	*pump

	mu         sync.Mutex
	id         string
	handle     media.Handle
	dialog     *diago.DialogClientSession
	cancel     context.CancelFunc
	terminated bool
	log        zerolog.Logger
}

func newClientSession(cancel context.CancelFunc, handle media.Handle, logger zerolog.Logger) *clientSession {
	return &clientSession{
		pump:   newPump(),
		handle: handle,
		cancel: cancel,
		log:    logger,
	}
}

func (s *clientSession) run(ctx context.Context, dg *diago.Diago, uri sip.Uri, opts diago.InviteOptions) {
	defer s.pump.stop()

	d, err := dg.Invite(ctx, uri, opts)
	if err != nil {
		s.mu.Lock()
		terminated := s.terminated
		s.mu.Unlock()
		if terminated || ctx.Err() != nil {
			s.emit(signaling.Event{Type: signaling.EventEnded})
			return
		}
		s.log.Warn().Err(err).Str("target", uri.String()).Msg("Outbound INVITE failed")
		s.emit(signaling.Event{Type: signaling.EventFailed, Cause: err.Error(), Err: err})
		return
	}
	defer d.Close()

	s.mu.Lock()
	s.dialog = d
	s.id = d.InviteRequest.CallID().Value()
	terminated := s.terminated
	s.mu.Unlock()

	if terminated {
		hangup(d.Hangup, s.log)
		s.emit(signaling.Event{Type: signaling.EventEnded})
		return
	}

	s.emit(signaling.Event{Type: signaling.EventConfirmed})
	if r, err := d.AudioReader(); err != nil {
		s.log.Warn().Err(err).Msg("No remote audio on outbound dialog")
	} else {
		s.emit(signaling.Event{Type: signaling.EventRemoteMedia, Media: r})
	}
	if s.handle != nil {
		startAudio(d.Context(), d, s.handle, &s.flags, s.log)
	}

	<-d.Context().Done()
	s.emit(signaling.Event{Type: signaling.EventEnded})
}

func (s *clientSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *clientSession) Answer(context.Context, media.Handle) error {
	return fmt.Errorf("cannot answer an outbound session")
}

func (s *clientSession) OnEvent(sink signaling.Sink) { s.pump.bind(sink) }

func (s *clientSession) Hold() error   { return s.renegotiate(s.established(), true) }
func (s *clientSession) Unhold() error { return s.renegotiate(s.established(), false) }

// established returns the confirmed dialog, or nil while inviting.
func (s *clientSession) established() renegotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialog == nil {
		return nil
	}
	return s.dialog
}

func (s *clientSession) Terminate() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	d := s.dialog
	s.mu.Unlock()

	if d == nil {
		// still inviting; cancelling the context sends CANCEL
		s.cancel()
		return nil
	}
	err := hangup(d.Hangup, s.log)
	s.cancel()
	return err
}

// ---- inbound ----

type serverSession struct {
	flags
	*pump

	mu       sync.Mutex
	dialog   *diago.DialogServerSession
	answered bool
	done     chan struct{}
	doneOnce sync.Once
	log      zerolog.Logger
}

func newServerSession(d *diago.DialogServerSession, logger zerolog.Logger) *serverSession {
	return &serverSession{
		pump:   newPump(),
		dialog: d,
		done:   make(chan struct{}),
		log:    logger,
	}
}

func (s *serverSession) ID() string {
	return s.dialog.InviteRequest.CallID().Value()
}

func (s *serverSession) OnEvent(sink signaling.Sink) { s.pump.bind(sink) }

func (s *serverSession) Hold() error   { return s.renegotiate(s.established(), true) }
func (s *serverSession) Unhold() error { return s.renegotiate(s.established(), false) }

func (s *serverSession) established() renegotiator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.answered {
		return nil
	}
	return s.dialog
}

func (s *serverSession) Answer(_ context.Context, handle media.Handle) error {
	s.mu.Lock()
	if s.answered {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.dialog.Answer(); err != nil {
		return fmt.Errorf("failed to answer: %w", err)
	}

	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()

	s.emit(signaling.Event{Type: signaling.EventConfirmed})
	if r, err := s.dialog.AudioReader(); err != nil {
		s.log.Warn().Err(err).Msg("No remote audio on inbound dialog")
	} else {
		s.emit(signaling.Event{Type: signaling.EventRemoteMedia, Media: r})
	}
	if handle != nil {
		startAudio(s.dialog.Context(), s.dialog, handle, &s.flags, s.log)
	}
	return nil
}

func (s *serverSession) Terminate() error {
	s.mu.Lock()
	answered := s.answered
	s.mu.Unlock()

	var err error
	if answered {
		err = hangup(s.dialog.Hangup, s.log)
	} else if rerr := s.dialog.Respond(486, "Busy Here", nil); rerr != nil {
		err = fmt.Errorf("failed to reject: %w", rerr)
	}
	s.finish()
	return err
}

// wait blocks until the dialog ends remotely or is terminated locally.
func (s *serverSession) wait() {
	select {
	case <-s.dialog.Context().Done():
	case <-s.done:
	}
	s.emit(signaling.Event{Type: signaling.EventEnded})
}

func (s *serverSession) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *serverSession) close() {
	s.finish()
	s.pump.stop()
	s.dialog.Close()
}

func hangup(fn func(context.Context) error, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Msg("Hangup failed")
		return fmt.Errorf("failed to hang up: %w", err)
	}
	return nil
}

var _ signaling.UserAgent = (*UA)(nil)
var _ signaling.Session = (*clientSession)(nil)
var _ signaling.Session = (*serverSession)(nil)
