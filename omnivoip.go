/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package omnivoip composes the agent softphone core: one call controller,
// one capture guard, one event channel and the presence they share.
package omnivoip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/calling"
	"github.com/tejzpr/omnivoip-agent-go/config"
	"github.com/tejzpr/omnivoip-agent-go/dashboard"
	"github.com/tejzpr/omnivoip-agent-go/media"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
	"github.com/tejzpr/omnivoip-agent-go/presence"
	"github.com/tejzpr/omnivoip-agent-go/realtime"
	"github.com/tejzpr/omnivoip-agent-go/signaling"
)

// ErrAlreadyServing is returned by Serve when inbound calls are already
// being accepted.
var ErrAlreadyServing = errors.New("agent is already serving inbound calls")

// IncomingServer is implemented by user agents that accept inbound calls.
type IncomingServer interface {
	Serve(ctx context.Context, onIncoming signaling.IncomingHandler) error
}

// Options holds the collaborators of an Agent. UserAgent, Device and Dialer
// are required.
type Options struct {
	Config    *config.Config
	Logger    zerolog.Logger
	UserAgent signaling.UserAgent
	Device    media.Device
	Dialer    realtime.Dialer
	// Tokens supplies the event channel token on every connect. Defaults to
	// auth.token when set, otherwise the auth.token_env variable.
	Tokens omnisdk.TokenSource

	// AfterFunc and Now override the channel's timers and clocks in tests.
	AfterFunc func(d time.Duration, f func()) realtime.Timer
	Now       func() time.Time
}

// Agent owns the single instance of every component for the process.
type Agent struct {
	Calls     *calling.Controller
	Presence  *presence.Synchronizer
	Channel   *realtime.Manager
	Dashboard *dashboard.Dashboard

	cfg    *config.Config
	guard  *media.Guard
	ua     signaling.UserAgent
	tokens omnisdk.TokenSource
	log    zerolog.Logger

	serveMu sync.Mutex
	serving bool
}

// New wires an Agent from opts. Nothing touches the network until Connect
// or Serve is called.
func New(opts Options) (*Agent, error) {
	if opts.UserAgent == nil || opts.Device == nil || opts.Dialer == nil {
		return nil, errors.New("omnivoip: UserAgent, Device and Dialer are required")
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	initial, err := presence.ParseStatus(cfg.Agent.InitialStatus)
	if err != nil {
		return nil, fmt.Errorf("invalid agent.initial_status: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	tokens := opts.Tokens
	if tokens == nil {
		if cfg.Auth.Token != "" {
			tokens = omnisdk.StaticToken(cfg.Auth.Token)
		} else {
			tokens = omnisdk.EnvToken(cfg.Auth.TokenEnv)
		}
	}

	log := opts.Logger
	a := &Agent{
		cfg:    cfg,
		ua:     opts.UserAgent,
		tokens: tokens,
		log:    log.With().Str("agent_id", cfg.Agent.ID).Logger(),
	}

	a.Channel = realtime.New(opts.Dialer, &realtime.Config{
		URL:         cfg.Events.URL,
		MaxAttempts: cfg.Events.MaxAttempts,
		BaseDelay:   cfg.Events.BaseDelay,
		DialTimeout: cfg.Events.HandshakeTimeout,
		Logger:      log,
		AfterFunc:   opts.AfterFunc,
		Now:         now,
	})

	a.Presence = presence.NewSynchronizer(presence.NewStore(initial, now()), presence.Config{
		AgentID:   cfg.Agent.ID,
		Publisher: a.Channel,
		Logger:    log,
		Now:       now,
	})

	a.guard = media.NewGuard(opts.Device, log)
	a.Calls = calling.NewController(opts.UserAgent, a.guard, &calling.Config{
		TickInterval: time.Second,
		Presence:     a.Presence,
		Logger:       log,
		Now:          now,
	})

	a.Dashboard = dashboard.New(dashboard.DefaultFeedSize, log)
	a.wire()
	return a, nil
}

func (a *Agent) wire() {
	a.Channel.On(realtime.EventAgentStatusUpdate, a.Presence.HandleStatusUpdate)
	a.Dashboard.Register(a.Channel)

	a.Channel.OnStateChange(func(s realtime.ConnectionState) {
		a.log.Debug().Str("state", string(s)).Msg("Event channel state")
	})
	a.Channel.OnExhausted(func(e *omnisdk.ChannelExhausted) {
		msg := fmt.Sprintf("Connection lost after %d attempts. Reconnect to continue.", e.Attempts)
		a.Dashboard.Notifications.Add(dashboard.LevelError, msg)
	})

	a.Calls.Emitter.On(calling.CallEventError, func(data interface{}) {
		err, ok := data.(error)
		if !ok {
			return
		}
		a.Dashboard.Notifications.Add(dashboard.LevelError, notificationText(err))
	})
}

// notificationText prefers the operator-facing message of agent errors.
func notificationText(err error) string {
	var base *omnisdk.AgentError
	if errors.As(err, &base) && base.Message != "" {
		return base.Message
	}
	return err.Error()
}

// Guard exposes the capture guard, mostly for status displays.
func (a *Agent) Guard() *media.Guard { return a.guard }

// Config returns the configuration the Agent was built with.
func (a *Agent) Config() *config.Config { return a.cfg }

// Connect opens the event channel with a freshly read token.
func (a *Agent) Connect(ctx context.Context) error {
	token, err := a.token(ctx)
	if err != nil {
		return err
	}
	return a.Channel.Connect(ctx, token)
}

// Reconnect re-reads the token and restarts the event channel, for use
// after re-authentication or exhaustion.
func (a *Agent) Reconnect(ctx context.Context) error {
	token, err := a.token(ctx)
	if err != nil {
		return err
	}
	return a.Channel.Reconnect(ctx, token)
}

// token reads the access token. Without a configured agent.id the token's
// subject identifies this agent in roster pushes.
func (a *Agent) token(ctx context.Context) (string, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if a.cfg.Agent.ID == "" {
		if sub := omnisdk.TokenSubject(token); sub != "" && sub != a.Presence.AgentID() {
			a.Presence.SetAgentID(sub)
			a.log.Info().Str("agent_id", sub).Msg("Agent id taken from access token")
		}
	}
	return token, nil
}

// HandleIncoming routes an inbound session to the call controller. Calls
// arriving while another is in progress are rejected.
func (a *Agent) HandleIncoming(sess signaling.Session, from string) {
	if err := a.Calls.HandleIncoming(sess, from); err != nil {
		a.log.Info().Err(err).Str("from", from).Msg("Inbound call rejected")
	}
}

// Serve accepts inbound calls until ctx is done. The user agent must
// implement IncomingServer.
func (a *Agent) Serve(ctx context.Context) error {
	srv, ok := a.ua.(IncomingServer)
	if !ok {
		return errors.New("omnivoip: user agent does not accept inbound calls")
	}
	a.serveMu.Lock()
	if a.serving {
		a.serveMu.Unlock()
		return ErrAlreadyServing
	}
	a.serving = true
	a.serveMu.Unlock()

	return srv.Serve(ctx, a.HandleIncoming)
}

// Shutdown ends any call, releases the capture device and closes the
// event channel.
func (a *Agent) Shutdown() error {
	err := a.Calls.Close()
	a.Channel.Disconnect()
	return err
}
