/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command omnivoip-agent is an interactive terminal softphone for call
// center agents.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	omnivoip "github.com/tejzpr/omnivoip-agent-go"
	"github.com/tejzpr/omnivoip-agent-go/calling"
	"github.com/tejzpr/omnivoip-agent-go/config"
	"github.com/tejzpr/omnivoip-agent-go/dashboard"
	"github.com/tejzpr/omnivoip-agent-go/media"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
	"github.com/tejzpr/omnivoip-agent-go/presence"
	"github.com/tejzpr/omnivoip-agent-go/realtime"
	"github.com/tejzpr/omnivoip-agent-go/signaling/sipua"
)

const help = `commands:
  dial <number>     place a call
  answer            answer the ringing call
  hangup            end or reject the current call
  mute | hold       toggle mute or hold
  status <STATUS>   AVAILABLE, BUSY, ON_BREAK or OFFLINE
  reconnect         reconnect the event channel
  show              print call, presence and channel state
  quit`

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	logLevel := flag.String("log-level", "", "override service.log_level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Service.LogLevel = *logLevel
	}
	logger := omnisdk.NewLogger(cfg.Service.LogLevel, os.Stderr, cfg.Service.Console)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Agent stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ua, err := sipua.New(sipua.Config{
		Transport: cfg.SIP.Transport,
		BindHost:  cfg.SIP.BindHost,
		BindPort:  cfg.SIP.BindPort,
		Domain:    cfg.SIP.Domain,
		Username:  cfg.SIP.Username,
		Password:  cfg.SIP.Password,
		UserAgent: cfg.SIP.UserAgent,
	}, logger)
	if err != nil {
		return err
	}
	trackCfg := media.TrackConfig{ICEServers: cfg.Media.ICEServers}
	if cfg.Media.CaptureFile != "" {
		trackCfg.Source = media.FileSource(cfg.Media.CaptureFile)
	}
	device, err := media.NewTrackDevice(trackCfg, logger)
	if err != nil {
		return err
	}
	dialer := &realtime.WebsocketDialer{
		HandshakeTimeout: cfg.Events.HandshakeTimeout,
		PingInterval:     cfg.Events.PingInterval,
		PongTimeout:      cfg.Events.PongTimeout,
		AuthQueryParam:   cfg.Events.AuthQueryParam,
		Logger:           logger,
	}

	agent, err := omnivoip.New(omnivoip.Options{
		Config:    cfg,
		Logger:    logger,
		UserAgent: ua,
		Device:    device,
		Dialer:    dialer,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("Shutdown")
		}
	}()

	printEvents(agent)

	go func() {
		if err := agent.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("SIP server stopped")
		}
	}()

	if err := agent.Connect(ctx); err != nil {
		// transient failures keep retrying in the background
		logger.Warn().Err(err).Msg("Event channel not connected")
	}

	fmt.Println(help)
	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(ctx, agent, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// execute runs one command line and reports whether the agent should exit.
func execute(ctx context.Context, agent *omnivoip.Agent, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := strings.Join(fields[1:], " ")

	var err error
	switch strings.ToLower(fields[0]) {
	case "dial":
		var info calling.CallInfo
		info, err = agent.Calls.PlaceCall(ctx, arg)
		if err == nil {
			fmt.Printf("dialing %s (%s)\n", info.RemoteNumber, info.ID)
		}
	case "answer":
		call, ok := agent.Calls.Current()
		if !ok {
			fmt.Println("no incoming call")
			return false
		}
		err = agent.Calls.AcceptIncoming(ctx, call.ID)
	case "hangup":
		err = agent.Calls.Hangup()
	case "mute":
		var muted bool
		if muted, err = agent.Calls.ToggleMute(); err == nil {
			fmt.Printf("muted: %v\n", muted)
		}
	case "hold":
		var held bool
		if held, err = agent.Calls.ToggleHold(); err == nil {
			fmt.Printf("held: %v\n", held)
		}
	case "status":
		var st presence.Status
		if st, err = presence.ParseStatus(arg); err == nil {
			err = agent.Presence.SetStatus(st)
		}
	case "reconnect":
		err = agent.Reconnect(ctx)
	case "show":
		show(agent)
	case "quit", "exit":
		return true
	default:
		fmt.Println(help)
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
	}
	return false
}

func show(agent *omnivoip.Agent) {
	p := agent.Presence.Store().Current()
	fmt.Printf("presence: %s (by %s at %s)\n", p.Status, p.LastChangedBy, p.LastChangedAt.Format("15:04:05"))
	fmt.Printf("channel:  %s", agent.Channel.State())
	if n := agent.Channel.Attempt(); n > 0 {
		fmt.Printf(" (reconnect attempt %d)", n)
	}
	fmt.Println()

	if call, ok := agent.Calls.Current(); ok {
		fmt.Printf("call:     %s %s %s %s\n", call.Direction, call.RemoteNumber, call.State.Phase(),
			calling.FormatDuration(agent.Calls.Elapsed()))
	} else {
		fmt.Println("call:     none")
	}

	counts := agent.Dashboard.Roster.CountByStatus()
	if len(counts) > 0 {
		fmt.Printf("roster:   %v\n", counts)
	}
	if waiting, ok := agent.Dashboard.Queues.Number("waiting"); ok {
		fmt.Printf("queue:    %.0f waiting\n", waiting)
	}
	for _, n := range agent.Dashboard.Notifications.List() {
		fmt.Printf("[%s] %s\n", n.Level, n.Message)
		agent.Dashboard.Notifications.Remove(n.ID)
	}
}

func printEvents(agent *omnivoip.Agent) {
	em := agent.Calls.Emitter
	em.On(calling.CallEventIncoming, func(data interface{}) {
		if info, ok := data.(calling.CallInfo); ok {
			fmt.Printf("\nincoming call from %s, type 'answer' or 'hangup'\n", info.RemoteNumber)
		}
	})
	em.On(calling.CallEventState, func(data interface{}) {
		if sc, ok := data.(calling.StateChange); ok {
			fmt.Printf("call %s\n", sc.State.Phase())
		}
	})
	em.On(calling.CallEventEnded, func(data interface{}) {
		if e, ok := data.(calling.Ended); ok {
			fmt.Printf("call with %s ended after %s\n", e.Call.RemoteNumber,
				calling.FormatDuration(callLength(e.Call)))
		}
	})
	agent.Dashboard.Notifications.Subscribe(func(n dashboard.Notification) {
		fmt.Printf("[%s] %s\n", n.Level, n.Message)
	})
	agent.Presence.Store().Subscribe(func(p presence.Presence) {
		fmt.Printf("presence %s (%s)\n", p.Status, p.LastChangedBy)
	})
}

func callLength(c calling.CallInfo) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return time.Since(c.StartedAt)
}
