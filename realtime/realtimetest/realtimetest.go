/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package realtimetest provides scripted transports and a manual reconnect
// scheduler for testing code built on the realtime package.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/tejzpr/omnivoip-agent-go/realtime"
)

// Conn is an in-memory realtime.Conn. Frames pushed by the test are read by
// the manager in order; frames written by the manager are recorded.
type Conn struct {
	in        chan []byte
	dropped   chan struct{}
	closed    chan struct{}
	dropOnce  sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		in:      make(chan []byte, 64),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Push queues an inbound event frame.
func (c *Conn) Push(event string, data interface{}) {
	frame, err := realtime.Encode(event, data)
	if err != nil {
		panic(err)
	}
	c.in <- frame
}

// PushRaw queues an arbitrary inbound frame.
func (c *Conn) PushRaw(frame []byte) { c.in <- frame }

// Drop simulates the server or network closing the connection.
func (c *Conn) Drop() { c.dropOnce.Do(func() { close(c.dropped) }) }

func (c *Conn) ReadMessage() ([]byte, error) {
	// Queued frames are delivered before a drop is observed.
	select {
	case b := <-c.in:
		return b, nil
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.dropped:
		return nil, io.ErrUnexpectedEOF
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written decodes every frame written so far.
func (c *Conn) Written() []realtime.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Message, 0, len(c.written))
	for _, w := range c.written {
		var msg realtime.Message
		if err := json.Unmarshal(w, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// ErrNoScript is returned by Dialer when no result was queued.
var ErrNoScript = errors.New("realtimetest: no scripted dial result")

type dialResult struct {
	conn *Conn
	err  error
}

// Dialer returns scripted results in order.
type Dialer struct {
	mu      sync.Mutex
	results []dialResult
	tokens  []string
	urls    []string
}

// Succeed queues a successful dial returning conn.
func (d *Dialer) Succeed(conn *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{conn: conn})
}

// Fail queues a failed dial.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{err: err})
}

func (d *Dialer) Dial(_ context.Context, url, token string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		return nil, ErrNoScript
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

// Calls returns the number of Dial calls.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// Tokens returns the token passed to each Dial call.
func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Scheduler records reconnect timers instead of running them. Tests fire
// them explicitly with FireNext.
type Scheduler struct {
	mu     sync.Mutex
	timers []*Timer
}

// Timer is a scheduled callback.
type Timer struct {
	Delay   time.Duration
	fn      func()
	s       *Scheduler
	stopped bool
	fired   bool
}

func (t *Timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// AfterFunc matches realtime.Config.AfterFunc.
func (s *Scheduler) AfterFunc(d time.Duration, f func()) realtime.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Timer{Delay: d, fn: f, s: s}
	s.timers = append(s.timers, t)
	return t
}

// Delays returns the delay of every timer ever scheduled, in order.
func (s *Scheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.Delay
	}
	return out
}

// Pending returns the number of timers neither fired nor stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// FireNext runs the pending timer with the shortest delay on the calling
// goroutine. It reports false when nothing is pending.
func (s *Scheduler) FireNext() (time.Duration, bool) {
	s.mu.Lock()
	var pending []*Timer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		s.mu.Unlock()
		return 0, false
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Delay < pending[j].Delay })
	t := pending[0]
	t.fired = true
	s.mu.Unlock()

	t.fn()
	return t.Delay, true
}
