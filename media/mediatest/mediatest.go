/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package mediatest provides an in-memory capture device for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tejzpr/omnivoip-agent-go/media"
)

// Handle is a fake capture handle that records Close calls.
type Handle struct {
	mu     sync.Mutex
	id     string
	muted  bool
	closes int
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) SetMuted(muted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = muted
}

func (h *Handle) Muted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

// Closed reports whether Close has been called at least once.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes > 0
}

// Device is a fake media.Device. Set Err to make Open fail. Set Gate to make
// Open block until a value is sent or the gate is closed, to simulate a
// slow permission prompt.
type Device struct {
	mu      sync.Mutex
	Err     error
	Gate    chan struct{}
	handles []*Handle
	// started is signalled each time Open begins
	started chan struct{}
}

// NewDevice returns a ready Device.
func NewDevice() *Device {
	return &Device{started: make(chan struct{}, 16)}
}

// Open implements media.Device. When Gate is set, Open keeps waiting on it
// even if ctx is cancelled, returning the handle late the way real
// permission prompts do.
func (d *Device) Open(ctx context.Context) (media.Handle, error) {
	d.mu.Lock()
	gate := d.Gate
	err := d.Err
	d.mu.Unlock()

	select {
	case d.started <- struct{}{}:
	default:
	}

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	h := &Handle{id: fmt.Sprintf("fake-%d", len(d.handles)+1)}
	d.handles = append(d.handles, h)
	return h, nil
}

// Started returns a channel signalled each time Open begins.
func (d *Device) Started() <-chan struct{} { return d.started }

// SetErr changes the error returned by subsequent Opens.
func (d *Device) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// Handles returns every handle opened so far.
func (d *Device) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Handle, len(d.handles))
	copy(out, d.handles)
	return out
}

// Last returns the most recently opened handle, or nil.
func (d *Device) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// OpenCount returns the number of live handles, those not yet closed.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, h := range d.handles {
		if !h.Closed() {
			n++
		}
	}
	return n
}
