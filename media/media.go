/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package media guards the local audio capture device so that at most one
// capture handle is live at a time.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
)

// ErrBusy is returned by Acquire while a handle is already held or being acquired.
var ErrBusy = errors.New("capture device already in use")

// Handle is the ownership token for a live capture stream.
type Handle interface {
	// ID uniquely identifies the handle for the lifetime of the process.
	ID() string
	// SetMuted gates outgoing audio without releasing the device.
	SetMuted(muted bool)
	Muted() bool
	// Close stops capture. It must be safe to call more than once.
	Close() error
}

// Device opens capture streams. Open may block on hardware or permission
// prompts and must honour ctx cancellation.
type Device interface {
	Open(ctx context.Context) (Handle, error)
}

// Guard owns at most one active Handle.
type Guard struct {
	mu        sync.Mutex
	device    Device
	active    Handle
	acquiring bool
	log       zerolog.Logger
}

// NewGuard creates a Guard over device.
func NewGuard(device Device, logger zerolog.Logger) *Guard {
	return &Guard{
		device: device,
		log:    logger.With().Str("component", "media").Logger(),
	}
}

// Acquire opens the device and records the handle as active. The guard's
// lock is not held while the device opens. If ctx is cancelled while the
// device is opening, a handle that arrives late is closed and ctx.Err() is
// returned. Device errors are returned as *omnisdk.MediaAcquisitionError.
func (g *Guard) Acquire(ctx context.Context) (Handle, error) {
	g.mu.Lock()
	if g.active != nil || g.acquiring {
		g.mu.Unlock()
		return nil, ErrBusy
	}
	g.acquiring = true
	g.mu.Unlock()

	h, err := g.device.Open(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquiring = false

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		g.log.Warn().Err(err).Msg("Capture device acquisition failed")
		return nil, omnisdk.NewMediaAcquisitionError("acquire", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if cerr := h.Close(); cerr != nil {
			g.log.Warn().Err(cerr).Str("handle", h.ID()).Msg("Failed to close abandoned capture handle")
		}
		g.log.Debug().Str("handle", h.ID()).Msg("Acquisition cancelled, handle released")
		return nil, ctxErr
	}

	g.active = h
	g.log.Debug().Str("handle", h.ID()).Msg("Capture handle acquired")
	return h, nil
}

// Release closes h if it is the active handle. Releasing a handle that is
// not active, or releasing twice, is a no-op.
func (g *Guard) Release(h Handle) error {
	if h == nil {
		return nil
	}
	g.mu.Lock()
	if g.active == nil || g.active.ID() != h.ID() {
		g.mu.Unlock()
		return nil
	}
	g.active = nil
	g.mu.Unlock()

	if err := h.Close(); err != nil {
		return fmt.Errorf("release capture handle %s: %w", h.ID(), err)
	}
	g.log.Debug().Str("handle", h.ID()).Msg("Capture handle released")
	return nil
}

// Active returns the active handle, or nil.
func (g *Guard) Active() Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Held reports whether a handle is active.
func (g *Guard) Held() bool {
	return g.Active() != nil
}
