/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	// FrameDuration is the packetization interval of captured audio.
	FrameDuration = 20 * time.Millisecond
	// FrameSize is one PCMU frame at 8 kHz.
	FrameSize = 160
	// pcmuSilence is the mu-law encoding of zero amplitude.
	pcmuSilence = 0xFF
)

// Source opens the raw PCMU capture stream for one handle. An error from
// Source fails the acquisition.
type Source func(ctx context.Context) (io.ReadCloser, error)

// TrackConfig holds configuration for the pion backed capture device.
type TrackConfig struct {
	// ICEServers is the list of STUN/TURN URLs
	ICEServers []string
	// Source supplies captured audio (default: silence)
	Source Source
}

// TrackDevice produces capture handles backed by a pion PeerConnection with
// a single PCMU send/receive audio transceiver.
type TrackDevice struct {
	api    *webrtc.API
	config webrtc.Configuration
	source Source
	log    zerolog.Logger
}

// SilenceSource is the default Source. It never ends.
func SilenceSource(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(silence{}), nil
}

// FileSource reads raw 8 kHz PCMU audio from path for every handle.
func FileSource(path string) Source {
	return func(context.Context) (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open capture file: %w", err)
		}
		return f, nil
	}
}

type silence struct{}

func (silence) Read(p []byte) (int, error) {
	fillSilence(p)
	return len(p), nil
}

func fillSilence(p []byte) {
	for i := range p {
		p[i] = pcmuSilence
	}
}

// NewTrackDevice builds the pion API used for every handle.
func NewTrackDevice(cfg TrackConfig, logger zerolog.Logger) (*TrackDevice, error) {
	// PCMU and PCMA only; SIP trunks on the other side rarely offer opus.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// Default interceptors are needed with a custom MediaEngine or RTCP is never processed.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	source := cfg.Source
	if source == nil {
		source = SilenceSource
	}

	return &TrackDevice{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
		config: webrtc.Configuration{ICEServers: servers},
		source: source,
		log:    logger.With().Str("component", "track-device").Logger(),
	}, nil
}

// Open implements Device.
func (d *TrackDevice) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := d.source(ctx)
	if err != nil {
		return nil, err
	}

	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	id := uuid.New().String()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"omnivoip-"+id,
	)
	if err != nil {
		_ = pc.Close()
		_ = src.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	transceiver, err := pc.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		_ = pc.Close()
		_ = src.Close()
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	h := &TrackHandle{id: id, pc: pc, track: track, src: src, done: make(chan struct{})}

	// Drain RTCP so the sender's interceptors keep running.
	go func() {
		sender := transceiver.Sender()
		buf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(buf); rtcpErr != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		d.log.Debug().Str("handle", id).Str("pc_state", s.String()).Msg("Capture peer connection state")
	})

	return h, nil
}

// TrackHandle is a capture handle backed by a pion local audio track.
// Captured frames flow through Stream; while muted they are replaced by
// silence.
type TrackHandle struct {
	mu     sync.Mutex
	id     string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	src    io.ReadCloser
	done   chan struct{}
	muted  bool
	closed bool
}

func (h *TrackHandle) ID() string { return h.id }

func (h *TrackHandle) SetMuted(muted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = muted
}

func (h *TrackHandle) Muted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted
}

// WriteSample pushes one encoded PCMU frame. Frames are dropped while muted
// or after Close.
func (h *TrackHandle) WriteSample(data []byte, duration time.Duration) error {
	h.mu.Lock()
	if h.muted || h.closed {
		h.mu.Unlock()
		return nil
	}
	track := h.track
	h.mu.Unlock()
	return track.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}

// Stream reads captured frames and writes them, one every FrameDuration,
// to the local pion track and to w. It returns when ctx is done, the handle
// is closed or the source ends. While muted w receives silence and the
// track receives nothing.
func (h *TrackHandle) Stream(ctx context.Context, w io.Writer) error {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	frame := make([]byte, FrameSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-ticker.C:
		}

		if _, err := io.ReadFull(h.src, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || h.isClosed() {
				return nil
			}
			return fmt.Errorf("capture read: %w", err)
		}
		if h.Muted() {
			fillSilence(frame)
		} else if err := h.WriteSample(frame, FrameDuration); err != nil && !h.isClosed() {
			return fmt.Errorf("local track write: %w", err)
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("call audio write: %w", err)
		}
	}
}

func (h *TrackHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// PeerConnection returns the underlying pion PeerConnection.
func (h *TrackHandle) PeerConnection() *webrtc.PeerConnection {
	return h.pc
}

// Close stops streaming, closes the capture source and the peer
// connection. Subsequent calls are no-ops.
func (h *TrackHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	srcErr := h.src.Close()
	if err := h.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	if srcErr != nil {
		return fmt.Errorf("failed to close capture source: %w", srcErr)
	}
	return nil
}
