/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package omnisdk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains []string
	}{
		{
			name:     "media acquisition",
			err:      NewMediaAcquisitionError("placeCall", ErrPermissionDenied),
			contains: []string{"placeCall", "microphone unavailable", "permission denied"},
		},
		{
			name:     "signaling failure with cause",
			err:      NewSignalingFailure("remote", "486 Busy Here", nil),
			contains: []string{"remote", "486 Busy Here"},
		},
		{
			name:     "channel exhausted",
			err:      NewChannelExhausted(5, errors.New("dial refused")),
			contains: []string{"5 attempts", "dial refused"},
		},
		{
			name:     "invalid transition",
			err:      NewInvalidTransition("toggleMute", "IDLE"),
			contains: []string{"toggleMute", "IDLE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				assert.Contains(t, msg, s)
			}
		})
	}
}

func TestError_Classification(t *testing.T) {
	media := fmt.Errorf("dial: %w", NewMediaAcquisitionError("placeCall", ErrDeviceUnavailable))
	assert.True(t, IsMediaAcquisition(media))
	assert.False(t, IsSignalingFailure(media))
	assert.True(t, errors.Is(media, ErrDeviceUnavailable))

	sig := NewSignalingFailure("placeCall", "", errors.New("no route"))
	assert.True(t, IsSignalingFailure(sig))
	assert.False(t, IsChannelExhausted(sig))

	transient := NewChannelTransientError("read", 2, errors.New("eof"))
	assert.True(t, IsChannelTransient(transient))
	assert.Equal(t, 2, transient.Attempt)

	exhausted := NewChannelExhausted(5, nil)
	assert.True(t, IsChannelExhausted(exhausted))
	assert.False(t, IsChannelTransient(exhausted))

	inv := NewInvalidTransition("hangup", "IDLE")
	assert.True(t, IsInvalidTransition(inv))

	assert.False(t, IsInvalidTransition(nil))
	assert.False(t, IsMediaAcquisition(errors.New("plain")))
}

func TestError_BaseReachable(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewInvalidTransition("toggleHold", "DIALING"))

	var base *AgentError
	require.True(t, errors.As(err, &base))
	assert.Equal(t, "toggleHold", base.Op)

	var inv *InvalidTransition
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, "DIALING", inv.From)
}
