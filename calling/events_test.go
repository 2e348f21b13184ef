/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventEmitter(t *testing.T) {
	t.Run("On and Emit", func(t *testing.T) {
		emitter := NewEventEmitter()
		var received interface{}
		emitter.On(CallEventError, func(data interface{}) {
			received = data
		})
		emitter.Emit(CallEventError, "hello")
		assert.Equal(t, "hello", received)
	})

	t.Run("multiple handlers in order", func(t *testing.T) {
		emitter := NewEventEmitter()
		var order []int
		emitter.On(CallEventState, func(data interface{}) { order = append(order, 1) })
		emitter.On(CallEventState, func(data interface{}) { order = append(order, 2) })
		emitter.Emit(CallEventState, nil)
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("Off removes handlers", func(t *testing.T) {
		emitter := NewEventEmitter()
		called := false
		emitter.On(CallEventTick, func(data interface{}) { called = true })
		emitter.Off(CallEventTick)
		emitter.Emit(CallEventTick, nil)
		assert.False(t, called)
	})

	t.Run("nil handler ignored", func(t *testing.T) {
		emitter := NewEventEmitter()
		emitter.On(CallEventTick, nil)
		assert.NotPanics(t, func() { emitter.Emit(CallEventTick, nil) })
	})

	t.Run("concurrent safety", func(t *testing.T) {
		emitter := NewEventEmitter()
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				emitter.On(CallEventState, func(data interface{}) {})
				emitter.Emit(CallEventState, nil)
			}()
		}
		wg.Wait()
	})
}
