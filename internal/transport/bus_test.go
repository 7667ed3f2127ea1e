package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DispatchReachesAllHandlers(t *testing.T) {
	b := NewBus()
	var got []string

	b.Subscribe("ping", func(event string, data []byte) {
		got = append(got, "a:"+string(data))
	})
	b.Subscribe("ping", func(event string, data []byte) {
		got = append(got, "b:"+string(data))
	})
	b.Subscribe("pong", func(event string, data []byte) {
		got = append(got, "c")
	})

	b.Dispatch("ping", []byte("x"))

	assert.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"a:x", "b:x"}, got)
	assert.Equal(t, 2, b.HandlerCount("ping"))
	assert.Equal(t, 1, b.HandlerCount("pong"))
}

func TestBus_DispatchUnknownEventIsNoop(t *testing.T) {
	b := NewBus()
	assert.NotPanics(t, func() { b.Dispatch("nobody-home", nil) })
}

func TestBus_UnsubscribeRemovesOnlyItsHandler(t *testing.T) {
	b := NewBus()
	var aCalls, bCalls int

	subA := b.Subscribe("ev", func(string, []byte) { aCalls++ })
	b.Subscribe("ev", func(string, []byte) { bCalls++ })

	subA.Unsubscribe()
	b.Dispatch("ev", nil)

	assert.Zero(t, aCalls)
	assert.Equal(t, 1, bCalls)
	assert.Equal(t, 1, b.HandlerCount("ev"))
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("ev", func(string, []byte) {})
	require.Equal(t, 1, b.HandlerCount("ev"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Zero(t, b.HandlerCount("ev"))

	// A later subscriber on the same event is unaffected by the dead handle.
	b.Subscribe("ev", func(string, []byte) {})
	sub.Unsubscribe()
	assert.Equal(t, 1, b.HandlerCount("ev"))
}

func TestBus_ConcurrentSubscribeDispatch(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("ev", func(string, []byte) {})
			sub.Unsubscribe()
		}()
		go func() {
			defer wg.Done()
			b.Dispatch("ev", nil)
		}()
	}
	wg.Wait()
	assert.Zero(t, b.HandlerCount("ev"))
}
