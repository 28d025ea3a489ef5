package sio2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventFlag(t *testing.T) {
	ef := NewEventFlag()

	done := make(chan uint32)
	go func() { done <- ef.Wait(EFComplete | EFTimeout) }()

	ef.Set(EFComplete)
	select {
	case bits := <-done:
		assert.Equal(t, EFComplete, bits)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken up")
	}

	ef.Clear(EFComplete)
	assert.Zero(t, ef.Bits())
}

func TestAlarm(t *testing.T) {
	t.Run("fires", func(t *testing.T) {
		ef := NewEventFlag()
		setAlarm(5*time.Millisecond, ef)
		assert.Equal(t, EFTimeout, ef.Wait(EFTimeout))
	})

	t.Run("cancelled", func(t *testing.T) {
		ef := NewEventFlag()
		a := setAlarm(5*time.Millisecond, ef)
		a.cancel()
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, ef.Bits())
	})

	t.Run("nil", func(t *testing.T) {
		var a *alarm
		assert.NotPanics(t, a.cancel)
	})
}
