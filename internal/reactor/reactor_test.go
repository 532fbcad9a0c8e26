//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReactorDispatchesReadablePipe(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	got := make(chan Events, 1)
	require.NoError(t, r.AddSource(fds[0], KindGeneric, EventRead, func(ev Events) {
		got <- ev
		r.Stop()
	}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		unix.Write(fds[1], []byte("x"))
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run(nil) }()

	select {
	case ev := <-got:
		require.NotZero(t, ev&EventRead)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	<-done
}

func TestReactorTimerFires(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fired := make(chan struct{}, 1)
	r.AddTimer(5*time.Millisecond, 0, func() {
		fired <- struct{}{}
		r.Stop()
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(nil) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	<-done
}

func TestReactorSkipsTombstonedSource(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	calls := 0
	require.NoError(t, r.AddSource(fds[0], KindGeneric, EventRead, func(ev Events) {
		calls++
	}))
	r.RemoveSource(fds[0])

	unix.Write(fds[1], []byte("x"))
	r.AddTimer(5*time.Millisecond, 0, func() { r.Stop() })

	require.NoError(t, r.Run(nil))
	require.Equal(t, 0, calls)
}
