//go:build linux

package hook_test

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/corio/config"
	"github.com/joeycumines/corio/fdtable"
	"github.com/joeycumines/corio/hook"
	"github.com/joeycumines/corio/iomgr"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *iomgr.IOManager {
	t.Helper()
	m, err := iomgr.New(2, false, "hook-test", uint64(config.DefaultStackSize))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Stop()
		_ = m.Close()
	})
	return m
}

// socketPair returns two connected, hooked TCP-like unix-domain stream
// sockets, registered in fdtable and marked as sockets.
func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	fdtable.Default.GetOrCreate(fds[0]).MarkSocket()
	fdtable.Default.GetOrCreate(fds[1]).MarkSocket()
	t.Cleanup(func() {
		fdtable.Default.Remove(fds[0])
		fdtable.Default.Remove(fds[1])
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadBlocksThenWakesOnWrite(t *testing.T) {
	m := newManager(t)
	a, b := socketPair(t)

	done := make(chan struct{})
	var n int
	var readErr error
	m.ScheduleCallback(func(ctx context.Context) {
		buf := make([]byte, 16)
		n, readErr = hook.Read(ctx, a, buf)
		close(done)
	}, -1)

	time.Sleep(20 * time.Millisecond)
	_, err := unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hooked Read to complete")
	}
	require.NoError(t, readErr)
	require.Equal(t, 2, n)
}

func TestReadTimesOutWhenNoData(t *testing.T) {
	m := newManager(t)
	a, _ := socketPair(t)
	fdtable.Default.GetOrCreate(a).SetTimeout(fdtable.Recv, 50)

	done := make(chan struct{})
	var readErr error
	m.ScheduleCallback(func(ctx context.Context) {
		buf := make([]byte, 16)
		_, readErr = hook.Read(ctx, a, buf)
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hooked Read to give up")
	}
	require.ErrorIs(t, readErr, unix.ETIMEDOUT)
}

func TestWriteSucceedsImmediatelyWhenBufferHasSpace(t *testing.T) {
	m := newManager(t)
	a, b := socketPair(t)
	_ = b

	done := make(chan struct{})
	var n int
	var writeErr error
	m.ScheduleCallback(func(ctx context.Context) {
		n, writeErr = hook.Write(ctx, a, []byte("ok"))
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hooked Write")
	}
	require.NoError(t, writeErr)
	require.Equal(t, 2, n)
}

func TestBypassesHookingWhenNotUnderScheduler(t *testing.T) {
	a, b := socketPair(t)
	_, writeErr := unix.Write(b, []byte("x"))
	require.NoError(t, writeErr)

	n, err := hook.Read(context.Background(), a, make([]byte, 4))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFcntlMaintainsDualNonblockViews(t *testing.T) {
	a, _ := socketPair(t)
	ctx := context.Background()

	flags, err := hook.Fcntl(ctx, a, unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flags&unix.O_NONBLOCK, "user view should start blocking")

	_, err = hook.Fcntl(ctx, a, unix.F_SETFL, unix.O_NONBLOCK)
	require.NoError(t, err)

	flags, err = hook.Fcntl(ctx, a, unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.O_NONBLOCK, "user view should now be nonblocking")

	fc, ok := fdtable.Default.Get(a)
	require.True(t, ok)
	require.True(t, fc.SystemNonblock(), "system view must stay nonblocking regardless")
}

func TestCloseCancelsPendingInterestAndRemovesFdCtx(t *testing.T) {
	m := newManager(t)
	a, _ := socketPair(t)

	done := make(chan struct{})
	var readErr error
	m.ScheduleCallback(func(ctx context.Context) {
		_, readErr = hook.Read(ctx, a, make([]byte, 4))
		close(done)
	}, -1)

	time.Sleep(20 * time.Millisecond)

	// Close from another coroutine on the same manager (spec's "close(fd)
	// from another coroutine"), so hook.Close's ctx actually carries the
	// IOManager and CancelAll runs instead of silently no-opping.
	var closeErr error
	closeDone := make(chan struct{})
	m.ScheduleCallback(func(ctx context.Context) {
		closeErr = hook.Close(ctx, a)
		close(closeDone)
	}, -1)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hook.Close to run")
	}
	require.NoError(t, closeErr)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Close to unblock the pending Read")
	}
	require.Error(t, readErr)

	_, ok := fdtable.Default.Get(a)
	require.False(t, ok)
}

func TestSetsockoptTimeoutStoresMillisecondsInFdCtx(t *testing.T) {
	a, _ := socketPair(t)
	require.NoError(t, hook.SetsockoptTimeout(context.Background(), a, unix.SO_RCVTIMEO, 250*time.Millisecond))

	fc, ok := fdtable.Default.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 250, fc.Timeout(fdtable.Recv))
}

func TestSleepResumesCoroutineUnderScheduler(t *testing.T) {
	m := newManager(t)

	start := make(chan struct{})
	done := make(chan struct{})
	m.ScheduleCallback(func(ctx context.Context) {
		close(start)
		require.NoError(t, hook.Sleep(ctx, 0))
		close(done)
	}, -1)

	<-start
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Sleep never resumed")
	}
}
