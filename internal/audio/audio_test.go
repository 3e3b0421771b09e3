package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputRunsDataBeforeEngine(t *testing.T) {
	t.Parallel()
	in := NewInput(WithFrameDuration(2 * time.Millisecond))
	var (
		mu    sync.Mutex
		calls []string
		seen  int16
	)
	in.SetDataCallback(func(frame []int16) {
		assert.Len(t, frame, FrameSamples)
		frame[0] = 7
		mu.Lock()
		calls = append(calls, "data")
		mu.Unlock()
	})
	in.SetEngineCallback(func(frame []int16) {
		mu.Lock()
		calls = append(calls, "engine")
		seen = frame[0]
		mu.Unlock()
	})

	require.NoError(t, in.Start())
	assert.True(t, in.IsRecording())
	require.Eventually(t, func() bool { return in.Frames() >= 3 }, time.Second, time.Millisecond)
	in.Stop()
	assert.False(t, in.IsRecording())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(calls), 6)
	assert.Equal(t, []string{"data", "engine", "data", "engine"}, calls[:4])
	assert.Equal(t, int16(7), seen)
}

func TestOutputRunsEngineBeforeData(t *testing.T) {
	t.Parallel()
	out := NewOutput(WithFrameDuration(2 * time.Millisecond))
	got := make(chan int16, 64)
	out.SetEngineCallback(func(frame []int16) {
		// Frames start zeroed every period.
		if frame[1] != 0 {
			t.Errorf("frame not cleared: %d", frame[1])
		}
		frame[1] = 42
	})
	out.SetDataCallback(func(frame []int16) {
		select {
		case got <- frame[1]:
		default:
		}
	})

	require.NoError(t, out.Start())
	assert.True(t, out.IsPlaying())
	select {
	case v := <-got:
		assert.Equal(t, int16(42), v)
	case <-time.After(time.Second):
		t.Fatal("no frame played")
	}
	out.Stop()
	assert.False(t, out.IsPlaying())
}

func TestStopIsPromptAndFramesStop(t *testing.T) {
	t.Parallel()
	in := NewInput(WithFrameDuration(time.Hour))
	require.NoError(t, in.Start())
	require.Eventually(t, func() bool { return in.Frames() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	in.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	n := in.Frames()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, in.Frames())
}

func TestStartIsIdempotentAndRestartable(t *testing.T) {
	t.Parallel()
	out := NewOutput(WithFrameDuration(time.Millisecond))
	out.Stop()
	require.NoError(t, out.Start())
	require.NoError(t, out.Start())
	require.Eventually(t, func() bool { return out.Frames() >= 2 }, time.Second, time.Millisecond)
	out.Stop()
	out.Stop()

	before := out.Frames()
	require.NoError(t, out.Start())
	require.Eventually(t, func() bool { return out.Frames() > before }, time.Second, time.Millisecond)
	out.Stop()
}

func TestIOCallbackStopsBoth(t *testing.T) {
	t.Parallel()
	io := NewIOCallback(WithFrameDuration(time.Millisecond))
	require.NoError(t, io.Input().Start())
	require.NoError(t, io.Output().Start())
	require.Eventually(t, func() bool {
		return io.Input().Frames() > 0 && io.Output().Frames() > 0
	}, time.Second, time.Millisecond)
	io.Stop()
	assert.False(t, io.Input().IsRecording())
	assert.False(t, io.Output().IsPlaying())
}
