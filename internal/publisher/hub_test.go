package publisher

import (
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	code := m.Run()
	log.SetOutput(os.Stderr)
	os.Exit(code)
}

func receive[M any](t *testing.T, c *Client[M]) M {
	t.Helper()
	select {
	case m := <-c.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero M
	return zero
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()
	h := NewHub[int]("test", 16, 16)
	require.NoError(t, h.Start())
	defer h.Stop()

	clients := []*Client[int]{h.Register("a"), h.Register("b"), h.Register("c")}
	assert.Equal(t, 3, h.Len())

	for i := 0; i < 5; i++ {
		assert.True(t, h.Broadcast(i))
	}
	for _, c := range clients {
		for i := 0; i < 5; i++ {
			assert.Equal(t, i, receive(t, c), "client %s message %d", c.Remote, i)
		}
	}

	s := h.Stats()
	assert.Equal(t, uint64(5), s.Events)
	assert.Equal(t, uint64(15), s.Delivered)
	assert.Equal(t, uint64(0), s.Dropped)
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	h := NewHub[int]("test", 64, 2)
	require.NoError(t, h.Start())
	defer h.Stop()

	slow := h.Register("slow")
	fast := h.Register("fast")

	for i := 0; i < 10; i++ {
		h.Broadcast(i)
		assert.Equal(t, i, receive(t, fast))
	}

	require.Eventually(t, func() bool {
		s := h.Stats()
		return s.Delivered+s.Dropped == 20
	}, 2*time.Second, 5*time.Millisecond)

	// the slow client kept only what fit in its queue
	assert.Equal(t, 0, receive(t, slow))
	assert.Equal(t, 1, receive(t, slow))
	select {
	case m := <-slow.Messages():
		t.Fatalf("unexpected message %d for slow client", m)
	default:
	}
	assert.Equal(t, uint64(8), h.Stats().Dropped)
}

func TestHub_Unregister(t *testing.T) {
	t.Parallel()
	h := NewHub[string]("test", 4, 4)
	require.NoError(t, h.Start())
	defer h.Stop()

	c := h.Register("x")
	h.Unregister(c.ID)
	h.Unregister(c.ID)
	h.Unregister("unknown")

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
	assert.Equal(t, 0, h.Len())
}

func TestHub_BroadcastWhenStopped(t *testing.T) {
	t.Parallel()
	h := NewHub[int]("test", 1, 1)
	assert.False(t, h.Broadcast(1), "not started")

	require.NoError(t, h.Start())
	assert.Error(t, h.Start(), "double start")
	h.Stop()
	h.Stop()
	assert.False(t, h.Broadcast(2), "stopped")
	assert.False(t, h.Running())
}

func TestHub_StopClosesClientsAndDelivers(t *testing.T) {
	t.Parallel()
	h := NewHub[int]("test", 8, 8)
	require.NoError(t, h.Start())
	c := h.Register("x")

	h.Broadcast(42)
	h.Stop()

	select {
	case <-c.Done():
	default:
		t.Fatal("client not closed by Stop")
	}
	assert.Equal(t, 42, receive(t, c), "queued message delivered before stop")

	late := h.Register("late")
	select {
	case <-late.Done():
	default:
		t.Fatal("client registered after Stop should be closed")
	}
	assert.Equal(t, 0, h.Len())
}
