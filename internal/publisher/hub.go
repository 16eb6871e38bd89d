package publisher

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client is one subscriber of a Hub. Messages are delivered on a bounded
// channel; when the channel is full the message is dropped for this client
// only.
type Client[M any] struct {
	ID        string
	Remote    string
	Connected time.Time

	ch       chan M
	done     chan struct{}
	doneOnce sync.Once
}

// Messages returns the client's delivery channel.
func (c *Client[M]) Messages() <-chan M {
	return c.ch
}

// Done is closed when the client is unregistered or the hub stops.
func (c *Client[M]) Done() <-chan struct{} {
	return c.done
}

func (c *Client[M]) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Hub fans messages out to a dynamic set of clients. Broadcast never
// blocks: messages go through a bounded incoming queue drained by a single
// broadcast goroutine, which copies each message into every client's
// bounded queue. The client set lock is never held during network I/O;
// transports read from Client.Messages in their own goroutines.
type Hub[M any] struct {
	name      string
	perClient int

	incoming  chan M
	clients   map[string]*Client[M]
	clientsMu sync.RWMutex
	stopped   bool

	events      atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHub returns a stopped hub. queue bounds the incoming queue and
// perClient bounds each client's queue.
func NewHub[M any](name string, queue, perClient int) *Hub[M] {
	if queue <= 0 {
		queue = DefaultQueue
	}
	if perClient <= 0 {
		perClient = DefaultClientQueue
	}
	return &Hub[M]{
		name:      name,
		perClient: perClient,
		incoming:  make(chan M, queue),
		clients:   make(map[string]*Client[M]),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the broadcast goroutine.
func (h *Hub[M]) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s hub already running", h.name)
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return nil
}

// Stop signals the broadcast goroutine, waits for it to deliver what is
// already queued, and closes every client. A stopped hub cannot be
// restarted.
func (h *Hub[M]) Stop() {
	h.stopOnce.Do(func() {
		h.running.Store(false)
		close(h.stopCh)
		h.wg.Wait()

		h.clientsMu.Lock()
		h.stopped = true
		for id, c := range h.clients {
			c.close()
			delete(h.clients, id)
		}
		h.clientsMu.Unlock()
		h.clientCount.Store(0)
	})
}

// Running reports whether the hub accepts broadcasts.
func (h *Hub[M]) Running() bool {
	return h.running.Load()
}

// Broadcast queues m for every client. It reports false if the hub is not
// running or the incoming queue is full, in which case m is dropped.
func (h *Hub[M]) Broadcast(m M) bool {
	if !h.running.Load() {
		return false
	}
	select {
	case h.incoming <- m:
		h.events.Add(1)
		return true
	default:
		dropped := h.dropped.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			log.Printf("[%s] DROPPED event, queue full (total dropped: %d)", h.name, dropped)
		}
		return false
	}
}

func (h *Hub[M]) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopCh:
			// deliver whatever was queued before Stop
			for {
				select {
				case m := <-h.incoming:
					h.fanOut(m)
				default:
					return
				}
			}
		case m := <-h.incoming:
			h.fanOut(m)
		}
	}
}

func (h *Hub[M]) fanOut(m M) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.ch <- m:
			h.delivered.Add(1)
		default:
			// Client is slow, drop the message for this client.
			h.dropped.Add(1)
		}
	}
}

// Register adds a client. remote is used for logging only. A client
// registered after Stop is returned already closed.
func (h *Hub[M]) Register(remote string) *Client[M] {
	c := &Client[M]{
		ID:        uuid.NewString(),
		Remote:    remote,
		Connected: time.Now(),
		ch:        make(chan M, h.perClient),
		done:      make(chan struct{}),
	}

	h.clientsMu.Lock()
	if h.stopped {
		h.clientsMu.Unlock()
		c.close()
		return c
	}
	h.clients[c.ID] = c
	h.clientsMu.Unlock()

	n := h.clientCount.Add(1)
	log.Printf("[%s] Client connected: %s from %s (total: %d)", h.name, c.ID, remote, n)
	return c
}

// Unregister removes a client and closes its Done channel. Unknown ids are
// ignored.
func (h *Hub[M]) Unregister(id string) {
	h.clientsMu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.clientsMu.Unlock()
	if !ok {
		return
	}
	c.close()
	n := h.clientCount.Add(-1)
	log.Printf("[%s] Client disconnected: %s (remaining: %d)", h.name, id, n)
}

// Len returns the number of registered clients.
func (h *Hub[M]) Len() int {
	return int(h.clientCount.Load())
}

// Stats returns the hub counters.
func (h *Hub[M]) Stats() Stats {
	return Stats{
		Name:      h.name,
		Running:   h.running.Load(),
		Clients:   h.clientCount.Load(),
		Events:    h.events.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}
