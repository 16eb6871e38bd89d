package tuio

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultUDPPort is the standard TUIO port.
const DefaultUDPPort = 3333

// UDPSender forwards OSC packets to a TUIO client over UDP. SendOSC never
// blocks: packets are queued and written by a background goroutine, and
// dropped when the queue is full.
type UDPSender struct {
	conn        *net.UDPConn
	channel     chan []byte
	logInterval time.Duration
	address     string

	sent    atomic.Uint64
	dropped atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewUDPSender dials addr ("host:port"; the port defaults to 3333).
func NewUDPSender(addr string, logInterval time.Duration) (*UDPSender, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, DefaultUDPPort)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TUIO address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUIO connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	return &UDPSender{
		conn:        conn,
		channel:     make(chan []byte, 256),
		logInterval: logInterval,
		address:     addr,
		stopCh:      make(chan struct{}),
	}, nil
}

// Start runs the writer goroutine until ctx is done or Close is called.
func (u *UDPSender) Start(ctx context.Context) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		failed := 0
		var lastError error
		ticker := time.NewTicker(u.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-u.stopCh:
				return
			case packet := <-u.channel:
				if _, err := u.conn.Write(packet); err != nil {
					failed++
					lastError = err
					continue
				}
				u.sent.Add(1)
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					log.Printf("[TUIO] failed to send %d UDP packets to %s (latest: %v)", failed, u.address, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()

	log.Printf("[TUIO] sending UDP to %s", u.address)
}

// SendOSC queues packet for delivery. The packet is copied.
func (u *UDPSender) SendOSC(packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	select {
	case u.channel <- cp:
	default:
		u.dropped.Add(1)
	}
	return nil
}

// Stats returns the number of packets written and dropped.
func (u *UDPSender) Stats() (sent, dropped uint64) {
	return u.sent.Load(), u.dropped.Load()
}

// Addr returns the destination address.
func (u *UDPSender) Addr() string {
	return u.address
}

// Close stops the writer goroutine and closes the socket.
func (u *UDPSender) Close() error {
	u.stopOnce.Do(func() { close(u.stopCh) })
	u.wg.Wait()
	return u.conn.Close()
}
