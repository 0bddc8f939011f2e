package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/rdnat/internal/metrics"
)

const (
	// earlyReadSize is the read size used while watching a waiting
	// connection for a close.
	earlyReadSize = 4096

	// maxEarlyBytes caps what is buffered from a waiting connection. Past it
	// the watcher stops reading, leaving the client to TCP flow control; a
	// close after that point is only noticed once the pair is relayed.
	maxEarlyBytes = 64 << 10
)

// Pair is two arrivals matched by a ListenServer: the SeqA-th connection on
// port A and the SeqB-th on port B.
type Pair struct {
	A, B       net.Conn
	SeqA, SeqB uint64
}

// arrival is a connection waiting in its port's queue.
type arrival struct {
	side Side
	seq  uint64
	conn net.Conn

	// watching is set under the server lock when a watcher goroutine owns
	// reads on conn; watchDone closes when it returns and early holds what it
	// read.
	watching  bool
	watchDone chan struct{}
	early     []byte
}

// ListenServer pairs the Nth connection accepted on port A with the Nth
// connection accepted on port B and relays each pair.
//
// A waiting connection waits indefinitely. If it closes before its
// counterpart arrives it is dropped from its queue and the next arrival on
// that port takes its place.
type ListenServer struct {
	ctx context.Context
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	queues [2][]*arrival
	seq    [2]uint64

	// onPair receives every matched pair; it defaults to relaying it.
	onPair func(Pair)
}

func NewListenServer(ctx context.Context, cfg Config) *ListenServer {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &ListenServer{
		ctx: ctx,
		cfg: cfg,
		log: cfg.logger().WithField("mode", ModeListen),
	}
	s.onPair = s.relay
	context.AfterFunc(ctx, s.closePending)
	return s
}

// Serve accepts on lnA and lnB until either listener fails or is closed.
func (s *ListenServer) Serve(lnA, lnB net.Listener) error {
	g, gctx := errgroup.WithContext(s.ctx)
	context.AfterFunc(gctx, func() {
		_ = lnA.Close()
		_ = lnB.Close()
	})

	g.Go(func() error {
		return acceptLoop(lnA, s.log, func(c net.Conn) { s.Arrive(SideA, c) })
	})
	g.Go(func() error {
		return acceptLoop(lnB, s.log, func(c net.Conn) { s.Arrive(SideB, c) })
	})
	return g.Wait()
}

// Arrive queues c on side's port and relays every pair that can now be
// formed.
func (s *ListenServer) Arrive(side Side, c net.Conn) {
	a := &arrival{side: side, conn: c, watchDone: make(chan struct{})}

	s.mu.Lock()
	s.seq[index(side)]++
	a.seq = s.seq[index(side)]
	s.queues[index(side)] = append(s.queues[index(side)], a)
	pairs := s.matchLocked()
	queued := s.queuedLocked(a)
	if queued {
		a.watching = true
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"side": side, "seq": a.seq, "client": addrString(c.RemoteAddr())}).Debug("arrival")

	if queued {
		go s.watch(a)
	}
	for _, p := range pairs {
		go s.start(p)
	}
}

// matchLocked pops queue heads while both queues are non-empty.
func (s *ListenServer) matchLocked() [][2]*arrival {
	var pairs [][2]*arrival
	for len(s.queues[0]) > 0 && len(s.queues[1]) > 0 {
		a, b := s.queues[0][0], s.queues[1][0]
		s.queues[0][0], s.queues[1][0] = nil, nil
		s.queues[0], s.queues[1] = s.queues[0][1:], s.queues[1][1:]
		pairs = append(pairs, [2]*arrival{a, b})
	}
	return pairs
}

func (s *ListenServer) queuedLocked(a *arrival) bool {
	for _, q := range s.queues[index(a.side)] {
		if q == a {
			return true
		}
	}
	return false
}

// removeLocked drops a from its queue, reporting whether it was still there.
func (s *ListenServer) removeLocked(a *arrival) bool {
	q := s.queues[index(a.side)]
	for i, x := range q {
		if x == a {
			s.queues[index(a.side)] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

func (s *ListenServer) updateGaugesLocked() {
	metrics.PendingArrivals.WithLabelValues(SideA.String()).Set(float64(len(s.queues[0])))
	metrics.PendingArrivals.WithLabelValues(SideB.String()).Set(float64(len(s.queues[1])))
}

// Pending returns the queue depth of each port.
func (s *ListenServer) Pending() (a, b int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[0]), len(s.queues[1])
}

// watch reads from a waiting connection until it is paired. Data is kept for
// replay; end-of-stream or an error while still queued discards the arrival.
func (s *ListenServer) watch(a *arrival) {
	defer close(a.watchDone)

	buf := make([]byte, earlyReadSize)
	var err error
	for len(a.early) < maxEarlyBytes {
		var n int
		n, err = a.conn.Read(buf[:min(len(buf), maxEarlyBytes-len(a.early))])
		a.early = append(a.early, buf[:n]...)
		if err != nil {
			break
		}
	}
	if err == nil {
		return
	}

	s.mu.Lock()
	removed := s.removeLocked(a)
	if removed {
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if !removed {
		// Already paired; the read was interrupted by endpoint().
		return
	}
	_ = a.conn.Close()
	metrics.DiscardedArrivals.WithLabelValues(a.side.String()).Inc()
	s.log.WithFields(logrus.Fields{"side": a.side, "seq": a.seq, "buffered": len(a.early)}).WithError(err).Debug("arrival closed before pairing")
}

// endpoint stops a's watcher and returns its connection with any early bytes
// replayed in front.
func (a *arrival) endpoint() net.Conn {
	if a.watching {
		_ = a.conn.SetReadDeadline(aLongTimeAgo)
		<-a.watchDone
		_ = a.conn.SetReadDeadline(time.Time{})
	}
	return newPrefixConn(a.conn, a.early)
}

func (s *ListenServer) start(pa [2]*arrival) {
	p := Pair{
		A:    pa[0].endpoint(),
		B:    pa[1].endpoint(),
		SeqA: pa[0].seq,
		SeqB: pa[1].seq,
	}
	s.onPair(p)
}

func (s *ListenServer) relay(p Pair) {
	s.log.WithFields(logrus.Fields{"seq_a": p.SeqA, "seq_b": p.SeqB}).Debug("paired")
	handoff(s.ctx, s.cfg, ModeListen, p.A, p.B)
}

// closePending drops every waiting connection.
func (s *ListenServer) closePending() {
	s.mu.Lock()
	var pending []*arrival
	for i := range s.queues {
		pending = append(pending, s.queues[i]...)
		s.queues[i] = nil
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, a := range pending {
		_ = a.conn.Close()
	}
}

func index(side Side) int {
	if side == SideB {
		return 1
	}
	return 0
}
