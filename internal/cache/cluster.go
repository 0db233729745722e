// cluster.go implements grid membership and synchronous replication.
//
// Members hold websocket links to every configured peer: each member dials
// its static peer list and accepts inbound links on the replication port.
// Links auto-reconnect with exponential backoff (1s → 30s max). A write is
// acknowledged to the caller only after backup_count peers confirmed the
// apply; coordinated evictions ride the same links fire-and-forget.
//
// Multicast discovery is accepted in config for parity with existing
// deployments but resolves to the static peer list in this implementation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ims-core/internal/config"
	"ims-core/pkg/errs"
)

type repOp string

const (
	opPut    repOp = "put"
	opDelete repOp = "delete"
	opEvict  repOp = "evict"
)

// repMsg is the replication wire format. Ack frames echo the Seq.
type repMsg struct {
	Cluster string `json:"cluster"`
	Seq     int64  `json:"seq,omitempty"`
	Ack     bool   `json:"ack,omitempty"`
	Op      repOp  `json:"op,omitempty"`
	Map     string `json:"map,omitempty"`
	Key     string `json:"key,omitempty"`
	Val     []byte `json:"val,omitempty"`
	Version int64  `json:"version,omitempty"`
}

const (
	portProbeLimit   = 64
	replicateTimeout = 2 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Cluster manages the member's listener and peer links.
type Cluster struct {
	grid   *Grid
	cfg    config.CacheConfig
	logger *slog.Logger

	server *http.Server
	addr   string

	linksMu sync.RWMutex
	links   []*peerLink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Join starts the replication listener (auto-incrementing the port on bind
// collision) and dials the static peer list. Standalone grids skip Join.
func (g *Grid) Join() error {
	if g.cluster != nil {
		return fmt.Errorf("cache: already joined")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		grid:   g,
		cfg:    g.cfg,
		logger: g.logger.With("component", "cache-cluster"),
		ctx:    ctx,
		cancel: cancel,
	}

	ln, err := c.listen()
	if err != nil {
		cancel()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/replicate", c.handleInbound)
	c.server = &http.Server{Handler: mux}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("replication listener failed", "error", err)
		}
	}()

	for _, peer := range c.cfg.Peers {
		link := newPeerLink(c, peer)
		c.linksMu.Lock()
		c.links = append(c.links, link)
		c.linksMu.Unlock()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			link.run(ctx)
		}()
	}

	g.cluster = c
	c.logger.Info("joined cluster",
		"cluster", c.cfg.ClusterName,
		"instance", c.cfg.InstanceName,
		"addr", c.addr,
		"peers", len(c.cfg.Peers),
	)
	return nil
}

// Addr returns the bound replication address.
func (c *Cluster) Addr() string { return c.addr }

// listen binds the replication port, probing upward on collision.
func (c *Cluster) listen() (net.Listener, error) {
	for port := c.cfg.Port; port < c.cfg.Port+portProbeLimit; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			c.addr = ln.Addr().String()
			if port != c.cfg.Port {
				c.logger.Info("replication port in use, auto-incremented",
					"configured", c.cfg.Port, "bound", port)
			}
			return ln, nil
		}
	}
	return nil, fmt.Errorf("cache: no free replication port in [%d,%d)",
		c.cfg.Port, c.cfg.Port+portProbeLimit)
}

// Close shuts down links and the listener.
func (c *Cluster) Close() {
	c.cancel()
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.server.Shutdown(ctx)
		cancel()
	}
	c.wg.Wait()
}

// replicateSync sends the write to backup_count connected peers and waits
// for every ack. Failing to reach the backup count means the write cannot be
// acknowledged: the caller sees Unavailable and quiesces.
func (c *Cluster) replicateSync(msg repMsg) error {
	need := c.cfg.BackupCount
	if need <= 0 {
		return nil
	}

	c.linksMu.RLock()
	connected := make([]*peerLink, 0, len(c.links))
	for _, l := range c.links {
		if l.connected() {
			connected = append(connected, l)
		}
	}
	c.linksMu.RUnlock()

	if len(connected) < need {
		return errs.New(errs.Unavailable, "cache: %d/%d backup peers reachable", len(connected), need)
	}

	msg.Cluster = c.cfg.ClusterName
	acks := make(chan error, need)
	for _, l := range connected[:need] {
		link := l
		go func() { acks <- link.sendAwait(msg) }()
	}
	for i := 0; i < need; i++ {
		if err := <-acks; err != nil {
			return errs.Wrap(errs.Unavailable, err, "cache: replication ack")
		}
	}
	return nil
}

// replicateAsync forwards evictions without waiting for acks.
func (c *Cluster) replicateAsync(msg repMsg) {
	msg.Cluster = c.cfg.ClusterName
	c.linksMu.RLock()
	defer c.linksMu.RUnlock()
	for _, l := range c.links {
		if l.connected() {
			go func(link *peerLink) { _ = link.send(msg) }(l)
		}
	}
}

// handleInbound upgrades an accepted peer connection and serves its frames.
func (c *Cluster) handleInbound(w http.ResponseWriter, r *http.Request) {
	if cluster := r.URL.Query().Get("cluster"); cluster != c.cfg.ClusterName {
		http.Error(w, "wrong cluster", http.StatusForbidden)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("upgrade inbound link", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		var msg repMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		c.apply(msg)
		if msg.Seq != 0 && !msg.Ack {
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteJSON(repMsg{Cluster: c.cfg.ClusterName, Seq: msg.Seq, Ack: true})
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// apply installs a replicated operation locally.
func (c *Cluster) apply(msg repMsg) {
	if msg.Ack || msg.Op == "" {
		return
	}
	c.grid.Map(msg.Map).applyReplica(msg)
}

// peerLink is one outbound connection with auto-reconnect, following the
// same backoff discipline as the rest of the system's long-lived links.
type peerLink struct {
	cluster *Cluster
	url     string
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	up     atomic.Bool

	seq     atomic.Int64
	waitsMu sync.Mutex
	waits   map[int64]chan struct{}
}

func newPeerLink(c *Cluster, peer string) *peerLink {
	return &peerLink{
		cluster: c,
		url:     fmt.Sprintf("ws://%s/replicate?cluster=%s", peer, c.cfg.ClusterName),
		logger:  c.logger.With("peer", peer),
		waits:   make(map[int64]chan struct{}),
	}
}

func (l *peerLink) connected() bool { return l.up.Load() }

// run connects and maintains the link with exponential backoff.
func (l *peerLink) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("peer link down, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (l *peerLink) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.up.Store(true)

	// ReadJSON only returns on a frame or a closed connection, so shutdown
	// must close the socket to unblock the read loop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		l.up.Store(false)
		l.connMu.Lock()
		conn.Close()
		l.conn = nil
		l.connMu.Unlock()
	}()

	l.logger.Info("peer link established")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var msg repMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Ack {
			l.waitsMu.Lock()
			if ch, ok := l.waits[msg.Seq]; ok {
				close(ch)
				delete(l.waits, msg.Seq)
			}
			l.waitsMu.Unlock()
			continue
		}
		// Peers replicate over whichever direction is up.
		l.cluster.apply(msg)
	}
}

// send writes a frame without waiting for an ack.
func (l *peerLink) send(msg repMsg) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("peer link not connected")
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(msg)
}

// sendAwait writes a frame and blocks until the peer acks it.
func (l *peerLink) sendAwait(msg repMsg) error {
	msg.Seq = l.seq.Add(1)
	ch := make(chan struct{})
	l.waitsMu.Lock()
	l.waits[msg.Seq] = ch
	l.waitsMu.Unlock()

	if err := l.send(msg); err != nil {
		l.waitsMu.Lock()
		delete(l.waits, msg.Seq)
		l.waitsMu.Unlock()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(replicateTimeout):
		l.waitsMu.Lock()
		delete(l.waits, msg.Seq)
		l.waitsMu.Unlock()
		return fmt.Errorf("ack timeout for seq %d", msg.Seq)
	}
}
