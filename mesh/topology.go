// Package mesh keeps the client's picture of the mesh around its gateway,
// built from the gateway's network_status reports.
//
// Every route contributes its destination and next hop as nodes and an edge
// from our own node to the next hop; every neighbor contributes a node and
// a direct edge. Nodes not reported for StaleAfter are flagged stale and
// nodes silent for RemoveAfter are dropped. The own node is never removed.
package mesh

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openmesh/meshchat-go/core/codec"
)

const (
	// SelfID is the id of the client's own node.
	SelfID = "self"

	// DefaultStaleAfter marks a node stale when not reported for this long.
	DefaultStaleAfter = 60 * time.Second

	// DefaultRemoveAfter removes a node not reported for this long.
	DefaultRemoveAfter = 5 * time.Minute

	// DefaultCheckInterval is how often Start runs CheckTimeouts.
	DefaultCheckInterval = time.Minute

	// DefaultRSSI is assumed for links reported without a signal level.
	DefaultRSSI = -70
)

// Node is a mesh participant.
type Node struct {
	ID       string    `json:"id"`
	RSSI     int       `json:"rssi"`
	Hops     int       `json:"hops,omitempty"` // 0 when unknown or a direct neighbor
	LastSeen time.Time `json:"last_seen"`
	Own      bool      `json:"own,omitempty"`
	Stale    bool      `json:"stale,omitempty"` // set in snapshots only
}

// Edge is a link from one node to another.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	RSSI int    `json:"rssi"`
}

// Snapshot is a consistent copy of the topology, nodes sorted by id with
// the own node first.
type Snapshot struct {
	Nodes            []Node    `json:"nodes"`
	Edges            []Edge    `json:"edges"`
	ConnectedDevices int       `json:"connected_devices"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Visualizer receives a snapshot after every change.
type Visualizer interface {
	UpdateTopology(s Snapshot)
}

// Config configures a Topology.
type Config struct {
	StaleAfter    time.Duration
	RemoveAfter   time.Duration
	CheckInterval time.Duration

	// Visualizer is notified outside the lock after each change. May be nil.
	Visualizer Visualizer

	// Logger for topology events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type edgeKey struct{ from, to string }

// Topology tracks mesh nodes and links.
type Topology struct {
	cfg       Config
	log       *slog.Logger
	mu        sync.Mutex
	nodes     map[string]*Node
	edges     map[edgeKey]Edge
	connected int
	updatedAt time.Time
	onRemoved func(id string)
	cancel    context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Topology containing only the own node.
func New(cfg Config) *Topology {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.RemoveAfter <= 0 {
		cfg.RemoveAfter = DefaultRemoveAfter
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Topology{
		cfg:   cfg,
		log:   logger.WithGroup("mesh"),
		nodes: make(map[string]*Node),
		edges: make(map[edgeKey]Edge),
		nowFn: time.Now,
	}
	t.nodes[SelfID] = &Node{ID: SelfID, Own: true, LastSeen: t.nowFn()}
	return t
}

// SetOnNodeRemoved sets the callback invoked when a node times out.
func (t *Topology) SetOnNodeRemoved(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoved = fn
}

// HandleEnvelope applies network_status envelopes and ignores the rest, so
// it can be registered directly as a session handler.
func (t *Topology) HandleEnvelope(env codec.Envelope) {
	if ns, ok := env.Payload.(codec.NetworkStatus); ok {
		t.Apply(ns)
	}
}

// Apply merges a network_status report. A routes array replaces every
// edge; a bare route count leaves the graph alone.
func (t *Topology) Apply(ns codec.NetworkStatus) {
	t.mu.Lock()
	now := t.nowFn()
	t.connected = ns.ConnectedDevices
	t.updatedAt = now

	if ns.Routes.Entries != nil {
		t.edges = make(map[edgeKey]Edge)
		for _, r := range ns.Routes.Entries {
			if r.Destination == "" || r.NextHop == "" {
				continue
			}
			rssi := r.RSSI
			if rssi == 0 {
				rssi = DefaultRSSI
			}
			dst := t.touchLocked(r.Destination, now, rssi)
			if r.Hops > 0 {
				dst.Hops = r.Hops
			}
			t.touchLocked(r.NextHop, now, rssi)
			t.linkLocked(SelfID, r.NextHop, rssi)
		}
	}
	for _, n := range ns.Neighbors {
		if n.DeviceID == "" {
			continue
		}
		rssi := n.RSSI
		if rssi == 0 {
			rssi = DefaultRSSI
		}
		t.touchLocked(n.DeviceID, now, rssi)
		t.linkLocked(SelfID, n.DeviceID, rssi)
	}
	snap := t.snapshotLocked(now)
	t.mu.Unlock()

	t.log.Debug("topology updated", "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	t.publish(snap)
}

func (t *Topology) touchLocked(id string, now time.Time, rssi int) *Node {
	n, ok := t.nodes[id]
	if !ok {
		n = &Node{ID: id}
		t.nodes[id] = n
	}
	n.LastSeen = now
	n.RSSI = rssi
	return n
}

func (t *Topology) linkLocked(from, to string, rssi int) {
	if from == to {
		return
	}
	t.edges[edgeKey{from, to}] = Edge{From: from, To: to, RSSI: rssi}
}

// Node returns a copy of the node with id.
func (t *Topology) Node(id string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	out := *n
	out.Stale = t.staleLocked(n, t.nowFn())
	return out, true
}

// Snapshot returns the current topology.
func (t *Topology) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.nowFn())
}

func (t *Topology) staleLocked(n *Node, now time.Time) bool {
	return !n.Own && now.Sub(n.LastSeen) > t.cfg.StaleAfter
}

func (t *Topology) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Nodes:            make([]Node, 0, len(t.nodes)),
		Edges:            make([]Edge, 0, len(t.edges)),
		ConnectedDevices: t.connected,
		UpdatedAt:        t.updatedAt,
	}
	for _, n := range t.nodes {
		c := *n
		c.Stale = t.staleLocked(n, now)
		s.Nodes = append(s.Nodes, c)
	}
	for _, e := range t.edges {
		s.Edges = append(s.Edges, e)
	}
	sort.Slice(s.Nodes, func(i, j int) bool {
		if s.Nodes[i].Own != s.Nodes[j].Own {
			return s.Nodes[i].Own
		}
		return s.Nodes[i].ID < s.Nodes[j].ID
	})
	sort.Slice(s.Edges, func(i, j int) bool {
		if s.Edges[i].From != s.Edges[j].From {
			return s.Edges[i].From < s.Edges[j].From
		}
		return s.Edges[i].To < s.Edges[j].To
	})
	return s
}

// CheckTimeouts removes nodes silent for longer than RemoveAfter, along
// with their edges.
func (t *Topology) CheckTimeouts() {
	t.mu.Lock()
	now := t.nowFn()
	var removed []string
	for id, n := range t.nodes {
		if n.Own || now.Sub(n.LastSeen) <= t.cfg.RemoveAfter {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		delete(t.nodes, id)
		for k := range t.edges {
			if k.from == id || k.to == id {
				delete(t.edges, k)
			}
		}
	}
	onRemoved := t.onRemoved
	var snap Snapshot
	if len(removed) > 0 {
		snap = t.snapshotLocked(now)
	}
	t.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	sort.Strings(removed)
	for _, id := range removed {
		t.log.Debug("node timed out", "node", id)
		if onRemoved != nil {
			onRemoved(id)
		}
	}
	t.publish(snap)
}

func (t *Topology) publish(s Snapshot) {
	if t.cfg.Visualizer != nil {
		t.cfg.Visualizer.UpdateTopology(s)
	}
}

// Start runs CheckTimeouts every CheckInterval. Blocks until the context
// is cancelled or Stop is called.
func (t *Topology) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckTimeouts()
		}
	}
}

// Stop stops the timeout loop.
func (t *Topology) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
