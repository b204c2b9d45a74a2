// Package liability implements the joint-liability economy: the per-session
// voucher→vouchee graph, bonded vouching with effective-trust computation,
// and slashing with bounded cascade.
package liability

import (
	"sort"
	"sync"
)

// Edge is one bonded vouch from a voucher to a vouchee.
type Edge struct {
	VouchID      string  `json:"vouch_id"`
	VoucherDID   string  `json:"voucher_did"`
	VoucheeDID   string  `json:"vouchee_did"`
	BondedAmount float64 `json:"bonded_amount"`
}

// graph is an arena of edges indexed by participant id.
type graph struct {
	edges map[string]Edge     // vouch id -> edge
	out   map[string][]string // voucher -> vouch ids
	in    map[string][]string // vouchee -> vouch ids
}

func newGraph() *graph {
	return &graph{
		edges: make(map[string]Edge),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

func (g *graph) successors(agent string) []string {
	ids := g.out[agent]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id].VoucheeDID)
	}
	return out
}

// Matrix is the liability graph, keyed by session. It is safe for concurrent
// use; callers still serialise mutations per session.
type Matrix struct {
	mu     sync.RWMutex
	graphs map[string]*graph
}

// NewMatrix creates an empty liability matrix.
func NewMatrix() *Matrix {
	return &Matrix{graphs: make(map[string]*graph)}
}

// AddEdge inserts an edge. No validation happens here; see VouchingEngine.
func (m *Matrix) AddEdge(sessionID string, e Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		g = newGraph()
		m.graphs[sessionID] = g
	}
	g.edges[e.VouchID] = e
	g.out[e.VoucherDID] = append(g.out[e.VoucherDID], e.VouchID)
	g.in[e.VoucheeDID] = append(g.in[e.VoucheeDID], e.VouchID)
}

// RemoveEdge deletes an edge by vouch id and reports whether it existed.
func (m *Matrix) RemoveEdge(sessionID, vouchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return false
	}
	e, ok := g.edges[vouchID]
	if !ok {
		return false
	}
	delete(g.edges, vouchID)
	g.out[e.VoucherDID] = without(g.out[e.VoucherDID], vouchID)
	g.in[e.VoucheeDID] = without(g.in[e.VoucheeDID], vouchID)
	return true
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// EdgesFrom returns the edges where agent is the voucher.
func (m *Matrix) EdgesFrom(sessionID, agent string) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return nil
	}
	return collect(g, g.out[agent])
}

// EdgesTo returns the edges where agent is the vouchee.
func (m *Matrix) EdgesTo(sessionID, agent string) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return nil
	}
	return collect(g, g.in[agent])
}

func collect(g *graph, ids []string) []Edge {
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	return out
}

// HasEdge reports whether voucher currently vouches for vouchee.
func (m *Matrix) HasEdge(sessionID, voucher, vouchee string) bool {
	for _, e := range m.EdgesFrom(sessionID, voucher) {
		if e.VoucheeDID == vouchee {
			return true
		}
	}
	return false
}

// Exposure is the total amount bonded by voucher in the session.
func (m *Matrix) Exposure(sessionID, voucher string) float64 {
	total := 0.0
	for _, e := range m.EdgesFrom(sessionID, voucher) {
		total += e.BondedAmount
	}
	return total
}

// CascadePath lists the agents that transitively depend on agent's backing,
// breadth-first, up to maxDepth hops. The agent itself is not included.
func (m *Matrix) CascadePath(sessionID, agent string, maxDepth int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID]
	if !ok || maxDepth <= 0 {
		return nil
	}

	seen := map[string]bool{agent: true}
	frontier := []string{agent}
	var path []string
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, succ := range g.successors(node) {
				if seen[succ] {
					continue
				}
				seen[succ] = true
				path = append(path, succ)
				next = append(next, succ)
			}
		}
		frontier = next
	}
	return path
}

// HasCycle reports whether the session graph contains any directed cycle.
func (m *Matrix) HasCycle(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return false
	}

	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var visit func(node string) bool
	visit = func(node string) bool {
		visited[node] = true
		inProgress[node] = true
		for _, succ := range g.successors(node) {
			if inProgress[succ] {
				return true
			}
			if !visited[succ] && visit(succ) {
				return true
			}
		}
		inProgress[node] = false
		return false
	}

	nodes := make([]string, 0, len(g.out))
	for n := range g.out {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if !visited[n] && visit(n) {
			return true
		}
	}
	return false
}

// WouldCreateCycle reports whether adding from→to would close a cycle,
// i.e. whether from is already reachable from to.
func (m *Matrix) WouldCreateCycle(sessionID, from, to string) bool {
	if from == to {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return false
	}

	visited := make(map[string]bool)
	var reach func(node string) bool
	reach = func(node string) bool {
		if node == from {
			return true
		}
		visited[node] = true
		for _, succ := range g.successors(node) {
			if !visited[succ] && reach(succ) {
				return true
			}
		}
		return false
	}
	return reach(to)
}

// Snapshot returns a copy of every edge in the session, ordered by vouch id.
func (m *Matrix) Snapshot(sessionID string) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VouchID < out[j].VouchID })
	return out
}

// ClearSession drops the whole session graph and returns the edge count removed.
func (m *Matrix) ClearSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[sessionID]
	if !ok {
		return 0
	}
	delete(m.graphs, sessionID)
	return len(g.edges)
}
