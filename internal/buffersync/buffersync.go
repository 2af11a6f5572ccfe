// Package buffersync aggregates per-client buffer health. A single
// struggling client pauses the whole group: cohesion over throughput.
package buffersync

import "sync"

// Report is one connection's buffer state.
type Report struct {
	BufferProgress float64
	IsBuffering    bool
}

// Aggregate is the session-wide buffer signal derived from the currently
// reporting connections.
type Aggregate struct {
	AvgBufferProgress float64
	AnyBuffering      bool
	Reporting         int
}

// Coordinator keeps buffer reports keyed by session and connection.
// Reports are coordination scratch space, not session state; they are pruned
// when a connection goes away so they cannot skew the aggregate.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]map[string]Report // session id -> connection id -> report
}

// New returns an empty coordinator.
func New() *Coordinator {
	return &Coordinator{sessions: make(map[string]map[string]Report)}
}

// ReportBuffer stores a connection's buffer state and returns the updated
// session aggregate.
func (c *Coordinator) ReportBuffer(sessionID, connID string, progress float64, isBuffering bool) Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	reports, ok := c.sessions[sessionID]
	if !ok {
		reports = make(map[string]Report)
		c.sessions[sessionID] = reports
	}
	reports[connID] = Report{BufferProgress: progress, IsBuffering: isBuffering}
	return aggregate(reports)
}

// Aggregate returns the current session aggregate without recording anything.
func (c *Coordinator) Aggregate(sessionID string) Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return aggregate(c.sessions[sessionID])
}

// PruneConnection removes one connection's report from a session.
func (c *Coordinator) PruneConnection(sessionID, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reports, ok := c.sessions[sessionID]; ok {
		delete(reports, connID)
		if len(reports) == 0 {
			delete(c.sessions, sessionID)
		}
	}
}

// Drop removes all reports for a deleted session.
func (c *Coordinator) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func aggregate(reports map[string]Report) Aggregate {
	agg := Aggregate{Reporting: len(reports)}
	if len(reports) == 0 {
		return agg
	}
	var sum float64
	for _, r := range reports {
		sum += r.BufferProgress
		if r.IsBuffering {
			agg.AnyBuffering = true
		}
	}
	agg.AvgBufferProgress = sum / float64(len(reports))
	return agg
}
