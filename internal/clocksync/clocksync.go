// Package clocksync estimates the clock offset between a client connection
// and the server from repeated request/response round trips, the same four
// timestamps NTP uses. Offsets are refined continuously and weighted toward
// round trips with small observed delay, since delay asymmetry is the
// dominant error source.
package clocksync

import (
	"sync"
	"time"
)

const sampleWindow = 8

type sample struct {
	offset time.Duration
	delay  time.Duration
}

// Estimator tracks clock offsets for every live connection.
type Estimator struct {
	mu    sync.RWMutex
	conns map[string]*connSamples
}

type connSamples struct {
	samples []sample
	next    int
	full    bool
}

// NewEstimator returns an empty estimator.
func NewEstimator() *Estimator {
	return &Estimator{conns: make(map[string]*connSamples)}
}

// AddRoundTrip records one completed exchange for a connection.
// clientSend/clientReceive are the client's local timestamps,
// serverReceive/serverSend the server's. The derived offset converts client
// local time to server time: serverTime ~= clientTime + offset.
func (e *Estimator) AddRoundTrip(connID string, clientSend, serverReceive, serverSend, clientReceive time.Time) {
	delay := clientReceive.Sub(clientSend) - serverSend.Sub(serverReceive)
	if delay < 0 {
		// Inconsistent timestamps; the sample carries no information.
		return
	}
	offset := (serverReceive.Sub(clientSend) + serverSend.Sub(clientReceive)) / 2

	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.conns[connID]
	if !ok {
		cs = &connSamples{samples: make([]sample, sampleWindow)}
		e.conns[connID] = cs
	}
	cs.samples[cs.next] = sample{offset: offset, delay: delay}
	cs.next = (cs.next + 1) % sampleWindow
	if cs.next == 0 {
		cs.full = true
	}
}

// Offset returns the current offset estimate for a connection. With no
// samples yet it degrades to zero rather than failing.
func (e *Estimator) Offset(connID string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.conns[connID]
	if !ok {
		return 0
	}

	n := cs.next
	if cs.full {
		n = sampleWindow
	}
	if n == 0 {
		return 0
	}

	// Inverse-delay weighted mean over the window. A floor on the delay keeps
	// an unrealistically fast round trip from dominating everything else.
	const floor = time.Millisecond
	var weighted float64
	var total float64
	for i := 0; i < n; i++ {
		s := cs.samples[i]
		d := s.delay
		if d < floor {
			d = floor
		}
		w := 1.0 / float64(d)
		weighted += w * float64(s.offset)
		total += w
	}
	return time.Duration(weighted / total)
}

// Delay returns the smallest round-trip delay observed for a connection, or
// zero with no samples.
func (e *Estimator) Delay(connID string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.conns[connID]
	if !ok {
		return 0
	}
	n := cs.next
	if cs.full {
		n = sampleWindow
	}
	var best time.Duration = -1
	for i := 0; i < n; i++ {
		if best < 0 || cs.samples[i].delay < best {
			best = cs.samples[i].delay
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// ToServerTime translates a client-local timestamp to server time using the
// connection's current offset estimate.
func (e *Estimator) ToServerTime(connID string, local time.Time) time.Time {
	return local.Add(e.Offset(connID))
}

// Forget drops all samples for a connection. Called on disconnect.
func (e *Estimator) Forget(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connID)
}
