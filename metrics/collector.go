// Package metrics provides per-process counters for the dev server.
//
// The Collector accumulates counters for the lifetime of one server. It is a
// leaf package with no internal dependencies. Per-connection buffer counters
// are absorbed when a connection closes rather than recorded live.
package metrics

import (
	"maps"
	"sync"
)

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Connections
	ConnectionsOpened   int64
	ConnectionsClosed   int64
	ConnectionsTornDown int64

	// Frames
	FramesReceived int64
	FramesSent     int64
	ErrorResponses int64
	RequestsByType map[string]int64

	// Buffers (absorbed at connection close)
	BufferGrowths     int64
	BufferCompactions int64

	// Transform
	TransformSuccess int64
	TransformFailure int64
	ExternalModules  int64
	CacheHits        int64

	// Graph
	GraphBuilds   int64
	ModulesWalked int64

	// Invalidation
	InvalidationsMarked  int64
	InvalidationsDrained int64

	// Downstream
	NotifySuccess       int64
	NotifyFailure       int64
	JournalWriteSuccess int64
	JournalWriteFailure int64

	// Dimensions (informational, set at construction)
	ServerID         string
	Codec            string
	TransformBackend string
	JournalBackend   string
}

// Collector accumulates counters for one server.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	connectionsOpened    int64
	connectionsClosed    int64
	connectionsTornDown  int64
	framesReceived       int64
	framesSent           int64
	errorResponses       int64
	transformSuccess     int64
	transformFailure     int64
	externalModules      int64
	cacheHits            int64
	graphBuilds          int64
	invalidationsMarked  int64
	notifySuccess        int64
	notifyFailure        int64
	journalWriteSuccess  int64
	journalWriteFailure  int64
	requestsByType       map[string]int64
	bufferGrowths        int64
	bufferCompactions    int64
	modulesWalked        int64
	invalidationsDrained int64

	serverID         string
	codec            string
	transformBackend string
	journalBackend   string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(serverID, codec, transformBackend, journalBackend string) *Collector {
	return &Collector{
		requestsByType:   make(map[string]int64),
		serverID:         serverID,
		codec:            codec,
		transformBackend: transformBackend,
		journalBackend:   journalBackend,
	}
}

// --- Connections ---

// IncConnectionsOpened records an accepted RPC connection.
func (c *Collector) IncConnectionsOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsOpened++
	c.mu.Unlock()
}

// IncConnectionsClosed records a connection closed by its peer.
func (c *Collector) IncConnectionsClosed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsClosed++
	c.mu.Unlock()
}

// IncConnectionsTornDown records a connection dropped after a framing or buffer error.
func (c *Collector) IncConnectionsTornDown() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsTornDown++
	c.mu.Unlock()
}

// --- Frames ---

// IncFramesReceived records one inbound request frame.
func (c *Collector) IncFramesReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesReceived++
	c.mu.Unlock()
}

// IncFramesSent records one outbound response frame.
func (c *Collector) IncFramesSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesSent++
	c.mu.Unlock()
}

// IncErrorResponses records one error response.
func (c *Collector) IncErrorResponses() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.errorResponses++
	c.mu.Unlock()
}

// IncRequest records a dispatched request of the given type.
func (c *Collector) IncRequest(requestType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsByType[requestType]++
	c.mu.Unlock()
}

// AbsorbBufferStats adds one connection's receive buffer counters.
func (c *Collector) AbsorbBufferStats(growths, compactions int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bufferGrowths += int64(growths)
	c.bufferCompactions += int64(compactions)
	c.mu.Unlock()
}

// --- Transform ---

// IncTransformSuccess records a successful transform.
func (c *Collector) IncTransformSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transformSuccess++
	c.mu.Unlock()
}

// IncTransformFailure records a failed transform.
func (c *Collector) IncTransformFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transformFailure++
	c.mu.Unlock()
}

// IncExternalModules records a module served as an external stub.
func (c *Collector) IncExternalModules() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.externalModules++
	c.mu.Unlock()
}

// IncCacheHits records a transform served from the resolver cache.
func (c *Collector) IncCacheHits() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// --- Graph ---

// IncGraphBuilds records a completed graph build.
func (c *Collector) IncGraphBuilds() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.graphBuilds++
	c.mu.Unlock()
}

// AddModulesWalked records the number of entries a build produced.
func (c *Collector) AddModulesWalked(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.modulesWalked += int64(n)
	c.mu.Unlock()
}

// --- Invalidation ---

// IncInvalidationsMarked records one newly marked id.
func (c *Collector) IncInvalidationsMarked() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.invalidationsMarked++
	c.mu.Unlock()
}

// AddInvalidationsDrained records the size of one drain.
func (c *Collector) AddInvalidationsDrained(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.invalidationsDrained += int64(n)
	c.mu.Unlock()
}

// --- Downstream ---

// IncNotifySuccess records a delivered invalidation notice.
func (c *Collector) IncNotifySuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifySuccess++
	c.mu.Unlock()
}

// IncNotifyFailure records a failed invalidation notice.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notifyFailure++
	c.mu.Unlock()
}

// IncJournalWriteSuccess records a successful journal write.
func (c *Collector) IncJournalWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalWriteSuccess++
	c.mu.Unlock()
}

// IncJournalWriteFailure records a failed journal write.
func (c *Collector) IncJournalWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.journalWriteFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated after Snapshot returns.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ConnectionsOpened:    c.connectionsOpened,
		ConnectionsClosed:    c.connectionsClosed,
		ConnectionsTornDown:  c.connectionsTornDown,
		FramesReceived:       c.framesReceived,
		FramesSent:           c.framesSent,
		ErrorResponses:       c.errorResponses,
		TransformSuccess:     c.transformSuccess,
		TransformFailure:     c.transformFailure,
		ExternalModules:      c.externalModules,
		CacheHits:            c.cacheHits,
		GraphBuilds:          c.graphBuilds,
		InvalidationsMarked:  c.invalidationsMarked,
		NotifySuccess:        c.notifySuccess,
		NotifyFailure:        c.notifyFailure,
		JournalWriteSuccess:  c.journalWriteSuccess,
		JournalWriteFailure:  c.journalWriteFailure,
		RequestsByType:       maps.Clone(c.requestsByType),
		BufferGrowths:        c.bufferGrowths,
		BufferCompactions:    c.bufferCompactions,
		ModulesWalked:        c.modulesWalked,
		InvalidationsDrained: c.invalidationsDrained,

		ServerID:         c.serverID,
		Codec:            c.codec,
		TransformBackend: c.transformBackend,
		JournalBackend:   c.journalBackend,
	}
}
