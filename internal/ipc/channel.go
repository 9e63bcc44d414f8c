// Package ipc implements the inter-process channel: a bidirectional
// message queue that transfers bytes and handles between processes,
// per spec.md §3/§4.6. Grounded on original_source/object/src/ipc/channel.rs's
// Channel/MessagePacket pair and the teacher's circbuf.Circbuf_t FIFO
// discipline (biscuit/src/circbuf).
package ipc

import (
	"sync"

	"github.com/nyxkernel/nyx/internal/errs"
	"github.com/nyxkernel/nyx/internal/handle"
	"github.com/nyxkernel/nyx/internal/kobject"
)

// Capability is a handle's payload detached from any particular
// process's handle table: the object it names plus the rights it
// carried at the moment write_channel took it out of the sender's
// table. read_channel re-inserts it into the receiver's table, which
// is what actually mints the new HandleId on that side — per spec.md
// §4.6, "handles transferred leave the sender's handle table at the
// time of the syscall and enter the receiver's at the time of the read".
type Capability struct {
	Object kobject.Object
	Rights handle.Rights
}

// MessagePacket is the unit exchanged over a channel: a byte payload
// plus a sequence of handles being transferred to the reader.
type MessagePacket struct {
	Bytes   []byte
	Handles []Capability
}

// endpoint is one side of a channel: its own inbound FIFO and a weak
// (possibly nil'd-out) reference to its peer.
type endpoint struct {
	mu     sync.Mutex
	fifo   []MessagePacket
	peer   *endpoint
	closed bool
}

// Endpoint is one side of a channel, referenced by a handle in some
// process's handle table. There is no separate "Channel" object at
// runtime — each endpoint is independently owned and referenced,
// mirroring the original's split into two owned endpoint handles.
type Endpoint struct {
	e *endpoint
}

func (Endpoint) Kind() kobject.Kind { return kobject.KindChannel }

// New creates a channel and returns its two paired endpoints.
func New() (*Endpoint, *Endpoint) {
	a := &endpoint{}
	b := &endpoint{}
	a.peer = b
	b.peer = a
	return &Endpoint{e: a}, &Endpoint{e: b}
}

// Write enqueues packet on the peer's FIFO. Fails with PeerClosed if
// the peer endpoint has already been torn down.
func (ep *Endpoint) Write(packet MessagePacket) error {
	ep.e.mu.Lock()
	peer := ep.e.peer
	ep.e.mu.Unlock()
	if peer == nil {
		return errs.New(errs.PeerClosed)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return errs.New(errs.PeerClosed)
	}
	peer.fifo = append(peer.fifo, packet)
	return nil
}

// Read pops the head of the local FIFO. An empty FIFO with a live peer
// returns ShouldWait; an empty FIFO whose peer has closed returns
// PeerClosed, matching spec.md §4.6's read() contract exactly.
func (ep *Endpoint) Read() (MessagePacket, error) {
	ep.e.mu.Lock()
	defer ep.e.mu.Unlock()
	if len(ep.e.fifo) > 0 {
		pkt := ep.e.fifo[0]
		ep.e.fifo = ep.e.fifo[1:]
		return pkt, nil
	}
	if ep.e.peer == nil || ep.e.peer.isClosed() {
		return MessagePacket{}, errs.New(errs.PeerClosed)
	}
	return MessagePacket{}, errs.New(errs.ShouldWait)
}

// PeekHead reports the head packet's sizes without removing it, so a
// caller (the read_channel syscall handler) can reject an undersized
// destination buffer with TooBig before anything is consumed, per
// spec.md §6's ReadBuf contract.
func (ep *Endpoint) PeekHead() (dataLen, handleLen int, err error) {
	ep.e.mu.Lock()
	defer ep.e.mu.Unlock()
	if len(ep.e.fifo) > 0 {
		pkt := ep.e.fifo[0]
		return len(pkt.Bytes), len(pkt.Handles), nil
	}
	if ep.e.peer == nil || ep.e.peer.isClosed() {
		return 0, 0, errs.New(errs.PeerClosed)
	}
	return 0, 0, errs.New(errs.ShouldWait)
}

// Pop removes and returns the head packet; callers that already sized
// their buffers via PeekHead use this instead of Read to avoid a
// second ShouldWait/PeerClosed race between the two calls mattering
// (the handler holds no lock between Peek and Pop, but a shrinking
// FIFO only ever produces a fresh ShouldWait/PeerClosed, never a torn
// read, so the race is benign).
func (ep *Endpoint) Pop() (MessagePacket, error) {
	return ep.Read()
}

func (e *endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close tears down this endpoint: the peer observes PeerClosed once
// its own FIFO drains, per spec.md §3's "peer-closure is observable
// once the peer's strong count reaches zero" invariant.
func (ep *Endpoint) Close() {
	ep.e.mu.Lock()
	ep.e.closed = true
	peer := ep.e.peer
	ep.e.peer = nil
	ep.e.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.peer = nil
		peer.mu.Unlock()
	}
}

// PeerClosed reports whether this endpoint's peer has been closed.
func (ep *Endpoint) PeerClosed() bool {
	ep.e.mu.Lock()
	peer := ep.e.peer
	ep.e.mu.Unlock()
	return peer == nil || peer.isClosed()
}
