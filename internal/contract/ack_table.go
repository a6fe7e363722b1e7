package contract

import (
	"bytes"
	"sort"
	"sync"
)

// AckTable collects the latest ack of every server for every contract.
type AckTable struct {
	mtx     sync.RWMutex
	acks    map[ID]map[ServerID]Ack
	updated chan struct{}
}

// NewAckTable returns an empty ack table.
func NewAckTable() *AckTable {
	return &AckTable{
		acks:    make(map[ID]map[ServerID]Ack),
		updated: make(chan struct{}, 1),
	}
}

// Record stores the ack, replacing the server's previous ack for the contract.
// Acks of kind AckNothing clear the server's entry.
func (t *AckTable) Record(id ID, server ServerID, ack Ack) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if ack.Kind == AckNothing {
		delete(t.acks[id], server)
		if len(t.acks[id]) == 0 {
			delete(t.acks, id)
		}
	} else {
		if t.acks[id] == nil {
			t.acks[id] = make(map[ServerID]Ack)
		}
		t.acks[id][server] = ack
	}

	select {
	case t.updated <- struct{}{}:
	default:
	}
}

// Get returns the server's latest ack for the contract.
func (t *AckTable) Get(id ID, server ServerID) (Ack, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	ack, ok := t.acks[id][server]
	return ack, ok
}

// Retain drops the acks of every contract the state no longer contains.
func (t *AckTable) Retain(state TableState) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for id := range t.acks {
		if _, ok := state.Contracts[id]; !ok {
			delete(t.acks, id)
		}
	}
}

// Snapshot returns every recorded ack ordered by contract and server.
func (t *AckTable) Snapshot() []ReportedAck {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var acks []ReportedAck
	for id, servers := range t.acks {
		for server, ack := range servers {
			acks = append(acks, ReportedAck{Contract: id, Server: server, Ack: ack})
		}
	}

	sort.Slice(acks, func(i, j int) bool {
		if c := bytes.Compare(acks[i].Contract[:], acks[j].Contract[:]); c != 0 {
			return c < 0
		}
		return acks[i].Server < acks[j].Server
	})

	return acks
}

// Updated returns a channel that is sent to when an ack is recorded. The
// channel is buffered so recording never blocks on a slow consumer.
func (t *AckTable) Updated() <-chan struct{} { return t.updated }

// For returns an acker recording the acks of the given server.
func (t *AckTable) For(server ServerID) ServerAcker {
	return ServerAcker{table: t, server: server}
}

// ServerAcker records acks on behalf of a single server.
type ServerAcker struct {
	table  *AckTable
	server ServerID
}

// Ack records the ack for the contract.
func (a ServerAcker) Ack(id ID, ack Ack) { a.table.Record(id, a.server, ack) }
