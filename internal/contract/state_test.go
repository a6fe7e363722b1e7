package contract

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

func TestStateWatcher(t *testing.T) {
	w := NewStateWatcher(NewTableState())

	updated, unsubscribe := w.Subscribe()
	<-updated

	id := NewID()
	next := NewTableState()
	next.Contracts[id] = Entry{Region: region.Universe(), Contract: Contract{Replicas: NewServerSet("s1")}}

	w.Publish(NewTableState())
	w.Publish(next)

	<-updated
	select {
	case <-updated:
		t.Fatal("notifications should coalesce")
	default:
	}
	require.Contains(t, w.State().Contracts, id)

	unsubscribe()
	w.Publish(NewTableState())
	select {
	case <-updated:
		t.Fatal("unsubscribed channel should not be notified")
	default:
	}
}

func TestAckTable(t *testing.T) {
	b := branch.NewID()
	id1, id2 := NewID(), NewID()

	table := NewAckTable()
	table.For("s1").Ack(id1, PrimaryAck(b, nil))
	table.For("s2").Ack(id1, SecondaryAck())
	table.For("s2").Ack(id2, SecondaryAck())
	<-table.Updated()

	ack, ok := table.Get(id1, "s1")
	require.True(t, ok)
	require.Equal(t, PrimaryAck(b, nil), ack)
	require.Len(t, table.Snapshot(), 3)

	table.For("s2").Ack(id1, NothingAck())
	_, ok = table.Get(id1, "s2")
	require.False(t, ok)

	state := NewTableState()
	state.Contracts[id1] = Entry{Region: region.Universe()}
	table.Retain(state)

	require.Equal(t, []ReportedAck{
		{Contract: id1, Server: "s1", Ack: PrimaryAck(b, nil)},
	}, table.Snapshot())
}
