package request

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcast/pkg/codec"
)

func await(t *testing.T, ch <-chan Result, within time.Duration) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatalf("request did not settle within %s", within)
		return Result{}
	}
}

func TestQuorumFastPath(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.ListRooms, 3, NewAccumulator(), time.Minute)
	require.NoError(t, err)

	assert.True(t, s.Merge("r1", NewAccumulator("A")))
	assert.True(t, s.Merge("r1", NewAccumulator("B")))
	assert.True(t, s.Merge("r1", NewAccumulator("A", "B", "C")))

	res := await(t, ch, time.Second)
	assert.Equal(t, ReasonQuorum, res.Reason)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, []string{"A", "B", "C"}, res.SortedIDs())
	assert.Zero(t, s.Len())

	assert.False(t, s.Merge("r1", NewAccumulator("D")))
}

func TestTimeoutResolvesWithPartial(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.ListSockets, 3, NewAccumulator(), 50*time.Millisecond)
	require.NoError(t, err)

	s.Merge("r1", NewAccumulator("A"))

	res := await(t, ch, time.Second)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, []string{"A"}, res.SortedIDs())

	_, ok := s.Kind("r1")
	assert.False(t, ok)
	assert.False(t, s.Merge("r1", NewAccumulator("late")))
}

func TestSeedIsKept(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.ListRooms, 1, NewAccumulator("local"), time.Minute)
	require.NoError(t, err)

	s.Merge("r1", NewAccumulator("remote"))
	res := await(t, ch, time.Second)
	assert.Equal(t, []string{"local", "remote"}, res.SortedIDs())
}

func TestZeroQuorumSettlesImmediately(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.ListRooms, 0, NewAccumulator("local"), time.Minute)
	require.NoError(t, err)

	res := await(t, ch, time.Second)
	assert.Equal(t, []string{"local"}, res.SortedIDs())
	assert.Zero(t, s.Len())
}

func TestFetchAppendsSockets(t *testing.T) {
	s := NewStore()
	seed := Accumulator{Sockets: []codec.SocketDetail{{ID: "local"}}}
	ch, err := s.Create("r1", codec.RemoteFetch, 2, seed, time.Minute)
	require.NoError(t, err)

	s.Merge("r1", Accumulator{Sockets: []codec.SocketDetail{{ID: "b1"}, {ID: "b2"}}})
	s.Merge("r1", Accumulator{})

	res := await(t, ch, time.Second)
	require.Len(t, res.Sockets, 3)
	assert.Equal(t, "local", res.Sockets[0].ID)
	assert.Equal(t, "b2", res.Sockets[2].ID)
}

func TestSettleBareOnFirstAck(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.RemoteDisconnect, 4, NewAccumulator(), time.Minute)
	require.NoError(t, err)

	kind, ok := s.Kind("r1")
	require.True(t, ok)
	assert.Equal(t, codec.RemoteDisconnect, kind)

	assert.True(t, s.SettleBare("r1"))
	res := await(t, ch, time.Second)
	assert.Equal(t, ReasonAck, res.Reason)
	assert.Equal(t, 1, res.Received)

	assert.False(t, s.SettleBare("r1"))
}

func TestBareTimeoutHasNoAck(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.RemoteJoin, 1, NewAccumulator(), 30*time.Millisecond)
	require.NoError(t, err)

	res := await(t, ch, time.Second)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Zero(t, res.Received)
}

func TestDuplicateID(t *testing.T) {
	s := NewStore()
	_, err := s.Create("r1", codec.ListRooms, 2, NewAccumulator(), time.Minute)
	require.NoError(t, err)
	_, err = s.Create("r1", codec.ListRooms, 2, NewAccumulator(), time.Minute)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDisposeDoesNotSettle(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.ListRooms, 2, NewAccumulator(), 20*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, s.Dispose("r1"))
	assert.False(t, s.Dispose("r1"))

	select {
	case <-ch:
		t.Fatal("disposed request settled")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCloseSettlesEverything(t *testing.T) {
	s := NewStore()
	a, err := s.Create("a", codec.ListRooms, 2, NewAccumulator("x"), time.Minute)
	require.NoError(t, err)
	b, err := s.Create("b", codec.RemoteJoin, 2, NewAccumulator(), time.Minute)
	require.NoError(t, err)

	s.Close()

	ra := await(t, a, time.Second)
	rb := await(t, b, time.Second)
	assert.Equal(t, ReasonClosed, ra.Reason)
	assert.Equal(t, []string{"x"}, ra.SortedIDs())
	assert.Equal(t, ReasonClosed, rb.Reason)
	assert.Zero(t, s.Len())
}

func TestTimerRacesLateMerges(t *testing.T) {
	s := NewStore()
	ch, err := s.Create("r1", codec.ListRooms, 1000, NewAccumulator(), 5*time.Millisecond)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Merge("r1", NewAccumulator("x"))
			}
		}()
	}
	wg.Wait()

	res := await(t, ch, time.Second)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.LessOrEqual(t, res.Received, 800)
	select {
	case <-ch:
		t.Fatal("settled twice")
	default:
	}
}
