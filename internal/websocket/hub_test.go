package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vineguard-gateway/internal/data"
)

type fakeConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	msgs   [][]byte
	closed int
}

func newFake(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) received() []data.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]data.Envelope, 0, len(f.msgs))
	for _, m := range f.msgs {
		var env data.Envelope
		if err := json.Unmarshal(m, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func owner(id int64) *int64 { return &id }

func TestRegistry_ConnectAndGroups(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := newFake("a")

	require.NoError(t, r.Connect(c, owner(42), []string{data.GroupAll, "location:x"}))
	assert.ErrorIs(t, r.Connect(c, nil, nil), ErrAlreadyConnected)

	assert.Equal(t, 1, r.Len())
	assert.ElementsMatch(t, []string{"user:42", data.GroupAll, "location:x"}, r.Groups(c))
	assert.True(t, r.HasOwner(42))
	assert.Len(t, r.GroupMembers("location:x"), 1)

	require.NoError(t, r.LeaveGroup(c, "location:x"))
	assert.False(t, r.HasGroup("location:x"), "empty group is dropped")
	assert.Equal(t, 2, r.GroupCount())
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := newFake("a")
	require.NoError(t, r.Connect(c, owner(7), []string{"g"}))

	assert.True(t, r.Disconnect(c))
	assert.False(t, r.Disconnect(c))

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.GroupCount())
	assert.False(t, r.HasOwner(7))
	assert.ErrorIs(t, r.JoinGroup(c, "g"), ErrNotConnected)
	assert.ErrorIs(t, r.LeaveGroup(c, "g"), ErrNotConnected)
}

func TestRegistry_ConcurrentJoinAndDisconnect(t *testing.T) {
	r := NewRegistry(nil, nil)
	conns := make([]*fakeConn, 50)
	for i := range conns {
		conns[i] = newFake(fmt.Sprintf("c%d", i))
		require.NoError(t, r.Connect(conns[i], owner(int64(i%5+1)), nil))
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(2)
		go func(i int, c *fakeConn) {
			defer wg.Done()
			for g := 0; g < 20; g++ {
				_ = r.JoinGroup(c, fmt.Sprintf("g%d", (i+g)%7))
			}
		}(i, c)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Disconnect(c)
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.GroupCount(), "no membership outlives its connection")
	for o := int64(1); o <= 5; o++ {
		assert.False(t, r.HasOwner(o))
	}
}

func TestRegistry_DisconnectRacingConnect(t *testing.T) {
	r := NewRegistry(nil, nil)
	groups := []string{"sensor:ph", "location:north", data.GroupAll}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		c := newFake(fmt.Sprintf("c%d", i))
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Connect(c, owner(int64(i%3+1)), groups))
		}(i)
		go func() {
			defer wg.Done()
			// Disconnect as soon as the connection becomes visible.
			for !r.Disconnect(c) {
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.GroupCount(), "a disconnect during connect leaves no group entries")
	for o := int64(1); o <= 3; o++ {
		assert.False(t, r.HasOwner(o))
		assert.Empty(t, r.OwnerConns(o))
	}
}

func TestBroadcast_FailingConnectionIsDropped(t *testing.T) {
	r := NewRegistry(nil, nil)
	b := NewBroadcaster(r, nil, nil)

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = newFake(fmt.Sprintf("c%d", i))
		require.NoError(t, r.Connect(conns[i], nil, []string{"g"}))
	}
	conns[2].fail = true

	env, err := b.Message(data.TypeSystem, map[string]string{"message": "hi"})
	require.NoError(t, err)
	n, err := b.BroadcastToGroup(env, "g")
	require.NoError(t, err)

	assert.Equal(t, 4, n)
	for i, c := range conns {
		if i == 2 {
			assert.Empty(t, c.received())
			assert.Equal(t, 1, c.closed)
			continue
		}
		require.Len(t, c.received(), 1)
		assert.Equal(t, data.TypeSystem, c.received()[0].Type)
	}
	assert.Equal(t, 4, r.Len())
	assert.Len(t, r.GroupMembers("g"), 4)

	n, err = b.BroadcastToAll(env)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPublishReading_OwnerIsolation(t *testing.T) {
	r := NewRegistry(nil, nil)
	b := NewBroadcaster(r, nil, nil)
	a, other := newFake("a"), newFake("b")
	require.NoError(t, r.Connect(a, owner(42), []string{data.GroupAll}))
	require.NoError(t, r.Connect(other, owner(7), []string{data.GroupAll}))

	n, err := b.PublishReading(data.Reading{OwnerID: 42, SensorID: "42_temperature_1", Type: data.Temperature, Value: 21})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, a.received(), 1)
	assert.Equal(t, data.TypeSensorData, a.received()[0].Type)
	assert.Empty(t, other.received())

	_, err = b.PublishAlert(data.Alert{OwnerID: 7, SensorID: "7_ph_1", SensorType: data.PH, Kind: data.AlertLow})
	require.NoError(t, err)
	require.Len(t, other.received(), 1)
	assert.Equal(t, data.TypeSensorAlert, other.received()[0].Type)
	assert.Len(t, a.received(), 1)
}

func TestPublishReading_UnownedGoesToGroupsOnce(t *testing.T) {
	r := NewRegistry(nil, nil)
	b := NewBroadcaster(r, nil, nil)
	both := newFake("both")
	loc := newFake("loc")
	none := newFake("none")
	require.NoError(t, r.Connect(both, nil, []string{data.GroupAll, data.TypeGroup(data.Humidity)}))
	require.NoError(t, r.Connect(loc, nil, []string{data.LocationGroup("north")}))
	require.NoError(t, r.Connect(none, nil, []string{"other"}))

	n, err := b.PublishReading(data.Reading{SensorID: "s", Type: data.Humidity, LocationID: "north"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, both.received(), 1)
	assert.Len(t, loc.received(), 1)
	assert.Empty(t, none.received())
}

func TestSendDirect(t *testing.T) {
	r := NewRegistry(nil, nil)
	b := NewBroadcaster(r, nil, nil)
	ok, bad := newFake("ok"), newFake("bad")
	bad.fail = true
	require.NoError(t, r.Connect(ok, nil, nil))
	require.NoError(t, r.Connect(bad, nil, nil))

	env, err := b.Message(data.TypePong, nil)
	require.NoError(t, err)
	require.NoError(t, b.SendDirect(env, ok))
	assert.Error(t, b.SendDirect(env, bad))
	assert.Equal(t, 1, r.Len())
}
