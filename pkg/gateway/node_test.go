package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var channel42 = types.Entity{Type: types.EntityChannel, ID: "42"}

type chanSink chan types.Envelope

func (s chanSink) Send(ctx context.Context, env types.Envelope) error {
	select {
	case s <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func expectEnvelope(t *testing.T, s chanSink) types.Envelope {
	t.Helper()
	select {
	case env := <-s:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return types.Envelope{}
	}
}

type cluster struct {
	bus   *bus.MemoryBus
	store *storage.BoltStore
	nodes []*Node
}

// newCluster starts n nodes sharing one in-process bus and one store
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), "presence")
	require.NoError(t, err)
	b := bus.NewMemoryBus()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		b.Close()
		store.Close()
	})

	c := &cluster{bus: b, store: store}
	for range n {
		node := New(Config{DefaultThreshold: 5 * time.Minute}, b, store, nil)
		c.nodes = append(c.nodes, node)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = node.Run(ctx)
		}()
	}
	require.Eventually(t, func() bool { return b.SubscriberCount() == n }, time.Second, 5*time.Millisecond)
	return c
}

func TestSendToUsersAcrossNodes(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	owner, sender := c.nodes[0], c.nodes[2]

	phone := make(chanSink, 4)
	laptop := make(chanSink, 4)
	_, err := owner.Attach("alice-phone", phone)
	require.NoError(t, err)
	_, err = c.nodes[1].Attach("alice-laptop", laptop)
	require.NoError(t, err)
	require.NoError(t, owner.Track(ctx, types.UserEntity("alice"), "alice-phone", "alice", types.ActionOpen))
	require.NoError(t, c.nodes[1].Track(ctx, types.UserEntity("alice"), "alice-laptop", "alice", types.ActionOpen))

	env, err := types.NewEnvelope("chat.message", map[string]string{"text": "hello"})
	require.NoError(t, err)

	report, err := sender.SendToUsers(ctx, []string{"alice", "carol"}, env)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"alice": {"alice-laptop", "alice-phone"}}, report.Routed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"carol"}, report.Unreachable)

	assert.Equal(t, "chat.message", expectEnvelope(t, phone).MessageType)
	assert.Equal(t, "chat.message", expectEnvelope(t, laptop).MessageType)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, phone, 0, "delivered exactly once")
	assert.Len(t, laptop, 0, "delivered exactly once")
}

func TestMembershipNotificationReachesWatchers(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	alice := make(chanSink, 4)
	_, err := c.nodes[0].Attach("a1", alice)
	require.NoError(t, err)
	require.NoError(t, c.nodes[0].Track(ctx, types.UserEntity("alice"), "a1", "alice", types.ActionOpen))
	require.NoError(t, c.nodes[0].Track(ctx, channel42, "a1", "alice", types.ActionOpen))

	env := expectEnvelope(t, alice)
	assert.Equal(t, "presence.membership", env.MessageType)
	assert.JSONEq(t, `{"entity_type":"channel","entity_id":"42","user_ids":["alice"]}`, string(env.Payload))

	// Bob joins through the other node; alice is told
	_, err = c.nodes[1].Attach("b1", make(chanSink, 4))
	require.NoError(t, err)
	require.NoError(t, c.nodes[1].Track(ctx, types.UserEntity("bob"), "b1", "bob", types.ActionOpen))
	require.NoError(t, c.nodes[1].Track(ctx, channel42, "b1", "bob", types.ActionOpen))

	env = expectEnvelope(t, alice)
	assert.JSONEq(t, `{"entity_type":"channel","entity_id":"42","user_ids":["alice","bob"]}`, string(env.Payload))

	users, err := c.nodes[1].PresentUsers(ctx, channel42, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestOutboundIsFIFO(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()

	sink := make(chanSink, 16)
	_, err := c.nodes[0].Attach("c1", sink)
	require.NoError(t, err)
	require.NoError(t, c.nodes[0].Track(ctx, types.UserEntity("u"), "c1", "u", types.ActionOpen))

	for _, mt := range []string{"m1", "m2", "m3", "m4"} {
		env, err := types.NewEnvelope(mt, nil)
		require.NoError(t, err)
		_, err = c.nodes[1].SendToUsers(ctx, []string{"u"}, env)
		require.NoError(t, err)
	}

	for _, want := range []string{"m1", "m2", "m3", "m4"} {
		assert.Equal(t, want, expectEnvelope(t, sink).MessageType)
	}
}

func TestReattachReplacesConnection(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	old := make(chanSink, 4)
	current := make(chanSink, 4)
	_, err := node.Attach("c1", old)
	require.NoError(t, err)
	_, err = node.Attach("c1", current)
	require.NoError(t, err)
	assert.Equal(t, 1, node.Len())

	require.NoError(t, node.Track(ctx, types.UserEntity("u"), "c1", "u", types.ActionOpen))
	env, err := types.NewEnvelope("after.reconnect", nil)
	require.NoError(t, err)
	_, err = node.SendToUsers(ctx, []string{"u"}, env)
	require.NoError(t, err)

	assert.Equal(t, "after.reconnect", expectEnvelope(t, current).MessageType)
	assert.Len(t, old, 0)
}

func TestDetachCleansUpPresence(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	_, err := node.Attach("c1", make(chanSink, 4))
	require.NoError(t, err)
	require.NoError(t, node.Track(ctx, channel42, "c1", "alice", types.ActionOpen))
	require.NoError(t, node.Track(ctx, types.UserEntity("alice"), "c1", "alice", types.ActionOpen))

	require.NoError(t, node.Detach(ctx, "c1"))
	assert.Equal(t, 0, node.Len())

	recs, err := c.store.ListByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, node.Detach(ctx, "c1"), "detach is idempotent")
}

func TestFailingSinkTearsDownConnection(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	broken := SinkFunc(func(context.Context, types.Envelope) error {
		return errors.New("socket closed")
	})
	_, err := node.Attach("c1", broken)
	require.NoError(t, err)
	require.NoError(t, node.Track(ctx, types.UserEntity("alice"), "c1", "alice", types.ActionOpen))

	env, err := types.NewEnvelope("x", nil)
	require.NoError(t, err)
	_, err = node.SendToUsers(ctx, []string{"alice"}, env)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		recs, err := c.store.ListByConnection(ctx, "c1")
		return err == nil && len(recs) == 0 && node.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTrack(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	require.NoError(t, node.Track(ctx, channel42, "c1", "alice", types.ActionOpen))
	require.NoError(t, node.Track(ctx, channel42, "c1", "", types.ActionPing))
	require.NoError(t, node.Track(ctx, channel42, "c1", "", types.ActionClose))

	assert.ErrorIs(t, node.Track(ctx, channel42, "c1", "", types.ActionPing), storage.ErrNotFound)
	assert.ErrorIs(t, node.Track(ctx, channel42, "c1", "", types.Action("join")), ErrUnknownAction)
}

func TestAttachRequiresID(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.nodes[0].Attach("", make(chanSink, 1))
	assert.Error(t, err)
}

func TestDrainAll(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := node.Attach(id, make(chanSink, 1))
		require.NoError(t, err)
		require.NoError(t, node.Track(ctx, channel42, id, "u-"+id, types.ActionOpen))
	}

	require.NoError(t, node.DrainAll(ctx))
	assert.Equal(t, 0, node.Len())

	recs, err := c.store.ListByEntity(ctx, channel42)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunReturnsErrBusClosed(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir(), "presence")
	require.NoError(t, err)
	defer store.Close()
	b := bus.NewMemoryBus()
	node := New(Config{NodeID: "n1"}, b, store, nil)

	done := make(chan error, 1)
	go func() { done <- node.Run(context.Background()) }()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBusClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus close")
	}

	assert.ErrorIs(t, node.Run(context.Background()), ErrBusClosed)
}

func TestRunStopsOnCancel(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir(), "presence")
	require.NoError(t, err)
	defer store.Close()
	b := bus.NewMemoryBus()
	defer b.Close()
	node := New(Config{}, b, store, nil)
	assert.NotEmpty(t, node.ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCancelHandleDetachesConnection(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	cancel, err := node.Attach("c1", make(chanSink, 4))
	require.NoError(t, err)
	require.NoError(t, node.Track(ctx, types.UserEntity("u1"), "c1", "u1", types.ActionOpen))
	require.NoError(t, node.Track(ctx, channel42, "c1", "u1", types.ActionOpen))

	cancel()

	assert.Eventually(t, func() bool {
		recs, err := c.store.ListByConnection(ctx, "c1")
		return err == nil && len(recs) == 0 && node.Len() == 0
	}, time.Second, 10*time.Millisecond)

	env, err := types.NewEnvelope("x", nil)
	require.NoError(t, err)
	report, err := node.SendToUsers(ctx, []string{"u1"}, env)
	require.NoError(t, err)
	assert.Empty(t, report.Routed)
	assert.Equal(t, []string{"u1"}, report.Unreachable)
}

func TestReplacedSenderLeavesNewConnection(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	_, err := node.Attach("c1", make(chanSink, 4))
	require.NoError(t, err)
	require.NoError(t, node.Track(ctx, types.UserEntity("u1"), "c1", "u1", types.ActionOpen))
	_, err = node.Attach("c1", make(chanSink, 4))
	require.NoError(t, err)

	// The replaced sender stops without releasing the new entry
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, node.Len())
	recs, err := c.store.ListByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDrainAllBoundedByContext(t *testing.T) {
	c := newCluster(t, 1)
	node := c.nodes[0]
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	stuck := SinkFunc(func(context.Context, types.Envelope) error {
		close(entered)
		<-release
		return nil
	})
	_, err := node.Attach("c1", stuck)
	require.NoError(t, err)
	require.NoError(t, node.Track(ctx, types.UserEntity("u1"), "c1", "u1", types.ActionOpen))

	env, err := types.NewEnvelope("x", nil)
	require.NoError(t, err)
	_, err = node.SendToUsers(ctx, []string{"u1"}, env)
	require.NoError(t, err)
	<-entered

	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = node.DrainAll(drainCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, node.Len())
}
