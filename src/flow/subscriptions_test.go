package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/meter-logger/src/transport/transporttest"
)

func connectedFake(t *testing.T) *transporttest.Fake {
	tr := transporttest.New()
	require.NoError(t, tr.Connect(context.Background()))
	return tr
}

func TestSubscribeOnlyOnce(t *testing.T) {
	subs := NewSubscriptions(connectedFake(t), 0, 0, time.Second)

	assert.True(t, subs.Subscribe("meters/a"))
	assert.False(t, subs.Subscribe("meters/a"))
	assert.Equal(t, StateOn, subs.State("meters/a"))

	assert.False(t, subs.Subscribe(""))
	assert.False(t, subs.Subscribe("meters/#"))
	assert.False(t, subs.Subscribe("meters/+/power"))
	assert.Equal(t, StateOff, subs.State("meters/#"))
}

func TestReconcileSubscribes(t *testing.T) {
	tr := connectedFake(t)
	subs := NewSubscriptions(tr, 1, 0, time.Second)
	subs.Subscribe("a")
	subs.Subscribe("b")

	subs.Reconcile(context.Background())
	assert.Equal(t, StateSuccess, subs.State("a"))
	assert.Equal(t, StateSuccess, subs.State("b"))
	assert.ElementsMatch(t, []string{"a", "b"}, tr.Subscribes())

	subs.Reconcile(context.Background())
	assert.Len(t, tr.Subscribes(), 2)
}

func TestReconcileWaitsForConnection(t *testing.T) {
	tr := transporttest.New()
	subs := NewSubscriptions(tr, 0, 0, time.Second)
	subs.Subscribe("a")

	subs.Reconcile(context.Background())
	assert.Equal(t, StateOn, subs.State("a"))
	assert.Empty(t, tr.Subscribes())
}

func TestReconcileGivesUpAfterMaxRetries(t *testing.T) {
	tr := connectedFake(t)
	tr.FailSubscribe("a", -1)
	subs := NewSubscriptions(tr, 0, DefaultMaxRetries, time.Second)
	subs.Subscribe("a")

	want := []State{2, 3, 4, 5}
	for _, st := range want {
		subs.Reconcile(context.Background())
		assert.Equal(t, st, subs.State("a"))
	}

	subs.Reconcile(context.Background())
	subs.Reconcile(context.Background())
	assert.Equal(t, State(DefaultMaxRetries), subs.State("a"))
	assert.Len(t, tr.Subscribes(), DefaultMaxRetries-1)
}

func TestReconcileRecoversAfterFailure(t *testing.T) {
	tr := connectedFake(t)
	tr.FailSubscribe("a", 2)
	subs := NewSubscriptions(tr, 0, 0, time.Second)
	subs.Subscribe("a")

	subs.Reconcile(context.Background())
	subs.Reconcile(context.Background())
	assert.Equal(t, State(3), subs.State("a"))

	subs.Reconcile(context.Background())
	assert.Equal(t, StateSuccess, subs.State("a"))
}

func TestDisconnectResetsActiveTopics(t *testing.T) {
	tr := connectedFake(t)
	tr.FailSubscribe("failed", -1)
	subs := NewSubscriptions(tr, 0, 2, time.Second)
	subs.Subscribe("ok")
	subs.Subscribe("failed")
	subs.Subscribe("off")
	subs.Unsubscribe(context.Background(), "off")

	subs.Reconcile(context.Background())
	require.Equal(t, StateSuccess, subs.State("ok"))
	require.Equal(t, State(2), subs.State("failed"))

	subs.HandleDisconnect()
	assert.Equal(t, StateOn, subs.State("ok"))
	assert.Equal(t, StateOn, subs.State("failed"))
	assert.Equal(t, StateOff, subs.State("off"))
}

type hookTransport struct {
	*transporttest.Fake
	onSubscribe func()
}

func (h *hookTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	h.onSubscribe()
	return h.Fake.Subscribe(ctx, topic, qos)
}

func TestDisconnectDuringSubscribeKeepsTopicOn(t *testing.T) {
	var subs *Subscriptions
	tr := &hookTransport{Fake: connectedFake(t)}
	tr.onSubscribe = func() { subs.HandleDisconnect() }
	subs = NewSubscriptions(tr, 0, 0, time.Second)
	subs.Subscribe("a")

	subs.Reconcile(context.Background())
	assert.Equal(t, StateOn, subs.State("a"))
}

// gatedTransport blocks every Subscribe until the test answers on the call's channel.
type gatedTransport struct {
	*transporttest.Fake
	calls chan chan error
}

func (g *gatedTransport) Subscribe(ctx context.Context, topic string, qos byte) error {
	reply := make(chan error)
	g.calls <- reply
	return <-reply
}

func TestStaleAttemptAfterReconnectIsIgnored(t *testing.T) {
	tr := &gatedTransport{Fake: connectedFake(t), calls: make(chan chan error)}
	subs := NewSubscriptions(tr, 0, 0, time.Second)
	subs.Subscribe("a")

	firstDone := make(chan struct{})
	go func() {
		subs.Reconcile(context.Background())
		close(firstDone)
	}()
	first := <-tr.calls

	subs.HandleDisconnect()
	require.Equal(t, StateOn, subs.State("a"))

	secondDone := make(chan struct{})
	go func() {
		subs.Reconcile(context.Background())
		close(secondDone)
	}()
	second := <-tr.calls

	first <- errors.New("connection lost")
	<-firstDone
	assert.Equal(t, StatePending, subs.State("a"))

	second <- nil
	<-secondDone
	assert.Equal(t, StateSuccess, subs.State("a"))
}

func TestStaleAttemptFromLastRetryDoesNotGiveUp(t *testing.T) {
	tr := connectedFake(t)
	tr.FailSubscribe("a", 3)
	subs := NewSubscriptions(tr, 0, 0, time.Second)
	subs.Subscribe("a")
	for range 3 {
		subs.Reconcile(context.Background())
	}
	require.Equal(t, State(4), subs.State("a"))

	gated := &gatedTransport{Fake: tr, calls: make(chan chan error)}
	subs.tr = gated

	firstDone := make(chan struct{})
	go func() {
		subs.Reconcile(context.Background())
		close(firstDone)
	}()
	first := <-gated.calls
	subs.HandleDisconnect()

	secondDone := make(chan struct{})
	go func() {
		subs.Reconcile(context.Background())
		close(secondDone)
	}()
	second := <-gated.calls

	first <- errors.New("connection lost")
	<-firstDone
	second <- nil
	<-secondDone
	assert.Equal(t, StateSuccess, subs.State("a"))
}

func TestInboundQueue(t *testing.T) {
	tr := connectedFake(t)
	subs := NewSubscriptions(tr, 0, 0, time.Second)

	assert.False(t, subs.HandleMessage("a", []byte("unknown")))

	subs.Subscribe("a")
	assert.False(t, subs.HandleMessage("a", nil))
	assert.False(t, subs.HandleMessage("a", []byte{}))
	assert.True(t, subs.HandleMessage("a", []byte("1")))
	assert.True(t, subs.HandleMessage("a", []byte("2")))

	got := subs.Receive(context.Background(), "a")
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, got)
	assert.Equal(t, StateSuccess, subs.State("a"))
	assert.Empty(t, subs.Receive(context.Background(), "a"))
	assert.Nil(t, subs.Receive(context.Background(), "other"))

	subs.HandleMessage("a", []byte("3"))
	subs.Unsubscribe(context.Background(), "a")
	assert.False(t, subs.HandleMessage("a", []byte("4")))
	assert.Empty(t, subs.Receive(context.Background(), "a"))
}

func TestUnsubscribe(t *testing.T) {
	tr := connectedFake(t)
	subs := NewSubscriptions(tr, 0, 0, time.Second)

	subs.Subscribe("never-sent")
	subs.Unsubscribe(context.Background(), "never-sent")
	assert.Empty(t, tr.Unsubscribes())

	subs.Subscribe("a")
	subs.Reconcile(context.Background())
	subs.Unsubscribe(context.Background(), "a")
	assert.Equal(t, []string{"a"}, tr.Unsubscribes())
	assert.Equal(t, StateOff, subs.State("a"))

	assert.True(t, subs.Subscribe("a"))

	subs.Unsubscribe(context.Background(), "unknown")
	assert.Len(t, tr.Unsubscribes(), 1)
}

func TestUnsubscribeKeepsSessionWithQoS(t *testing.T) {
	tr := connectedFake(t)
	subs := NewSubscriptions(tr, 1, 0, time.Second)
	subs.Subscribe("a")
	subs.Reconcile(context.Background())

	subs.Unsubscribe(context.Background(), "a")
	assert.Empty(t, tr.Unsubscribes())
	assert.Equal(t, StateOff, subs.State("a"))
}
