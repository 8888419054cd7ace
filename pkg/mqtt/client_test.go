package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoflow-go-sdk/internal/testbroker"
)

type received struct {
	mutex    sync.Mutex
	messages map[string][]byte
}

func (r *received) record(topic string, payload []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.messages == nil {
		r.messages = make(map[string][]byte)
	}
	r.messages[topic] = payload
}

func (r *received) get(topic string) ([]byte, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	payload, ok := r.messages[topic]
	return payload, ok
}

func connectedClient(t *testing.T, broker *testbroker.Broker) *PahoClient {
	t.Helper()
	client := NewPahoClient(Options{
		Broker:   broker.URL(),
		ClientID: "HOMEBRIDGE_TEST",
		Username: "open-test",
		Password: "secret",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(client.Disconnect)
	return client
}

func TestConnectRequiresBroker(t *testing.T) {
	client := NewPahoClient(Options{ClientID: "x"})
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, client.IsConnected())
}

func TestOperationsBeforeConnect(t *testing.T) {
	client := NewPahoClient(Options{Broker: "tcp://127.0.0.1:1"})
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "a", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.Subscribe(ctx, "a", func(string, []byte) {}), ErrNotConnected)
	assert.ErrorIs(t, client.Unsubscribe(ctx, "a"), ErrNotConnected)
	assert.NoError(t, client.Unsubscribe(ctx))

	client.Disconnect()
}

func TestDefaults(t *testing.T) {
	client := NewPahoClient(Options{})
	assert.Equal(t, 60*time.Second, client.opts.KeepAlive)
	assert.Equal(t, byte(1), client.opts.QoS)
}

func TestSubscribeReceivesBrokerMessages(t *testing.T) {
	broker := testbroker.Start(t)
	client := connectedClient(t, broker)
	assert.True(t, client.IsConnected())

	var got received
	topic := "/open/acct/SN1/quota"
	require.NoError(t, client.Subscribe(context.Background(), topic, got.record))

	require.NoError(t, broker.Publish(topic, []byte(`{"params":{"pd.soc":80}}`)))

	require.Eventually(t, func() bool {
		_, ok := got.get(topic)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	payload, _ := got.get(topic)
	assert.JSONEq(t, `{"params":{"pd.soc":80}}`, string(payload))
}

func TestPublishReachesBroker(t *testing.T) {
	broker := testbroker.Start(t)

	var got received
	require.NoError(t, broker.Subscribe("/open/+/+/set", got.record))

	client := connectedClient(t, broker)
	topic := "/open/acct/SN1/set"
	require.NoError(t, client.Publish(context.Background(), topic, []byte(`{"id":1}`)))

	require.Eventually(t, func() bool {
		_, ok := got.get(topic)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnsubscribeForgetsHandler(t *testing.T) {
	broker := testbroker.Start(t)
	client := connectedClient(t, broker)
	ctx := context.Background()

	require.NoError(t, client.Subscribe(ctx, "a", func(string, []byte) {}))
	require.NoError(t, client.Subscribe(ctx, "b", func(string, []byte) {}))
	require.NoError(t, client.Unsubscribe(ctx, "a"))

	client.mutex.RLock()
	defer client.mutex.RUnlock()
	assert.NotContains(t, client.handlers, "a")
	assert.Contains(t, client.handlers, "b")
}

func TestDisconnect(t *testing.T) {
	broker := testbroker.Start(t)
	client := connectedClient(t, broker)

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.Publish(context.Background(), "a", nil), ErrNotConnected)
}

func TestConnectHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewPahoClient(Options{Broker: "tcp://10.255.255.1:1883", ClientID: "x"})
	require.Error(t, client.Connect(ctx))
	assert.False(t, client.IsConnected())
}

func TestCancelledConnectLeavesNoSession(t *testing.T) {
	broker := testbroker.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewPahoClient(Options{Broker: broker.URL(), ClientID: "HOMEBRIDGE_CANCELLED"})
	require.Error(t, client.Connect(ctx))
	assert.False(t, client.IsConnected())

	gone := func() bool { return !broker.HasSession("HOMEBRIDGE_CANCELLED") }
	require.Eventually(t, gone, 2*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool { return !gone() }, 500*time.Millisecond, 20*time.Millisecond)

	connected := connectedClient(t, broker)
	assert.True(t, connected.IsConnected())
}

func TestPublishDuringReconnect(t *testing.T) {
	broker := testbroker.Start(t)
	client := connectedClient(t, broker)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = client.Publish(context.Background(), "/open/acct/SN1/set", []byte(`{}`))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	<-done
}
