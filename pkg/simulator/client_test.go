package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoflow-go-sdk/pkg/config"
	"github.com/ecoflow-go-sdk/pkg/lifecycle"
	"github.com/ecoflow-go-sdk/pkg/mqtt"
)

type inbox struct {
	mutex    sync.Mutex
	messages map[string][][]byte
}

func newInbox() *inbox {
	return &inbox{messages: make(map[string][][]byte)}
}

func (b *inbox) handler(topic string, payload []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.messages[topic] = append(b.messages[topic], payload)
}

func (b *inbox) count(topic string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.messages[topic])
}

func (b *inbox) first(t *testing.T, topic string) map[string]interface{} {
	t.Helper()
	b.mutex.Lock()
	defer b.mutex.Unlock()
	require.NotEmpty(t, b.messages[topic])
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b.messages[topic][0], &out))
	return out
}

func lookupOf(devices ...*config.DeviceConfig) DeviceLookup {
	return func(sn string) (*config.DeviceConfig, bool) {
		for _, d := range devices {
			if d.SerialNumber == sn {
				return d, true
			}
		}
		return nil, false
	}
}

func simulatedDevice(model string) *config.DeviceConfig {
	return &config.DeviceConfig{
		Name:                    "Sim",
		SerialNumber:            "SIM1",
		Model:                   model,
		Simulate:                true,
		SimulateQuotaTimeoutMs:  10,
		SimulateStatusTimeoutMs: 15,
	}
}

func TestClientRequiresConnect(t *testing.T) {
	c := NewClient(nil)
	ctx := context.Background()

	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Subscribe(ctx, "/open/a/SIM1/quota", func(string, []byte) {}), mqtt.ErrNotConnected)
	assert.ErrorIs(t, c.Publish(ctx, "/open/a/SIM1/set", []byte(`{}`)), mqtt.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())

	c.Disconnect()
	c.Disconnect()
	assert.False(t, c.IsConnected())
}

func TestClientEmitsQuotaAndStatus(t *testing.T) {
	cfg := simulatedDevice(ModelDelta2)
	c := NewClient(lookupOf(cfg))
	box := newInbox()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	quotaTopic := "/open/acc/SIM1/quota"
	statusTopic := "/open/acc/SIM1/status"
	require.NoError(t, c.Subscribe(ctx, quotaTopic, box.handler))
	require.NoError(t, c.Subscribe(ctx, statusTopic, box.handler))

	assert.Eventually(t, func() bool {
		return box.count(quotaTopic) >= 2 && box.count(statusTopic) >= 1
	}, time.Second, 5*time.Millisecond)

	frame := box.first(t, quotaTopic)
	assert.Contains(t, []interface{}{"pdStatus", "invStatus"}, frame["typeCode"])
	assert.Equal(t, lifecycle.ProtocolVersion, frame["version"])

	status := box.first(t, statusTopic)
	assert.Equal(t, map[string]interface{}{"status": 1.0}, status["params"])

	require.NoError(t, c.Unsubscribe(ctx, quotaTopic))
	stopped := box.count(quotaTopic)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, box.count(quotaTopic))
}

func TestClientRepliesToSetCommands(t *testing.T) {
	tests := []struct {
		model    string
		rollback bool
	}{
		{ModelDelta2, false},
		{ModelPowerStream, false},
		{ModelSmartPlug, false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			cfg := simulatedDevice(tt.model)
			c := NewClient(lookupOf(cfg))
			box := newInbox()
			ctx := context.Background()

			require.NoError(t, c.Connect(ctx))
			defer c.Disconnect()

			replyTopic := "/open/acc/SIM1/set_reply"
			require.NoError(t, c.Subscribe(ctx, replyTopic, box.handler))

			cmd := []byte(`{"id":123,"version":"1.0","operateType":"acOutCfg","params":{"enabled":1}}`)
			require.NoError(t, c.Publish(ctx, "/open/acc/SIM1/set", cmd))

			assert.Eventually(t, func() bool { return box.count(replyTopic) == 1 }, time.Second, 5*time.Millisecond)

			reply := box.first(t, replyTopic)
			assert.Equal(t, 123.0, reply["id"])
			assert.Equal(t, "acOutCfg", reply["operateType"])
			data, ok := reply["data"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, 1.0, data["enabled"])
			assert.Equal(t, tt.rollback, lifecycle.RollbackRequired(data))
		})
	}
}

func TestClientIgnoresCommandsWithoutReplySubscriber(t *testing.T) {
	c := NewClient(lookupOf(simulatedDevice(ModelDelta2)))
	box := newInbox()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	require.NoError(t, c.Subscribe(ctx, "/open/acc/OTHER/set_reply", box.handler))
	require.NoError(t, c.Publish(ctx, "/open/acc/SIM1/set", []byte(`{"id":1}`)))
	require.NoError(t, c.Publish(ctx, "/open/acc/SIM1/quota", []byte(`{}`)))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, box.count("/open/acc/OTHER/set_reply"))
}

func TestCertificateStablePerAccount(t *testing.T) {
	a := &config.DeviceConfig{AccessKey: "ak", Location: config.LocationUS}
	b := &config.DeviceConfig{AccessKey: "ak", Location: config.LocationUS, SerialNumber: "other"}
	c := &config.DeviceConfig{AccessKey: "ak2"}

	assert.Equal(t, Certificate(a).CertificateAccount, Certificate(b).CertificateAccount)
	assert.NotEqual(t, Certificate(a).CertificateAccount, Certificate(c).CertificateAccount)
}

func TestSnapshotByModel(t *testing.T) {
	delta := Snapshot(&config.DeviceConfig{Model: ModelDelta2})
	_, ok := delta.Float("pd.soc")
	assert.True(t, ok)

	stream := Snapshot(&config.DeviceConfig{Model: "PowerStream"})
	_, ok = stream.Float("20_1.batSoc")
	assert.True(t, ok)

	plug := Snapshot(&config.DeviceConfig{Model: ModelSmartPlug})
	_, ok = plug.Float("2_1.watts")
	assert.True(t, ok)

	assert.Equal(t, ModelDelta2, ModelFor("unknown").Name())
}
