package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "/open/open-abc/SN1/quota", Topic("open-abc", "SN1", string(TopicQuota)))
	assert.Equal(t, "/open/open-abc/SN1/set", Topic("open-abc", "SN1", TopicSet))
}

func TestRouterDispatchesInRegistrationOrder(t *testing.T) {
	r := NewRouter("SN1", "Delta")
	var got []string

	r.Subscribe(TopicQuota, func(msg Message) { got = append(got, "first:"+string(msg.Payload)) })
	r.Subscribe(TopicQuota, func(msg Message) { got = append(got, "second:"+string(msg.Payload)) })
	r.Subscribe(TopicStatus, func(msg Message) { got = append(got, "status") })

	r.Process(TopicQuota, Message{Type: TopicQuota, Payload: []byte("a")})
	r.Process(TopicQuota, Message{Type: TopicQuota, Payload: []byte("b")})

	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, got)
}

func TestRouterChannelsAreIndependent(t *testing.T) {
	r := NewRouter("SN1", "Delta")
	counts := map[TopicType]int{}
	for _, tt := range []TopicType{TopicQuota, TopicSetReply, TopicStatus} {
		tt := tt
		r.Subscribe(tt, func(Message) { counts[tt]++ })
	}

	r.Process(TopicSetReply, Message{})
	r.Process(TopicSetReply, Message{})
	r.Process(TopicStatus, Message{})

	assert.Equal(t, 0, counts[TopicQuota])
	assert.Equal(t, 2, counts[TopicSetReply])
	assert.Equal(t, 1, counts[TopicStatus])
}

func TestRouterUnsupportedTopicType(t *testing.T) {
	r := NewRouter("SN1", "Delta")

	assert.Nil(t, r.Subscribe(TopicType("set"), func(Message) {}))
	assert.Nil(t, r.Subscribe(TopicQuota, nil))
	assert.NotPanics(t, func() { r.Process(TopicType("unknown"), Message{}) })
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	r := NewRouter("SN1", "Delta")
	calls := 0
	sub := r.Subscribe(TopicQuota, func(Message) { calls++ })
	other := r.Subscribe(TopicQuota, func(Message) {})
	require.NotNil(t, sub)
	require.Equal(t, 2, r.Subscribers(TopicQuota))

	sub.Unsubscribe()
	sub.Unsubscribe()
	r.Process(TopicQuota, Message{})

	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, r.Subscribers(TopicQuota))

	other.Unsubscribe()
	assert.Equal(t, 0, r.Subscribers(TopicQuota))

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Unsubscribe)
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	r := NewRouter("SN1", "Delta")
	delivered := false
	r.Subscribe(TopicQuota, func(Message) { panic("boom") })
	r.Subscribe(TopicQuota, func(Message) { delivered = true })

	assert.NotPanics(t, func() { r.Process(TopicQuota, Message{}) })
	assert.True(t, delivered)
}

func TestDecodeStatus(t *testing.T) {
	msg := Message{
		Type:    TopicStatus,
		Payload: []byte(`{"id":"1700000000123","version":"1.0","timestamp":1700000000123,"params":{"status":1}}`),
	}

	status, err := DecodeStatus(msg)
	require.NoError(t, err)
	assert.True(t, status.Online())
	assert.Equal(t, "1.0", status.Version)

	status, err = DecodeStatus(Message{Payload: []byte(`{"params":{"status":0}}`)})
	require.NoError(t, err)
	assert.False(t, status.Online())

	_, err = DecodeStatus(Message{Type: TopicStatus, Payload: []byte(`{`)})
	assert.Error(t, err)
}
