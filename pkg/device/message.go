package device

import (
	"encoding/json"
	"fmt"
	"time"
)

type TopicType string

const (
	TopicQuota    TopicType = "quota"
	TopicSetReply TopicType = "set_reply"
	TopicStatus   TopicType = "status"
)

// TopicSet is the suffix of the topic commands are published to. It is
// never subscribed to.
const TopicSet = "set"

func (t TopicType) Valid() bool {
	switch t {
	case TopicQuota, TopicSetReply, TopicStatus:
		return true
	}
	return false
}

// Topic builds /open/<account>/<serial>/<suffix>.
func Topic(account, serialNumber, suffix string) string {
	return fmt.Sprintf("/open/%s/%s/%s", account, serialNumber, suffix)
}

type Message struct {
	Topic        string
	SerialNumber string
	Type         TopicType
	Payload      []byte
	ReceivedAt   time.Time
}

func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s message: %w", m.Type, err)
	}
	return nil
}

// Status is the liveness frame a device sends on its status topic.
type Status struct {
	ID        json.Number `json:"id"`
	Version   string      `json:"version"`
	Timestamp int64       `json:"timestamp"`
	Params    struct {
		Status int `json:"status"`
	} `json:"params"`
}

func (s *Status) Online() bool {
	return s.Params.Status == 1
}

func DecodeStatus(msg Message) (*Status, error) {
	var status Status
	if err := msg.Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
