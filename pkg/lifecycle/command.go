// Package lifecycle correlates outbound set commands with the replies devices
// send on their set_reply topic, and rolls optimistic state back when a reply
// reports failure.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
)

const ProtocolVersion = "1.0"

// Command is a set command envelope. Fields carries the model specific body
// and is merged with id and version on the wire.
type Command struct {
	ID      int64
	Version string
	Fields  map[string]interface{}
}

func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.Fields)+2)
	for k, v := range c.Fields {
		out[k] = v
	}
	out["id"] = c.ID
	out["version"] = c.Version
	return json.Marshal(out)
}

// Reply is the set_reply envelope. ID is accepted as a number or a numeric
// string.
type Reply struct {
	ID      json.Number            `json:"id"`
	Version string                 `json:"version"`
	Data    map[string]interface{} `json:"data"`
}

func DecodeReply(payload []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal set reply: %w", err)
	}
	return &reply, nil
}

func (r *Reply) CommandID() (int64, bool) {
	id, err := strconv.ParseInt(r.ID.String(), 10, 64)
	return id, err == nil
}

// Failed reports whether the reply data asks for a rollback.
func (r *Reply) Failed() bool {
	return RollbackRequired(r.Data)
}

// RollbackRequired applies the reply policy: a reply is a failure when it
// carries none of ack, result and configOk, when ack is truthy, when result
// is anything but false, or when configOk is false.
func RollbackRequired(data map[string]interface{}) bool {
	ack, hasAck := data["ack"]
	result, hasResult := data["result"]
	configOk, hasConfigOk := data["configOk"]

	return (!hasAck && !hasResult && !hasConfigOk) ||
		(hasAck && truthy(ack)) ||
		(hasResult && result != false) ||
		(hasConfigOk && configOk == false)
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0 && !math.IsNaN(val)
	case json.Number:
		f, err := val.Float64()
		return err != nil || f != 0
	case string:
		return val != ""
	default:
		return true
	}
}

func randomID() int64 {
	return rand.Int64N(1_000_000_000)
}
