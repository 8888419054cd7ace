package simulator

import (
	"math/rand/v2"
	"strings"

	"github.com/ecoflow-go-sdk/pkg/quota"
)

// Model fabricates the traffic of one device family.
type Model interface {
	Name() string
	// Quota returns the body of one quota frame, without id/version/timestamp.
	Quota() map[string]interface{}
	// Snapshot returns what a get-all-quotas call would have returned.
	Snapshot() quota.Tree
	// ReplyData returns the data object of the reply to command.
	ReplyData(command map[string]interface{}) map[string]interface{}
}

const (
	ModelDelta2      = "delta2"
	ModelPowerStream = "powerstream"
	ModelSmartPlug   = "smartplug"
)

// ModelFor falls back to delta2 for unknown or empty names.
func ModelFor(name string) Model {
	switch strings.ToLower(name) {
	case ModelPowerStream:
		return powerStream{}
	case ModelSmartPlug:
		return smartPlug{}
	default:
		return delta2{}
	}
}

type delta2 struct{}

func (delta2) Name() string { return ModelDelta2 }

func (delta2) Quota() map[string]interface{} {
	if rand.IntN(2) == 0 {
		return map[string]interface{}{
			"typeCode": "pdStatus",
			"params": map[string]interface{}{
				"soc":         between(20, 100),
				"wattsOutSum": between(0, 800),
				"wattsInSum":  between(0, 500),
			},
		}
	}
	return map[string]interface{}{
		"typeCode": "invStatus",
		"params": map[string]interface{}{
			"cfgAcEnabled": rand.IntN(2),
			"outputWatts":  between(0, 800),
			"inputWatts":   between(0, 500),
		},
	}
}

func (delta2) Snapshot() quota.Tree {
	return quota.Tree{
		"pd": quota.Tree{
			"soc":         between(20, 100),
			"wattsOutSum": between(0, 800),
			"wattsInSum":  between(0, 500),
		},
		"inv": quota.Tree{
			"cfgAcEnabled": 1,
			"outputWatts":  between(0, 800),
			"inputWatts":   between(0, 500),
		},
	}
}

func (delta2) ReplyData(command map[string]interface{}) map[string]interface{} {
	data := echoParams(command, "params")
	data["ack"] = 0
	return data
}

type powerStream struct{}

func (powerStream) Name() string { return ModelPowerStream }

func (powerStream) Quota() map[string]interface{} {
	return map[string]interface{}{
		"cmdId":   1,
		"cmdFunc": 20,
		"param": map[string]interface{}{
			"batSoc":         between(10, 100),
			"invOutputWatts": between(0, 8000),
			"pv1InputWatts":  between(0, 4000),
			"pv2InputWatts":  between(0, 4000),
		},
	}
}

func (powerStream) Snapshot() quota.Tree {
	return quota.Tree{
		"20_1": quota.Tree{
			"batSoc":         between(10, 100),
			"invOutputWatts": between(0, 8000),
			"permanentWatts": 1000,
		},
	}
}

func (powerStream) ReplyData(command map[string]interface{}) map[string]interface{} {
	data := echoParams(command, "params")
	data["configOk"] = true
	return data
}

type smartPlug struct{}

func (smartPlug) Name() string { return ModelSmartPlug }

func (smartPlug) Quota() map[string]interface{} {
	return map[string]interface{}{
		"cmdId":   1,
		"cmdFunc": 2,
		"param": map[string]interface{}{
			"switchSta": rand.IntN(2) == 1,
			"watts":     between(0, 2500),
			"temp":      between(20, 40),
		},
	}
}

func (smartPlug) Snapshot() quota.Tree {
	return quota.Tree{
		"2_1": quota.Tree{
			"switchSta": true,
			"watts":     between(0, 2500),
		},
	}
}

func (smartPlug) ReplyData(command map[string]interface{}) map[string]interface{} {
	data := echoParams(command, "params")
	data["result"] = false
	return data
}

func echoParams(command map[string]interface{}, key string) map[string]interface{} {
	data := make(map[string]interface{})
	if params, ok := command[key].(map[string]interface{}); ok {
		for k, v := range params {
			data[k] = v
		}
	}
	return data
}

func between(lo, hi int) int {
	return lo + rand.IntN(hi-lo+1)
}
