// Package testbroker runs an in-process MQTT broker for integration tests.
package testbroker

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

type Broker struct {
	Server *mochi.Server
	Host   string
	Port   string

	subscriptionID int32
}

// Start serves a broker accepting any client on a free loopback port and
// closes it when the test ends.
func Start(t testing.TB) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	address := ln.Addr().String()
	_ = ln.Close()

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		t.Fatalf("failed to split address %s: %v", address, err)
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
	})
	server.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("failed to add auth hook: %v", err)
	}
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "test",
		Address: address,
	})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("failed to add listener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("failed to serve: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	return &Broker{Server: server, Host: host, Port: port}
}

func (b *Broker) URL() string {
	return "tcp://" + net.JoinHostPort(b.Host, b.Port)
}

func (b *Broker) Publish(topic string, payload []byte) error {
	return b.Server.Publish(topic, payload, false, 0)
}

// Subscribe forwards every message matching filter to fn.
func (b *Broker) Subscribe(filter string, fn func(topic string, payload []byte)) error {
	id := int(atomic.AddInt32(&b.subscriptionID, 1))
	return b.Server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
}

// HasSession reports whether a client with clientID is connected.
func (b *Broker) HasSession(clientID string) bool {
	cl, ok := b.Server.Clients.Get(clientID)
	return ok && !cl.Closed()
}
