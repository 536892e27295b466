/*
Package bus provides the single shared broadcast topic that connects every
Relay gateway process.

The bus does no addressing. A message published by any process reaches every
subscribed process, and each process decides locally whether it holds the
target connection. This trades O(nodes) fan-out for zero coordination: there
is no directory of which node owns which connection.

# Backends

NATSBus publishes on one core NATS subject. Every process subscribes without a
queue group, so each sees every message. Reconnection is unbounded; when the
client finally closes, the subscription channel closes and the gateway's
subscriber loop exits so the process can be restarted.

MemoryBus is the in-process backend, adapted from a buffered broker: a publish
queue feeds one distribution goroutine that copies each message into every
subscriber's buffered channel. A full subscriber buffer drops the message for
that subscriber only. Several gateway nodes sharing one MemoryBus behave like
a fleet sharing one NATS subject, which is how the routing tests simulate N
nodes.

# Usage

	b, err := bus.NewNATSBus(bus.NATSConfig{
		URL:     "nats://localhost:4222",
		Subject: "relay.envelopes",
	})
	if err != nil {
		return err
	}
	defer b.Close()

	msgs, err := b.Subscribe(ctx)
	for data := range msgs {
		// decode and deliver
	}
	if ctx.Err() == nil {
		// transport lost for good
	}

Publish failures are wrapped with ErrPublish and are always best-effort for the
caller.
*/
package bus
