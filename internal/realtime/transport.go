// Package realtime is the participant side of a chat room: it joins a room over
// a Transport, publishes chat envelopes on the data channel and turns inbound
// envelopes into messages for its subscribers.
package realtime

import "context"

// Packet is one data message delivered by the room, stamped with the identity
// of the participant that published it.
type Packet struct {
	Sender string
	Data   []byte
}

// Conn is a joined room.
type Conn interface {
	// Publish sends data reliably to every other participant in the room.
	Publish(ctx context.Context, data []byte) error
	// Receive blocks until the next packet arrives or the connection ends.
	Receive() (Packet, error)
	Close() error
}

// Transport joins rooms.
type Transport interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}
