package delivery

import "time"

// Entry is one payload delivered to a stream consumer.
type Entry struct {
	StreamID   string
	ConnID     int
	Channel    string    // exchange channel the payload arrived on
	ReceivedAt time.Time // local time the frame was read from the socket
	Payload    []byte    // raw "data" object of the combined-stream frame
	Seq        uint64    // per-connection sequence, restarts at 1 after a reconnect
	Gap        bool      // first entry after a reconnect; frames may have been missed
}
