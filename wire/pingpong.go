package wire

// Ping carries a locally generated id; the remote answers with a Pong echoing
// it together with its receive/transmit timestamps so the sender can subtract
// remote processing time from the measured round trip.
type Ping struct {
	ID uint16
}

// Pong answers a Ping. Timestamps are the remote peer's clock in unix
// microseconds.
type Pong struct {
	PingID       uint16
	TimeReceived int64
	TimeSent     int64
}
