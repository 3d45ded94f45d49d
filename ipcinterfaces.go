package parinvoke

// Serializer converts between Go values and message bodies. Worker channels
// use msgpack; see MsgpackSerializer.
type Serializer interface {
	// Marshal encodes a Go value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes bytes into the value pointed to by v.
	Unmarshal(data []byte, v any) error
}

// Transport moves whole messages between a parent and one worker process.
// Framing is the transport's business; callers only see message bodies.
type Transport interface {
	// Send transmits one message.
	Send(data []byte) error

	// Receive blocks until a complete message arrives. It returns io.EOF
	// once the peer has closed its end.
	Receive() ([]byte, error)

	// Close releases both directions of the transport.
	Close() error
}
