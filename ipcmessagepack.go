package parinvoke

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single message. Models never travel over channels
// (only their descriptors do), so anything larger is a corrupted stream.
const maxFrameSize = 256 << 20

type MsgpackSerializer struct{}

func (MsgpackSerializer) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackSerializer) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// FrameTransport writes each message as a 4-byte big-endian length followed by
// the body. Either end may be nil for one-way use.
type FrameTransport struct {
	reader io.ReadCloser
	writer io.WriteCloser

	rmu  sync.Mutex
	wmu  sync.Mutex
	pool *bufferPool
}

func NewFrameTransport(reader io.ReadCloser, writer io.WriteCloser) *FrameTransport {
	return &FrameTransport{
		reader: reader,
		writer: writer,
		pool:   newBufferPool(8192, 16),
	}
}

// Send writes one frame. Small frames go out in a single write so concurrent
// senders on a pipe never interleave partial frames.
func (ft *FrameTransport) Send(data []byte) error {
	if ft.writer == nil {
		return fmt.Errorf("parinvoke: transport has no write side")
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("parinvoke: frame of %d bytes exceeds limit", len(data))
	}

	ft.wmu.Lock()
	defer ft.wmu.Unlock()

	buf := ft.pool.get(4 + len(data))
	defer ft.pool.put(buf)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err := ft.writer.Write(buf)
	return err
}

func (ft *FrameTransport) Receive() ([]byte, error) {
	if ft.reader == nil {
		return nil, fmt.Errorf("parinvoke: transport has no read side")
	}

	ft.rmu.Lock()
	defer ft.rmu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(ft.reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("parinvoke: incoming frame of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(ft.reader, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

func (ft *FrameTransport) Close() error {
	var rerr, werr error
	if ft.reader != nil {
		rerr = ft.reader.Close()
	}
	if ft.writer != nil {
		werr = ft.writer.Close()
	}
	if rerr != nil {
		return rerr
	}
	return werr
}

// channel pairs a Transport with a Serializer to move typed messages.
type channel struct {
	serializer Serializer
	transport  Transport
}

func newChannel(reader io.ReadCloser, writer io.WriteCloser) *channel {
	return &channel{
		serializer: MsgpackSerializer{},
		transport:  NewFrameTransport(reader, writer),
	}
}

func (c *channel) send(v any) error {
	data, err := c.serializer.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.transport.Send(data)
}

func (c *channel) recv(v any) error {
	data, err := c.transport.Receive()
	if err != nil {
		return err
	}
	if err := c.serializer.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func (c *channel) close() error {
	return c.transport.Close()
}
