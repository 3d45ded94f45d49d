package parinvoke

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Container layout:
//
//	[0:8)   magic "PIMODEL\x00"
//	[8:12)  format version
//	[12:16) reserved
//	[16:24) index offset
//	[24:32) index length
//	[64:..) buffers (64-byte aligned), header, msgpack index
const (
	containerMagic   = "PIMODEL\x00"
	containerVersion = uint32(1)
	containerPrefix  = 64
)

type containerIndex struct {
	Codec   Compression `msgpack:"codec"`
	Header  span        `msgpack:"header"`
	Buffers []span      `msgpack:"buffers"`
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) { return zstd.NewWriter(nil) })
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) { return zstd.NewReader(nil) })
)

// fileStore keeps a model in a container file.
type fileStore struct {
	path string
}

func createFileStore(dir string, header []byte, bufs [][]float64, codec Compression) (*fileStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "pi-"+uuid.NewString()+".bpk")
	if err := writeContainer(path, header, bufs, codec); err != nil {
		os.Remove(path)
		return nil, &PersistenceError{Method: MethodFile, Op: "write " + path, Err: err}
	}
	return &fileStore{path: path}, nil
}

func writeContainer(path string, header []byte, bufs [][]float64, codec Compression) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	var off int64
	write := func(p []byte) error {
		n, err := w.Write(p)
		off += int64(n)
		return err
	}
	pad := func() error {
		if gap := alignUp(off) - off; gap > 0 {
			return write(make([]byte, gap))
		}
		return nil
	}

	if err := write(make([]byte, containerPrefix)); err != nil {
		return err
	}

	var enc *zstd.Encoder
	switch codec {
	case CompressionNone:
	case CompressionZstd:
		if enc, err = zstdEncoder(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported compression %q", codec)
	}

	idx := containerIndex{Codec: codec, Buffers: make([]span, len(bufs))}
	for i, b := range bufs {
		data := float64Bytes(b)
		if enc != nil {
			data = enc.EncodeAll(data, nil)
		}
		idx.Buffers[i] = span{Offset: off, Length: int64(len(data)), Elems: int64(len(b))}
		if err := write(data); err != nil {
			return err
		}
		if err := pad(); err != nil {
			return err
		}
	}

	idx.Header = span{Offset: off, Length: int64(len(header))}
	if err := write(header); err != nil {
		return err
	}

	index, err := msgpack.Marshal(&idx)
	if err != nil {
		return err
	}
	indexOff := off
	if err := write(index); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	prefix := make([]byte, 32)
	copy(prefix, containerMagic)
	binary.LittleEndian.PutUint32(prefix[8:], containerVersion)
	binary.LittleEndian.PutUint64(prefix[16:], uint64(indexOff))
	binary.LittleEndian.PutUint64(prefix[24:], uint64(len(index)))
	if _, err := f.WriteAt(prefix, 0); err != nil {
		return err
	}
	return f.Close()
}

func (fs *fileStore) descriptor() Descriptor {
	return Descriptor{Method: MethodFile, Path: fs.path}
}

// load maps the container and copies the model out, so the result does not
// depend on the file once load returns.
func (fs *fileStore) load() ([]byte, [][]float64, error) {
	data, unmap, err := mapFile(fs.path)
	if err != nil {
		return nil, nil, &PersistenceError{Method: MethodFile, Op: "open " + fs.path, Err: err}
	}
	defer unmap()

	header, bufs, err := readContainer(data)
	if err != nil {
		return nil, nil, &PersistenceError{Method: MethodFile, Op: "read " + fs.path, Err: err}
	}
	return header, bufs, nil
}

func readContainer(data []byte) ([]byte, [][]float64, error) {
	if len(data) < containerPrefix || !bytes.Equal(data[:8], []byte(containerMagic)) {
		return nil, nil, errors.New("not a model container")
	}
	if v := binary.LittleEndian.Uint32(data[8:]); v != containerVersion {
		return nil, nil, fmt.Errorf("unsupported container version %d", v)
	}
	indexOff := int64(binary.LittleEndian.Uint64(data[16:]))
	indexLen := int64(binary.LittleEndian.Uint64(data[24:]))
	index, err := region(data, indexOff, indexLen)
	if err != nil {
		return nil, nil, err
	}

	var idx containerIndex
	if err := msgpack.Unmarshal(index, &idx); err != nil {
		return nil, nil, fmt.Errorf("decode index: %w", err)
	}

	hdr, err := region(data, idx.Header.Offset, idx.Header.Length)
	if err != nil {
		return nil, nil, err
	}
	header := bytes.Clone(hdr)

	var dec *zstd.Decoder
	if idx.Codec == CompressionZstd {
		if dec, err = zstdDecoder(); err != nil {
			return nil, nil, err
		}
	} else if idx.Codec != CompressionNone {
		return nil, nil, fmt.Errorf("unsupported compression %q", idx.Codec)
	}

	bufs := make([][]float64, len(idx.Buffers))
	for i, sp := range idx.Buffers {
		raw, err := region(data, sp.Offset, sp.Length)
		if err != nil {
			return nil, nil, err
		}
		out := make([]float64, sp.Elems)
		dst := float64Bytes(out)
		if dec == nil {
			if len(raw) != len(dst) {
				return nil, nil, fmt.Errorf("buffer %d: %d bytes for %d values", i, len(raw), sp.Elems)
			}
			copy(dst, raw)
		} else if len(dst) > 0 {
			got, err := dec.DecodeAll(raw, dst[:0])
			if err != nil {
				return nil, nil, fmt.Errorf("buffer %d: %w", i, err)
			}
			if len(got) != len(dst) {
				return nil, nil, fmt.Errorf("buffer %d: decoded %d bytes for %d values", i, len(got), sp.Elems)
			}
			if &got[0] != &dst[0] {
				copy(dst, got)
			}
		}
		bufs[i] = out
	}
	return header, bufs, nil
}

func region(data []byte, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, io.ErrUnexpectedEOF
	}
	return data[off : off+n], nil
}

func (fs *fileStore) release(owner bool) error {
	if !owner {
		return nil
	}
	if err := os.Remove(fs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistenceError{Method: MethodFile, Op: "remove " + fs.path, Err: err}
	}
	return nil
}
