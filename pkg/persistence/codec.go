// Package persistence owns the on-disk state of the pipeline: the framed
// binary graph snapshot plus the JSON side files for candidates, rules,
// miner state and synapses.
package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/habitushome/habitus/pkg/core"
	"github.com/habitushome/habitus/pkg/graph"
)

// Binary format constants.
const (
	MagicBytes    = "HABG" // habitus graph snapshot
	FormatVersion = 1
)

// Header frames every snapshot file.
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	DataLen  uint64
	Checksum uint32
}

const FlagCompressed uint16 = 1 << 0

// GraphSnapshot is the persisted form of the whole graph.
type GraphSnapshot struct {
	SavedAtMS int64        `msgpack:"saved_at_ms"`
	Nodes     []graph.Node `msgpack:"nodes"`
	Edges     []graph.Edge `msgpack:"edges"`
}

// Codec encodes graph snapshots into the framed binary format.
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a codec; compression trades a little CPU for smaller
// snapshot files.
func NewCodec(compress bool) *Codec {
	return &Codec{compress: compress, compLevel: gzip.BestSpeed}
}

// Encode serializes a snapshot: msgpack payload, optional gzip, framed by
// the magic/version/checksum header.
func (c *Codec) Encode(snap *GraphSnapshot) ([]byte, error) {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "encoding graph snapshot", err)
	}

	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, core.WrapError(core.CodeStorageFailure, "compressing graph snapshot", err)
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		DataLen:  uint64(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "writing snapshot header", err)
	}
	if _, err := buf.Write(data); err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "writing snapshot payload", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Corruption surfaces as StorageFailure; callers
// treat it as fatal for the snapshot file.
func (c *Codec) Decode(raw []byte) (*GraphSnapshot, error) {
	if len(raw) < binary.Size(Header{}) {
		return nil, core.NewError(core.CodeStorageFailure, "snapshot file truncated")
	}

	buf := bytes.NewReader(raw)
	var header Header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "reading snapshot header", err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, core.NewError(core.CodeStorageFailure, "invalid snapshot magic")
	}
	if header.Version > FormatVersion {
		return nil, core.NewErrorf(core.CodeStorageFailure, "unsupported snapshot version %d", header.Version)
	}

	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(buf, data); err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "reading snapshot payload", err)
	}
	if crc32.ChecksumIEEE(data) != header.Checksum {
		return nil, core.NewError(core.CodeStorageFailure, "snapshot checksum mismatch")
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return nil, core.WrapError(core.CodeStorageFailure, "decompressing snapshot", err)
		}
		data = decompressed
	}

	var snap GraphSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, core.WrapError(core.CodeStorageFailure, "decoding snapshot payload", err)
	}
	return &snap, nil
}

func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
