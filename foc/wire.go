// Package foc implements the FailOverCache client and server and the
// wire protocol between them: length-prefixed, little-endian frames
// of `op | payload_len:u32 | payload | crc32`.
package foc

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/openvstorage/volumedriver/cluster"
)

type Opcode uint8

const (
	OpRegister   Opcode = 0x01
	OpUnregister Opcode = 0x02
	OpAddEntries Opcode = 0x03
	OpGetEntries Opcode = 0x04
	OpFlush      Opcode = 0x05
	OpClear      Opcode = 0x06
	OpGetSCORange Opcode = 0x07
	OpRemoveUpTo Opcode = 0x08
	OpGetSCO     Opcode = 0x09

	ReplyOk  Opcode = 0x00
	ReplyErr Opcode = 0xFF
)

// ErrCode is the numeric error code carried in an Err reply.
type ErrCode uint16

const (
	ErrCodeNone ErrCode = iota
	ErrCodeBadRequest
	ErrCodeNotRegistered
	ErrCodeFenced
	ErrCodeInternal
)

// Frame is one wire message: an opcode, its payload, and a trailing
// CRC32 over (op || payload_len || payload) guarding the frame against
// bit-rot on the wire independent of any TCP checksum.
type Frame struct {
	Op      Opcode
	Payload []byte
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 1+4)
	header[0] = byte(f.Op)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(f.Payload)))

	crc := crc32.ChecksumIEEE(header)
	crc = crc32.Update(crc, crc32.IEEETable, f.Payload)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	_, err := w.Write(crcBuf[:])
	return err
}

// ReadFrame reads and CRC-validates one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	op := Opcode(header[0])
	plen := binary.LittleEndian.Uint32(header[1:5])
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Frame{}, err
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.ChecksumIEEE(header)
	got = crc32.Update(got, crc32.IEEETable, payload)
	if got != want {
		return Frame{}, fmt.Errorf("foc: frame crc mismatch (got %x want %x)", got, want)
	}
	return Frame{Op: op, Payload: payload}, nil
}

// WireEntry is `CL(8B) | lba:u64 | len:u32 | bytes`.
type WireEntry struct {
	CL   cluster.CL
	LBA  uint64
	Data []byte
}

func (e WireEntry) Marshal() []byte {
	buf := make([]byte, 8+8+4+len(e.Data))
	cl := e.CL.Encode()
	copy(buf[0:8], cl[:])
	binary.LittleEndian.PutUint64(buf[8:16], e.LBA)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(e.Data)))
	copy(buf[20:], e.Data)
	return buf
}

func UnmarshalWireEntry(b []byte) (WireEntry, int, error) {
	if len(b) < 20 {
		return WireEntry{}, 0, fmt.Errorf("foc: short wire entry (%d bytes)", len(b))
	}
	var clb [8]byte
	copy(clb[:], b[0:8])
	lba := binary.LittleEndian.Uint64(b[8:16])
	dlen := binary.LittleEndian.Uint32(b[16:20])
	if uint32(len(b)-20) < dlen {
		return WireEntry{}, 0, fmt.Errorf("foc: truncated wire entry payload")
	}
	data := make([]byte, dlen)
	copy(data, b[20:20+dlen])
	return WireEntry{CL: cluster.DecodeCL(clb), LBA: lba, Data: data}, 20 + int(dlen), nil
}

func UnmarshalWireEntries(b []byte) ([]WireEntry, error) {
	var out []WireEntry
	off := 0
	for off < len(b) {
		e, n, err := UnmarshalWireEntry(b[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		off += n
	}
	return out, nil
}

// RegisterPayload is AddEntries' sibling for Register: (namespace,
// cluster_size, owner_tag).
type RegisterPayload struct {
	Namespace   string
	ClusterSize uint32
	OwnerTag    uint64
}

func (r RegisterPayload) Marshal() []byte {
	nsb := []byte(r.Namespace)
	buf := make([]byte, 4+len(nsb)+4+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nsb)))
	copy(buf[4:4+len(nsb)], nsb)
	off := 4 + len(nsb)
	binary.LittleEndian.PutUint32(buf[off:off+4], r.ClusterSize)
	binary.LittleEndian.PutUint64(buf[off+4:off+12], r.OwnerTag)
	return buf
}

func UnmarshalRegisterPayload(b []byte) (RegisterPayload, error) {
	if len(b) < 4 {
		return RegisterPayload{}, fmt.Errorf("foc: short register payload")
	}
	nlen := binary.LittleEndian.Uint32(b[0:4])
	if uint32(len(b)) < 4+nlen+12 {
		return RegisterPayload{}, fmt.Errorf("foc: truncated register payload")
	}
	ns := string(b[4 : 4+nlen])
	off := int(4 + nlen)
	clusterSize := binary.LittleEndian.Uint32(b[off : off+4])
	ownerTag := binary.LittleEndian.Uint64(b[off+4 : off+12])
	return RegisterPayload{Namespace: ns, ClusterSize: clusterSize, OwnerTag: ownerTag}, nil
}
