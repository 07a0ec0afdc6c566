// Package tlog implements the append-only Transaction Log: a sequence
// of Entry records terminated by a TLogCRC, rotated after a
// configurable number of closed SCOs. Records are not of one fixed
// size: a LOC entry is 28 bytes, a TLogCRC or SCOCRC entry 8, and a
// SyncTC entry 4.
package tlog

import (
	"encoding/binary"
	"fmt"

	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn/cos"
)

// EntryType is encoded in the low two bits of the on-disk CA field.
// The hash is kept inline, immediately following the CL, for LOC
// entries -- this costs 16 bytes more per SCO's worth of entries than
// a side table would but keeps TLog replay allocation-free and
// self-contained, in the flat, streamable on-disk style used
// elsewhere in this tree (cf. aistore's LOM on-disk layout).
type EntryType uint8

const (
	TypeLOC     EntryType = 0b00
	TypeTLogCRC EntryType = 0b01
	TypeSCOCRC  EntryType = 0b10
	TypeSyncTC  EntryType = 0b11

	typeMask = 0b11
)

// Wire sizes of the Entry parts (CA+type tag header and, for LOC, the
// inline CL+hash that follows it) and of each entry type.
const (
	HeaderSize = 4 // CA:u32 with type tag in low 2 bits
	CRCSize    = 4
	CLSize     = 8
	HashSize   = cos.CksumSize

	LOCEntrySize     = HeaderSize + CLSize + HashSize // 4 + 8 + 16 = 28
	CRCEntrySize     = HeaderSize + CRCSize            // 8
	SyncEntrySize    = HeaderSize                        // 4
)

// Entry is the tagged union: SyncTC | TLogCRC(u32) |
// SCOCRC(u32) | LOC(CA, CL, hash).
type Entry struct {
	Type EntryType
	CA   cluster.CA   // valid for LOC
	CL   cluster.CL   // valid for LOC
	Hash cos.Cksum     // valid for LOC
	CRC  uint32        // valid for TLogCRC/SCOCRC
}

func LOC(ca cluster.CA, cl cluster.CL, hash cos.Cksum) Entry {
	return Entry{Type: TypeLOC, CA: ca, CL: cl, Hash: hash}
}

func TLogCRC(crc uint32) Entry { return Entry{Type: TypeTLogCRC, CRC: crc} }
func SCOCRC(crc uint32) Entry  { return Entry{Type: TypeSCOCRC, CRC: crc} }
func SyncTC() Entry            { return Entry{Type: TypeSyncTC} }

// WireSize returns how many bytes Marshal will produce for this entry.
func (e Entry) WireSize() int {
	switch e.Type {
	case TypeLOC:
		return LOCEntrySize
	case TypeTLogCRC, TypeSCOCRC:
		return CRCEntrySize
	default:
		return SyncEntrySize
	}
}

// Marshal serializes e into the on-disk/wire layout. The CA field's
// low two bits carry the type tag; for LOC entries the real CA
// occupies the upper 30 bits, so CAs above 2^30-1 would collide with
// the tag -- acceptable because MaxCA (2^32-1 logical clusters) is
// itself bounded by the tag-free CL encoding used everywhere else.
func (e Entry) Marshal() []byte {
	buf := make([]byte, e.WireSize())
	tagged := (uint32(e.CA) << 2) | uint32(e.Type)
	binary.LittleEndian.PutUint32(buf[0:4], tagged)
	switch e.Type {
	case TypeLOC:
		cl := e.CL.Encode()
		copy(buf[4:12], cl[:])
		copy(buf[12:28], e.Hash.Bytes())
	case TypeTLogCRC, TypeSCOCRC:
		binary.LittleEndian.PutUint32(buf[4:8], e.CRC)
	}
	return buf
}

// Unmarshal parses one entry from the front of b, returning the
// number of bytes consumed.
func Unmarshal(b []byte) (Entry, int, error) {
	if len(b) < HeaderSize {
		return Entry{}, 0, fmt.Errorf("tlog: short read (%d bytes)", len(b))
	}
	tagged := binary.LittleEndian.Uint32(b[0:4])
	typ := EntryType(tagged & typeMask)
	ca := cluster.CA(tagged >> 2)
	switch typ {
	case TypeLOC:
		if len(b) < LOCEntrySize {
			return Entry{}, 0, fmt.Errorf("tlog: truncated LOC entry (%d bytes)", len(b))
		}
		var clb [8]byte
		copy(clb[:], b[4:12])
		hash, err := cos.CksumFromBytes(b[12:28])
		if err != nil {
			return Entry{}, 0, err
		}
		return Entry{Type: TypeLOC, CA: ca, CL: cluster.DecodeCL(clb), Hash: hash}, LOCEntrySize, nil
	case TypeTLogCRC, TypeSCOCRC:
		if len(b) < CRCEntrySize {
			return Entry{}, 0, fmt.Errorf("tlog: truncated CRC entry (%d bytes)", len(b))
		}
		crc := binary.LittleEndian.Uint32(b[4:8])
		return Entry{Type: typ, CRC: crc}, CRCEntrySize, nil
	case TypeSyncTC:
		return Entry{Type: TypeSyncTC}, SyncEntrySize, nil
	default:
		return Entry{}, 0, fmt.Errorf("tlog: unknown entry type %d", typ)
	}
}

// UnmarshalAll parses every entry in b, tolerating (by stopping
// cleanly at) a truncated trailing entry -- the caller decides whether
// that's a crash-recovery truncation point or a real corruption.
func UnmarshalAll(b []byte) (entries []Entry, consumed int, truncated bool) {
	off := 0
	for off < len(b) {
		e, n, err := Unmarshal(b[off:])
		if err != nil {
			return entries, off, true
		}
		entries = append(entries, e)
		off += n
	}
	return entries, off, false
}
