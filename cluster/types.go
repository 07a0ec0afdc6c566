// Package cluster holds the volume engine's core data model: cluster
// addresses and locations, SCO identity, owner tags, and the
// per-volume configuration persisted to the backend.
package cluster

import (
	"encoding/binary"
	"fmt"
)

// CA is a ClusterAddress: a logical index into a volume's address
// space. Max valid CA is 2^32-1 (16 TiB volume at 4 KiB clusters).
type CA uint32

const MaxCA = CA(1<<32 - 1)

// CL is a ClusterLocation: the physical location of one cluster's
// bytes. CloneID is 0 for the volume's own SCOs, >=1 for ancestors
// reached through the clone chain.
type CL struct {
	SCONumber uint32
	SCOOffset uint16
	CloneID   uint8
	Version   uint8
}

// Zero reports whether this is the "never written" sentinel location.
func (l CL) Zero() bool { return l == CL{} }

func (l CL) String() string {
	return fmt.Sprintf("cl[sco=%d off=%d clone=%d ver=%d]", l.SCONumber, l.SCOOffset, l.CloneID, l.Version)
}

// Encode packs a CL into the 8-byte wire/on-disk form used by TLog LOC
// entries and the FOC wire protocol: sco_number:u32 |
// sco_offset:u16 | clone_id:u8 | version:u8.
func (l CL) Encode() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], l.SCONumber)
	binary.LittleEndian.PutUint16(b[4:6], l.SCOOffset)
	b[6] = l.CloneID
	b[7] = l.Version
	return b
}

func DecodeCL(b [8]byte) CL {
	return CL{
		SCONumber: binary.LittleEndian.Uint32(b[0:4]),
		SCOOffset: binary.LittleEndian.Uint16(b[4:6]),
		CloneID:   b[6],
		Version:   b[7],
	}
}

// SCOID identifies one SCO file: (namespace, sco_number, clone_id,
// version). Namespace is carried separately wherever an SCOID is
// looked up against a specific backend/cache.
type SCOID struct {
	SCONumber uint32
	CloneID   uint8
	Version   uint8
}

func (s SCOID) FileName() string {
	return fmt.Sprintf("%d_%d_%d", s.SCONumber, s.Version, s.CloneID)
}

// ParseSCOFileName parses the "<sco_number>_<version>_<cloneid>" name
// used for on-backend SCO blobs, used when rebuilding SCOCache state
// from what's physically present on a mountpoint.
func ParseSCOFileName(name string) (SCOID, bool) {
	var scoNum uint32
	var version, cloneID uint8
	n, err := fmt.Sscanf(name, "%d_%d_%d", &scoNum, &version, &cloneID)
	if err != nil || n != 3 {
		return SCOID{}, false
	}
	return SCOID{SCONumber: scoNum, Version: version, CloneID: cloneID}, true
}

// OwnerTag is the monotonically increasing fencing token minted on
// every volume open, validated against the heartbeat lock.
type OwnerTag uint64

// NSIDMap maps a CloneID to the ObjectStore namespace of the ancestor
// volume that owns it, letting MetaDataStore resolve reads across a
// clone chain.
type NSIDMap map[uint8]string

func (m NSIDMap) Namespace(cloneID uint8, ownNamespace string) (string, bool) {
	if cloneID == 0 {
		return ownNamespace, true
	}
	ns, ok := m[cloneID]
	return ns, ok
}
