package cos

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// CksumSize is the width of a ContentHash: 16 bytes, matching the
// historical MD5-sized checksum field. It's computed with BLAKE2b
// truncated to 16 bytes rather than MD5 itself -- same width, modern
// primitive, no known collision attacks.
const CksumSize = 16

// Cksum is a cryptographic digest of a cluster's bytes. The zero value
// is "empty" (never written).
type Cksum struct {
	val [CksumSize]byte
	set bool
}

// ComputeCksum hashes buf and returns the resulting Cksum.
func ComputeCksum(buf []byte) Cksum {
	h, err := blake2b.New(CksumSize, nil)
	if err != nil {
		// New only errors on bad key length or size>64; both are
		// programmer errors, not runtime conditions.
		panic(err)
	}
	_, _ = h.Write(buf)
	var c Cksum
	copy(c.val[:], h.Sum(nil))
	c.set = true
	return c
}

func (c Cksum) IsEmpty() bool { return !c.set }

func (c Cksum) Equal(o Cksum) bool {
	if c.set != o.set {
		return false
	}
	return c.val == o.val
}

func (c Cksum) Bytes() []byte { return c.val[:] }

func (c Cksum) String() string {
	if !c.set {
		return "cksum[-]"
	}
	return fmt.Sprintf("cksum[%s]", hex.EncodeToString(c.val[:]))
}

// CksumFromBytes reconstructs a Cksum previously produced by Bytes(),
// as read back from a TLog LOC entry or a metadata page.
func CksumFromBytes(b []byte) (Cksum, error) {
	if len(b) != CksumSize {
		return Cksum{}, fmt.Errorf("cos: bad checksum length %d (want %d)", len(b), CksumSize)
	}
	var c Cksum
	copy(c.val[:], b)
	c.set = true
	return c, nil
}
