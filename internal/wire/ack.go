package wire

import "encoding/binary"

// AckPayloadSize is the fixed on-wire size of an AckPayload.
const AckPayloadSize = 8

// AckPayload carries first_missing_frag and a bitmask of which of the
// next MAX_STAGING_FRAGMENTS fragments beyond it have been staged.
type AckPayload struct {
	FirstMissingFrag uint32
	StagingVector    uint32
}

// Encode serializes a into dst, which must be at least AckPayloadSize bytes.
func (a *AckPayload) Encode(dst []byte) error {
	if len(dst) < AckPayloadSize {
		return errHeaderTooShort
	}
	binary.BigEndian.PutUint32(dst[0:4], a.FirstMissingFrag)
	binary.BigEndian.PutUint32(dst[4:8], a.StagingVector)
	return nil
}

// Marshal allocates and returns the encoded payload.
func (a *AckPayload) Marshal() []byte {
	buf := make([]byte, AckPayloadSize)
	_ = a.Encode(buf)
	return buf
}

// DecodeAckPayload parses an AckPayload from the front of src.
func DecodeAckPayload(src []byte) (AckPayload, error) {
	var a AckPayload
	if len(src) < AckPayloadSize {
		return a, errHeaderTooShort
	}
	a.FirstMissingFrag = binary.BigEndian.Uint32(src[0:4])
	a.StagingVector = binary.BigEndian.Uint32(src[4:8])
	return a, nil
}

// HasBit reports whether bit i (0-indexed, corresponding to staging
// slot i / fragment FirstMissingFrag+1+i) is set.
func (a AckPayload) HasBit(i int) bool {
	if i < 0 || i >= 32 {
		return false
	}
	return a.StagingVector&(1<<uint(i)) != 0
}

// SetBit sets bit i in the staging vector.
func (a *AckPayload) SetBit(i int) {
	if i < 0 || i >= 32 {
		return
	}
	a.StagingVector |= 1 << uint(i)
}
