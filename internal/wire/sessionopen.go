package wire

// SessionOpenPayloadSize is the fixed on-wire size of a
// SessionOpenPayload (the server's reply to a SESSION_OPEN request).
const SessionOpenPayloadSize = 1

// SessionOpenPayload carries the server's max_channel_id, one less
// than the number of channels it allocated for the session.
type SessionOpenPayload struct {
	MaxChannelID uint8
}

// Encode serializes p into dst, which must be at least
// SessionOpenPayloadSize bytes.
func (p *SessionOpenPayload) Encode(dst []byte) error {
	if len(dst) < SessionOpenPayloadSize {
		return errHeaderTooShort
	}
	dst[0] = p.MaxChannelID
	return nil
}

// Marshal allocates and returns the encoded payload.
func (p *SessionOpenPayload) Marshal() []byte {
	return []byte{p.MaxChannelID}
}

// DecodeSessionOpenPayload parses a SessionOpenPayload from src.
func DecodeSessionOpenPayload(src []byte) (SessionOpenPayload, error) {
	var p SessionOpenPayload
	if len(src) < SessionOpenPayloadSize {
		return p, errHeaderTooShort
	}
	p.MaxChannelID = src[0]
	return p, nil
}
