package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a datagram by its first byte
type Kind uint8

// Wire tags
const (
	KindConnect       Kind = 0x01
	KindDisconnect    Kind = 0x02
	KindConnectAck    Kind = 0x03
	KindDisconnectAck Kind = 0x04
	KindData          Kind = 0x05
)

const (
	// MaxDatagramSize is the receive buffer size. Longer datagrams are truncated by the socket.
	MaxDatagramSize = 1024

	// TagSize is the size of the leading kind byte
	TagSize = 1

	// AckSize is the size of ConnectAck and DisconnectAck replies (tag + padding)
	AckSize = 2
)

var (
	// ErrEmptyDatagram is returned for datagrams with no tag byte
	ErrEmptyDatagram = errors.New("datagram too short to contain a tag")

	// ErrUnknownTag is returned when byte 0 is not a known kind
	ErrUnknownTag = errors.New("unknown tag")

	// ErrMalformedPayload is returned when a Disconnect record cannot be decoded
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotAck is returned by EncodeAck for kinds that have no ack encoding
	ErrNotAck = errors.New("kind is not an acknowledgment")
)

// LocationUpdate is the record carried after the tag of a Disconnect datagram
type LocationUpdate struct {
	ID string
	X  float32
	Y  float32
	Z  float32
}

// locationRecord mirrors the JSON layout sent by clients
type locationRecord struct {
	ID string  `json:"_steamid"`
	X  float32 `json:"x"`
	Y  float32 `json:"y"`
	Z  float32 `json:"z"`
}

// Classify reads the tag byte and returns the datagram kind
func Classify(datagram []byte) (Kind, error) {
	if len(datagram) < TagSize {
		return 0, ErrEmptyDatagram
	}

	kind := Kind(datagram[0])
	if !kind.IsValid() {
		return kind, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, datagram[0])
	}

	return kind, nil
}

// DecodeLocation decodes the structured record that follows the tag of a Disconnect datagram
func DecodeLocation(datagram []byte) (LocationUpdate, error) {
	if len(datagram) <= TagSize {
		return LocationUpdate{}, fmt.Errorf("%w: no record after tag", ErrMalformedPayload)
	}

	// Keys are matched case-sensitively
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(datagram[TagSize:], &fields); err != nil {
		return LocationUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var update LocationUpdate
	if err := decodeField(fields, "_steamid", &update.ID); err != nil {
		return LocationUpdate{}, err
	}
	if update.ID == "" {
		return LocationUpdate{}, fmt.Errorf("%w: empty _steamid", ErrMalformedPayload)
	}
	for _, f := range []struct {
		key string
		dst *float32
	}{{"x", &update.X}, {"y", &update.Y}, {"z", &update.Z}} {
		if err := decodeField(fields, f.key, f.dst); err != nil {
			return LocationUpdate{}, err
		}
	}

	return update, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
	}
	return nil
}

// EncodeAck builds the fixed 2-byte reply for ConnectAck and DisconnectAck
func EncodeAck(kind Kind) ([]byte, error) {
	if !kind.IsAck() {
		return nil, fmt.Errorf("%w: %s", ErrNotAck, kind)
	}
	return []byte{byte(kind), 0x00}, nil
}

// EncodeConnect builds a Connect request
func EncodeConnect() []byte {
	return []byte{byte(KindConnect)}
}

// EncodeDisconnect builds a Disconnect request carrying the final location
func EncodeDisconnect(update LocationUpdate) ([]byte, error) {
	record, err := json.Marshal(locationRecord{
		ID: update.ID,
		X:  update.X,
		Y:  update.Y,
		Z:  update.Z,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode location: %w", err)
	}

	datagram := make([]byte, 0, TagSize+len(record))
	datagram = append(datagram, byte(KindDisconnect))
	datagram = append(datagram, record...)

	if len(datagram) > MaxDatagramSize {
		return nil, fmt.Errorf("disconnect datagram is %d bytes, limit is %d", len(datagram), MaxDatagramSize)
	}
	return datagram, nil
}

// EncodeData prefixes an opaque payload with the Data tag
func EncodeData(payload []byte) []byte {
	datagram := make([]byte, TagSize+len(payload))
	datagram[0] = byte(KindData)
	copy(datagram[TagSize:], payload)
	return datagram
}

// IsValid reports whether k is one of the five known kinds
func (k Kind) IsValid() bool {
	return k >= KindConnect && k <= KindData
}

// IsAck reports whether k is a server acknowledgment
func (k Kind) IsAck() bool {
	return k == KindConnectAck || k == KindDisconnectAck
}

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindConnectAck:
		return "connect_ack"
	case KindDisconnectAck:
		return "disconnect_ack"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(k))
	}
}

// String returns a human-readable representation of the update
func (u LocationUpdate) String() string {
	return fmt.Sprintf("LocationUpdate{ID:%q, X:%g, Y:%g, Z:%g}", u.ID, u.X, u.Y, u.Z)
}
