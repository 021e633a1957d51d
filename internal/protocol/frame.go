// Package protocol implements the photo-sync wire format: length-prefixed
// binary frames for heartbeats, metadata and file chunks, and a
// newline-delimited text layer for session and batch control.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alexjbarnes/photo-sync/internal/errors"
)

const (
	// Magic identifies a photo-sync frame ("PH").
	Magic uint16 = 0x5048

	// Version is the only frame version this client speaks.
	Version uint8 = 1

	// HeaderSize is the fixed frame header width in bytes.
	HeaderSize = 8

	// MaxPayload bounds a single frame payload so a corrupt length field
	// cannot trigger an unbounded allocation.
	MaxPayload = 64 * 1024 * 1024
)

// PacketType is the one-byte frame type code.
type PacketType uint8

const (
	TypeDiscovery        PacketType = 0x01
	TypePairingRequest   PacketType = 0x02
	TypePairingResponse  PacketType = 0x03
	TypeHeartbeat        PacketType = 0x04
	TypeMetadata         PacketType = 0x05
	TypeTransferReady    PacketType = 0x06
	TypeFileChunk        PacketType = 0x07
	TypeTransferComplete PacketType = 0x08
	TypeProtocolError    PacketType = 0x09
	TypeUnknown          PacketType = 0xFF
)

var typeNames = map[PacketType]string{
	TypeDiscovery:        "DISCOVERY",
	TypePairingRequest:   "PAIRING_REQUEST",
	TypePairingResponse:  "PAIRING_RESPONSE",
	TypeHeartbeat:        "HEARTBEAT",
	TypeMetadata:         "METADATA",
	TypeTransferReady:    "TRANSFER_READY",
	TypeFileChunk:        "FILE_CHUNK",
	TypeTransferComplete: "TRANSFER_COMPLETE",
	TypeProtocolError:    "PROTOCOL_ERROR",
	TypeUnknown:          "UNKNOWN",
}

func (t PacketType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// ParsePacketType maps a wire byte to its PacketType. Unrecognised codes
// map to TypeUnknown.
func ParsePacketType(b uint8) PacketType {
	t := PacketType(b)
	if _, ok := typeNames[t]; ok {
		return t
	}

	return TypeUnknown
}

// Header is the fixed 8-byte frame header.
type Header struct {
	Magic   uint16
	Version uint8
	Type    PacketType
	// RawType is the type byte as received, kept when Type is
	// TypeUnknown so callers can log what arrived.
	RawType uint8
	Length  uint32
}

// Packet is one header plus payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// NewPacket builds a packet whose header length matches payload.
func NewPacket(t PacketType, payload []byte) Packet {
	return Packet{
		Header: Header{
			Magic:   Magic,
			Version: Version,
			Type:    t,
			RawType: uint8(t),
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewJSONPacket marshals v as the payload of a packet of type t.
func NewJSONPacket(t PacketType, v any) (Packet, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Packet{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}

	return NewPacket(t, data), nil
}

// Type is shorthand for p.Header.Type.
func (p Packet) Type() PacketType {
	return p.Header.Type
}

// DecodeJSON unmarshals the payload into v.
func (p Packet) DecodeJSON(v any) error {
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %w", errors.ErrProtocol, p.Header.Type, err)
	}

	return nil
}

// Encode serialises p. The length field is always taken from the payload,
// never from p.Header.Length.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	putHeader(buf, p.Header.Type, len(p.Payload))
	copy(buf[HeaderSize:], p.Payload)

	return buf
}

func putHeader(buf []byte, t PacketType, length int) {
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(t)
	binary.BigEndian.PutUint32(buf[4:8], uint32(length))
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", errors.ErrProtocol, HeaderSize, len(b))
	}

	h := Header{
		Magic:   binary.BigEndian.Uint16(b[0:2]),
		Version: b[2],
		RawType: b[3],
		Type:    ParsePacketType(b[3]),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}

	if h.Magic != Magic {
		return h, fmt.Errorf("%w: bad magic 0x%04x", errors.ErrProtocol, h.Magic)
	}

	if h.Version != Version {
		return h, fmt.Errorf("%w: unsupported version %d", errors.ErrProtocol, h.Version)
	}

	if h.Length > MaxPayload {
		return h, fmt.Errorf("%w: payload length %d exceeds limit", errors.ErrProtocol, h.Length)
	}

	return h, nil
}

// Decode parses one complete frame from b. b must hold exactly the header
// and the declared payload.
func Decode(b []byte) (Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Packet{}, err
	}

	body := b[HeaderSize:]
	if uint32(len(body)) < h.Length {
		return Packet{}, fmt.Errorf("%w: %s payload truncated: want %d bytes, got %d",
			errors.ErrProtocol, h.Type, h.Length, len(body))
	}

	if uint32(len(body)) > h.Length {
		return Packet{}, fmt.Errorf("%w: %d trailing bytes after %s frame",
			errors.ErrProtocol, uint32(len(body))-h.Length, h.Type)
	}

	payload := make([]byte, h.Length)
	copy(payload, body)

	return Packet{Header: h, Payload: payload}, nil
}

// ReadPacket reads one frame from r. Header validation failures wrap
// ErrProtocol; I/O errors, including EOF mid-frame, are returned as-is so
// callers can tell a dropped connection from a malformed peer.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}

	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Packet{}, err
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, err
	}

	return Packet{Header: h, Payload: payload}, nil
}

// WritePacket writes p to w in one call.
func WritePacket(w io.Writer, p Packet) error {
	_, err := w.Write(Encode(p))
	return err
}
