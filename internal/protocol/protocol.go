package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire format constants
const (
	// Packet types
	PacketTypeAnnounce = 0x01
	PacketTypeAudio    = 0x02

	// Audio codecs
	CodecPCM  = 0x01 // PCM signed 16-bit little-endian, interleaved
	CodecOpus = 0x02 // One Opus packet per frame

	// Packet structure sizes
	HeaderSize             = 20  // 1 + 2 + 8 + 8 + 1 bytes
	AnnouncePayloadSize    = 100 // 64 + 32 + 4 bytes
	AudioPayloadHeaderSize = 12  // Sequence (4) + CaptureMono (8)

	// String field sizes in announce payload
	TargetNameSize  = 64
	SpeakerNameSize = 32
	TimestampSize   = 4

	// Upper bound on frame data per packet. A 60 ms stereo PCM frame
	// at 48 kHz is 11520 bytes.
	MaxFrameDataSize = 16384
)

// Header represents the 20-byte packet header
// Layout: [PacketType:1][PacketLen:2][TargetID:8][SpeakerID:8][Codec:1]
type Header struct {
	PacketType uint8  // 0x01=Announce, 0x02=Audio
	PacketLen  uint16 // Total packet size (header + payload)
	TargetID   uint64 // Recording target identifier
	SpeakerID  uint64 // Speaker identifier (0 allowed on announce)
	Codec      uint8  // Audio packets only; must be 0 on announce
}

// AnnouncePayload represents the 100-byte announce packet payload.
// Announce packets carry display names used for artifact naming; they
// never create sessions or tracks.
// Layout: [TargetName:64][SpeakerName:32][Timestamp:4]
type AnnouncePayload struct {
	TargetName  [TargetNameSize]byte  // Null-terminated string (64 bytes)
	SpeakerName [SpeakerNameSize]byte // Null-terminated string (32 bytes)
	Timestamp   uint32                // Unix timestamp (4 bytes)
}

// AudioPayload represents the audio packet payload.
// CaptureMono is the frame's capture instant in nanoseconds on the
// sender's monotonic clock, never the network receipt time.
// Layout: [Sequence:4][CaptureMono:8][FrameData:N]
type AudioPayload struct {
	Sequence    uint32 // Per-speaker packet sequence number
	CaptureMono int64  // Monotonic capture instant, nanoseconds
	FrameData   []byte // Encoded frame data (variable length)
}

// ParsedPacket represents a fully parsed ingest packet
type ParsedPacket struct {
	Header   *Header
	Announce *AnnouncePayload // Only set for announce packets
	Audio    *AudioPayload    // Only set for audio packets
}

// ParseHeader parses the 20-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		TargetID:   binary.BigEndian.Uint64(data[3:11]),
		SpeakerID:  binary.BigEndian.Uint64(data[11:19]),
		Codec:      data[19],
	}

	return header, nil
}

// ParseAnnouncePayload parses the 100-byte announce packet payload
func ParseAnnouncePayload(data []byte) (*AnnouncePayload, error) {
	if len(data) < AnnouncePayloadSize {
		return nil, fmt.Errorf("announce payload too short: expected %d bytes, got %d",
			AnnouncePayloadSize, len(data))
	}

	payload := &AnnouncePayload{}

	// Copy fixed-size byte arrays
	copy(payload.TargetName[:], data[0:TargetNameSize])
	copy(payload.SpeakerName[:], data[TargetNameSize:TargetNameSize+SpeakerNameSize])

	// Parse timestamp (last 4 bytes)
	timestampOffset := TargetNameSize + SpeakerNameSize
	payload.Timestamp = binary.BigEndian.Uint32(data[timestampOffset : timestampOffset+TimestampSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (12-byte subheader + frame data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence:    binary.BigEndian.Uint32(data[0:4]),
		CaptureMono: int64(binary.BigEndian.Uint64(data[4:12])),
	}

	// Copy frame data (remaining bytes after the subheader)
	if len(data) > AudioPayloadHeaderSize {
		payload.FrameData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.FrameData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete ingest packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	// Parse header first
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	// Validate header fields
	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	// Parse payload based on packet type
	switch header.PacketType {
	case PacketTypeAnnounce:
		payload, err := ParseAnnouncePayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse announce payload: %w", err)
		}
		packet.Announce = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	// Validate expected payload sizes and per-type fields
	expectedPayloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAnnounce:
		if expectedPayloadSize != AnnouncePayloadSize {
			return fmt.Errorf("announce packet payload size mismatch: expected %d, got %d",
				AnnouncePayloadSize, expectedPayloadSize)
		}
		if header.Codec != 0 {
			return fmt.Errorf("announce packet must not set codec: got 0x%02x", header.Codec)
		}
	case PacketTypeAudio:
		if expectedPayloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, expectedPayloadSize)
		}
		if expectedPayloadSize > AudioPayloadHeaderSize+MaxFrameDataSize {
			return fmt.Errorf("audio packet payload too large: %d exceeds limit %d",
				expectedPayloadSize, AudioPayloadHeaderSize+MaxFrameDataSize)
		}
		if !IsValidCodec(header.Codec) {
			return fmt.Errorf("invalid codec: 0x%02x", header.Codec)
		}
		if header.SpeakerID == 0 {
			return fmt.Errorf("audio packet requires a speaker id")
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAnnounce || ptype == PacketTypeAudio
}

// IsValidCodec checks if the audio codec is valid
func IsValidCodec(codec uint8) bool {
	return codec == CodecPCM || codec == CodecOpus
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	// Find null terminator
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetTargetName extracts the target display name as a string
func (a *AnnouncePayload) GetTargetName() string {
	return ExtractString(a.TargetName[:])
}

// GetSpeakerName extracts the speaker display name as a string
func (a *AnnouncePayload) GetSpeakerName() string {
	return ExtractString(a.SpeakerName[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAnnounce:
		packetType = "Announce"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, TargetID:%d, SpeakerID:%d, Codec:0x%02x}",
		packetType, h.PacketLen, h.TargetID, h.SpeakerID, h.Codec)
}

// String returns a human-readable representation of the announce payload
func (a *AnnouncePayload) String() string {
	return fmt.Sprintf("AnnouncePayload{TargetName:%q, SpeakerName:%q, Timestamp:%d}",
		a.GetTargetName(), a.GetSpeakerName(), a.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, CaptureMono:%d, FrameDataLen:%d}",
		a.Sequence, a.CaptureMono, len(a.FrameData))
}
