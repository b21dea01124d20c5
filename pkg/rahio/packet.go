package rahio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"strings"
)

const ProtocolVersion uint8 = 0x01

// Packet Types (Explicit for wire protocol stability)
const (
	TypeData         uint8 = 0x00
	TypeHandshake    uint8 = 0x01
	TypeHandshakeAck uint8 = 0x02
	TypeAck          uint8 = 0x03
	TypeClose        uint8 = 0x04
	TypePing         uint8 = 0x05
	TypePong         uint8 = 0x06
)

// Flags
const (
	FlagFIN       uint8 = 0x01
	FlagRST       uint8 = 0x02
	FlagScheduled uint8 = 0x04
	// FlagDuplicate marks a copy of a chunk already sent on another subflow.
	FlagDuplicate uint8 = 0x08
	// FlagReinjected marks a chunk resent after its first subflow failed.
	FlagReinjected uint8 = 0x10
)

const HeaderSize = 48

// maxFrameSize bounds what ReadPacket will allocate for one frame.
const maxFrameSize = HeaderSize + 1<<20

var errShortPacket = errors.New("rahio: packet too short")

func packetTypeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeAck:
		return "HANDSHAKE_ACK"
	case TypeAck:
		return "ACK"
	case TypeClose:
		return "CLOSE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", t)
	}
}

var flagNames = []struct {
	bit  uint8
	name string
}{
	{FlagFIN, "FIN"},
	{FlagRST, "RST"},
	{FlagScheduled, "SCHEDULED"},
	{FlagDuplicate, "DUP"},
	{FlagReinjected, "REINJECT"},
}

func flagsStr(flags uint8) string {
	if flags == 0 {
		return "none"
	}
	var parts []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Packet mirrors the 48-byte header: version, type, subflow index, flags,
// connection id, sequence number, timestamp, data length, checksum and four
// reserved bytes.
type Packet struct {
	Version        uint8
	Type           uint8
	SubflowIndex   uint8
	Flags          uint8
	ConnectionID   [16]byte
	SequenceNumber uint64
	Timestamp      uint64
	DataLength     uint32
	Checksum       uint32
	Data           []byte
}

// putHeader encodes p's header into buf with a zero checksum field.
func putHeader(buf []byte, p *Packet) {
	buf[0] = p.Version
	buf[1] = p.Type
	buf[2] = p.SubflowIndex
	buf[3] = p.Flags
	copy(buf[4:20], p.ConnectionID[:])
	binary.BigEndian.PutUint64(buf[20:28], p.SequenceNumber)
	binary.BigEndian.PutUint64(buf[28:36], p.Timestamp)
	binary.BigEndian.PutUint32(buf[36:40], p.DataLength)
	binary.BigEndian.PutUint32(buf[40:44], 0)
	clear(buf[44:HeaderSize])
}

func checksum(header, data []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(header)
	_, _ = h.Write(data)
	return h.Sum32()
}

// WritePacket frames p with a 4-byte length prefix and writes it in a single
// Write call, so concurrent writers on one subflow never interleave frames.
func WritePacket(w io.Writer, p *Packet) error {
	p.DataLength = uint32(len(p.Data))
	wireTotal := HeaderSize + p.DataLength

	frame := make([]byte, 4+int(wireTotal))
	binary.BigEndian.PutUint32(frame[:4], wireTotal)
	header := frame[4 : 4+HeaderSize]
	putHeader(header, p)
	p.Checksum = checksum(header, p.Data)
	binary.BigEndian.PutUint32(header[40:44], p.Checksum)
	copy(frame[4+HeaderSize:], p.Data)

	if _, err := w.Write(frame); err != nil {
		slog.Debug("WritePacket: write failed",
			"type", packetTypeName(p.Type),
			"seq", p.SequenceNumber,
			"err", err,
		)
		return err
	}
	return nil
}

// ReadPacket parses a packet using the length prefix framing.
func ReadPacket(r io.Reader) (*Packet, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	wireTotal := binary.BigEndian.Uint32(prefix[:])
	if wireTotal < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", errShortPacket, wireTotal)
	}
	if wireTotal > maxFrameSize {
		return nil, fmt.Errorf("rahio: frame of %d bytes exceeds limit", wireTotal)
	}

	buf := make([]byte, wireTotal)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	pkt := &Packet{
		Version:        buf[0],
		Type:           buf[1],
		SubflowIndex:   buf[2],
		Flags:          buf[3],
		ConnectionID:   [16]byte(buf[4:20]),
		SequenceNumber: binary.BigEndian.Uint64(buf[20:28]),
		Timestamp:      binary.BigEndian.Uint64(buf[28:36]),
		DataLength:     binary.BigEndian.Uint32(buf[36:40]),
		Checksum:       binary.BigEndian.Uint32(buf[40:44]),
		Data:           buf[HeaderSize:],
	}

	if pkt.Version != ProtocolVersion {
		slog.Warn("ReadPacket: unexpected protocol version",
			"got", pkt.Version,
			"expected", ProtocolVersion,
			"type", packetTypeName(pkt.Type),
		)
	}
	return pkt, nil
}

// VerifyChecksum recomputes CRC32 over the header (checksum field zeroed) + data.
func VerifyChecksum(p *Packet) bool {
	header := make([]byte, HeaderSize)
	putHeader(header, p)
	computed := checksum(header, p.Data)
	if computed != p.Checksum {
		slog.Warn("VerifyChecksum: MISMATCH",
			"type", packetTypeName(p.Type),
			"seq", p.SequenceNumber,
			"flags", flagsStr(p.Flags),
			"expected", fmt.Sprintf("0x%08x", p.Checksum),
			"computed", fmt.Sprintf("0x%08x", computed),
			"connID", connIDStr(p.ConnectionID),
		)
		return false
	}
	return true
}
