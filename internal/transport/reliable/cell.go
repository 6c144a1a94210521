// Package reliable implements latency-bounded reliable delivery for unicast
// and relay modes: fragmentation into cells, forward error correction,
// on-demand retransmission, flow control, and pacing.
package reliable

import (
	"encoding/binary"
	"fmt"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

// Cell types. Every cell starts with [type u8][session u32]; the session id
// is zero until the handshake assigns one.
const (
	cellData      = 0x00
	cellParity    = 0x01
	cellHello     = 0x02
	cellHelloAck  = 0x03
	cellEstablish = 0x04
	cellAck       = 0x05
	cellFeedback  = 0x06
	cellHeartbeat = 0x07
	cellClose     = 0x08

	protocolVersion = 1

	// cellPrefix is the [type][session] prefix every cell carries.
	cellPrefix = 5

	// dataOverhead is the full header of a data cell:
	// prefix + seq u32 + sendTS u64 + flags u8 + len u16.
	dataOverhead = cellPrefix + 4 + 8 + 1 + 2

	// shardMeta is the per-shard bookkeeping inside a FEC shard:
	// seq u32 + sendTS u64 + flags u8 + len u16.
	shardMeta = 15

	// parityOverhead is the full header of a parity cell:
	// prefix + group u32 + index u8 + shardLen u16.
	parityOverhead = cellPrefix + 4 + 1 + 2

	dataFirst = 1 << 0
	dataLast  = 1 << 1
)

type dataCell struct {
	session uint32
	seq     uint32
	sendTS  uint64 // sender monotonic microseconds
	first   bool
	last    bool
	payload []byte
}

type parityCell struct {
	session uint32
	group   uint32
	index   uint8
	shard   []byte
}

type helloCell struct {
	session  uint32 // zero on first contact
	version  uint8
	role     uint8 // 0 receiver, 1 sender (relay mode)
	mtu      uint16
	latency  uint16
	clock    uint64
	streamID string
}

type helloAckCell struct {
	session uint32
	mtu     uint16
	latency uint16
	clock   uint64
}

const (
	roleReceiver = 0
	roleSender   = 1
)

func encodeDataCell(dst []byte, c *dataCell) []byte {
	dst = append(dst, cellData)
	dst = binary.BigEndian.AppendUint32(dst, c.session)
	dst = binary.BigEndian.AppendUint32(dst, c.seq)
	dst = binary.BigEndian.AppendUint64(dst, c.sendTS)
	var flags byte
	if c.first {
		flags |= dataFirst
	}
	if c.last {
		flags |= dataLast
	}
	dst = append(dst, flags)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(c.payload)))
	return append(dst, c.payload...)
}

func decodeDataCell(buf []byte) (*dataCell, error) {
	if len(buf) < dataOverhead {
		return nil, fmt.Errorf("decode data cell: %w", hyerrors.ErrTruncated)
	}
	flags := buf[17]
	length := int(binary.BigEndian.Uint16(buf[18:20]))
	if len(buf) < dataOverhead+length {
		return nil, fmt.Errorf("decode data cell payload: %w", hyerrors.ErrTruncated)
	}
	payload := make([]byte, length)
	copy(payload, buf[dataOverhead:dataOverhead+length])
	return &dataCell{
		session: binary.BigEndian.Uint32(buf[1:5]),
		seq:     binary.BigEndian.Uint32(buf[5:9]),
		sendTS:  binary.BigEndian.Uint64(buf[9:17]),
		first:   flags&dataFirst != 0,
		last:    flags&dataLast != 0,
		payload: payload,
	}, nil
}

// shardBody serializes the data cell fields protected by FEC, padded to
// shardSize so every shard in a group has equal length.
func shardBody(c *dataCell, shardSize int) []byte {
	shard := make([]byte, shardSize)
	binary.BigEndian.PutUint32(shard[0:4], c.seq)
	binary.BigEndian.PutUint64(shard[4:12], c.sendTS)
	var flags byte
	if c.first {
		flags |= dataFirst
	}
	if c.last {
		flags |= dataLast
	}
	shard[12] = flags
	binary.BigEndian.PutUint16(shard[13:15], uint16(len(c.payload)))
	copy(shard[shardMeta:], c.payload)
	return shard
}

// cellFromShard rebuilds a reconstructed data cell from its shard body.
func cellFromShard(session uint32, shard []byte) (*dataCell, error) {
	if len(shard) < shardMeta {
		return nil, fmt.Errorf("decode fec shard: %w", hyerrors.ErrTruncated)
	}
	length := int(binary.BigEndian.Uint16(shard[13:15]))
	if shardMeta+length > len(shard) {
		return nil, hyerrors.NewMalformedInput("decode fec shard",
			fmt.Errorf("payload length %d exceeds shard", length))
	}
	flags := shard[12]
	payload := make([]byte, length)
	copy(payload, shard[shardMeta:shardMeta+length])
	return &dataCell{
		session: session,
		seq:     binary.BigEndian.Uint32(shard[0:4]),
		sendTS:  binary.BigEndian.Uint64(shard[4:12]),
		first:   flags&dataFirst != 0,
		last:    flags&dataLast != 0,
		payload: payload,
	}, nil
}

func encodeParityCell(dst []byte, c *parityCell) []byte {
	dst = append(dst, cellParity)
	dst = binary.BigEndian.AppendUint32(dst, c.session)
	dst = binary.BigEndian.AppendUint32(dst, c.group)
	dst = append(dst, c.index)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(c.shard)))
	return append(dst, c.shard...)
}

func decodeParityCell(buf []byte) (*parityCell, error) {
	if len(buf) < parityOverhead {
		return nil, fmt.Errorf("decode parity cell: %w", hyerrors.ErrTruncated)
	}
	length := int(binary.BigEndian.Uint16(buf[10:12]))
	if len(buf) < parityOverhead+length {
		return nil, fmt.Errorf("decode parity cell shard: %w", hyerrors.ErrTruncated)
	}
	shard := make([]byte, length)
	copy(shard, buf[parityOverhead:parityOverhead+length])
	return &parityCell{
		session: binary.BigEndian.Uint32(buf[1:5]),
		group:   binary.BigEndian.Uint32(buf[5:9]),
		index:   buf[9],
		shard:   shard,
	}, nil
}

func encodeHello(dst []byte, h *helloCell) []byte {
	dst = append(dst, cellHello)
	dst = binary.BigEndian.AppendUint32(dst, h.session)
	dst = append(dst, h.version, h.role)
	dst = binary.BigEndian.AppendUint16(dst, h.mtu)
	dst = binary.BigEndian.AppendUint16(dst, h.latency)
	dst = binary.BigEndian.AppendUint64(dst, h.clock)
	dst = append(dst, byte(len(h.streamID)))
	return append(dst, h.streamID...)
}

func decodeHello(buf []byte) (*helloCell, error) {
	const fixed = cellPrefix + 1 + 1 + 2 + 2 + 8 + 1
	if len(buf) < fixed {
		return nil, fmt.Errorf("decode hello: %w", hyerrors.ErrTruncated)
	}
	idLen := int(buf[fixed-1])
	if len(buf) < fixed+idLen {
		return nil, fmt.Errorf("decode hello stream id: %w", hyerrors.ErrTruncated)
	}
	return &helloCell{
		session:  binary.BigEndian.Uint32(buf[1:5]),
		version:  buf[5],
		role:     buf[6],
		mtu:      binary.BigEndian.Uint16(buf[7:9]),
		latency:  binary.BigEndian.Uint16(buf[9:11]),
		clock:    binary.BigEndian.Uint64(buf[11:19]),
		streamID: string(buf[fixed : fixed+idLen]),
	}, nil
}

func encodeHelloAck(dst []byte, h *helloAckCell) []byte {
	dst = append(dst, cellHelloAck)
	dst = binary.BigEndian.AppendUint32(dst, h.session)
	dst = binary.BigEndian.AppendUint16(dst, h.mtu)
	dst = binary.BigEndian.AppendUint16(dst, h.latency)
	return binary.BigEndian.AppendUint64(dst, h.clock)
}

func decodeHelloAck(buf []byte) (*helloAckCell, error) {
	if len(buf) < cellPrefix+2+2+8 {
		return nil, fmt.Errorf("decode hello ack: %w", hyerrors.ErrTruncated)
	}
	return &helloAckCell{
		session: binary.BigEndian.Uint32(buf[1:5]),
		mtu:     binary.BigEndian.Uint16(buf[5:7]),
		latency: binary.BigEndian.Uint16(buf[7:9]),
		clock:   binary.BigEndian.Uint64(buf[9:17]),
	}, nil
}

func encodeEstablish(dst []byte, session uint32) []byte {
	dst = append(dst, cellEstablish)
	return binary.BigEndian.AppendUint32(dst, session)
}

func encodeAck(dst []byte, session, cumulative uint32) []byte {
	dst = append(dst, cellAck)
	dst = binary.BigEndian.AppendUint32(dst, session)
	return binary.BigEndian.AppendUint32(dst, cumulative)
}

func decodeAck(buf []byte) (uint32, error) {
	if len(buf) < cellPrefix+4 {
		return 0, fmt.Errorf("decode ack: %w", hyerrors.ErrTruncated)
	}
	return binary.BigEndian.Uint32(buf[5:9]), nil
}

func encodeFeedback(dst []byte, session uint32, rtcpCompound []byte) []byte {
	dst = append(dst, cellFeedback)
	dst = binary.BigEndian.AppendUint32(dst, session)
	return append(dst, rtcpCompound...)
}

func encodeHeartbeat(dst []byte, session uint32, ts uint64) []byte {
	dst = append(dst, cellHeartbeat)
	dst = binary.BigEndian.AppendUint32(dst, session)
	return binary.BigEndian.AppendUint64(dst, ts)
}

func encodeClose(dst []byte, session uint32) []byte {
	dst = append(dst, cellClose)
	return binary.BigEndian.AppendUint32(dst, session)
}

func cellSession(buf []byte) (byte, uint32, error) {
	if len(buf) < cellPrefix {
		return 0, 0, fmt.Errorf("decode cell prefix: %w", hyerrors.ErrTruncated)
	}
	return buf[0], binary.BigEndian.Uint32(buf[1:5]), nil
}
