// Package multicast implements the best-effort, low-jitter delivery strategy:
// UDP multicast cells with a fixed-delay reorder buffer on the receive side.
package multicast

import (
	"encoding/binary"
	"fmt"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

// Cell layout, network byte order:
//
//	1 byte  version (1)
//	1 byte  flags (bit0 first fragment, bit1 last fragment)
//	4 bytes sequence number
//	2 bytes payload length
const (
	cellVersion    = 1
	cellHeaderSize = 8

	cellFirst = 1 << 0
	cellLast  = 1 << 1
)

type cell struct {
	seq     uint32
	first   bool
	last    bool
	payload []byte
}

func encodeCell(dst []byte, c *cell) []byte {
	var flags byte
	if c.first {
		flags |= cellFirst
	}
	if c.last {
		flags |= cellLast
	}
	dst = append(dst, cellVersion, flags)
	dst = binary.BigEndian.AppendUint32(dst, c.seq)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(c.payload)))
	return append(dst, c.payload...)
}

func decodeCell(buf []byte) (*cell, error) {
	if len(buf) < cellHeaderSize {
		return nil, fmt.Errorf("decode multicast cell: %w", hyerrors.ErrTruncated)
	}
	if buf[0] != cellVersion {
		return nil, hyerrors.NewMalformedInput("decode multicast cell",
			fmt.Errorf("unknown version %d", buf[0]))
	}
	flags := buf[1]
	if flags&^byte(cellFirst|cellLast) != 0 {
		return nil, hyerrors.NewMalformedInput("decode multicast cell",
			fmt.Errorf("reserved flag bits set: %#02x", flags))
	}
	length := int(binary.BigEndian.Uint16(buf[6:8]))
	if len(buf) < cellHeaderSize+length {
		return nil, fmt.Errorf("decode multicast cell payload: %w", hyerrors.ErrTruncated)
	}

	payload := make([]byte, length)
	copy(payload, buf[cellHeaderSize:cellHeaderSize+length])
	return &cell{
		seq:     binary.BigEndian.Uint32(buf[2:6]),
		first:   flags&cellFirst != 0,
		last:    flags&cellLast != 0,
		payload: payload,
	}, nil
}
