package reliable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

func TestDataCellRoundTrip(t *testing.T) {
	c := &dataCell{
		session: 0xDEADBEEF,
		seq:     1234,
		sendTS:  5_000_000,
		first:   true,
		last:    false,
		payload: []byte{1, 2, 3, 4},
	}
	wire := encodeDataCell(nil, c)
	require.Len(t, wire, dataOverhead+4)

	got, err := decodeDataCell(wire)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDataCellTruncated(t *testing.T) {
	wire := encodeDataCell(nil, &dataCell{seq: 1, payload: []byte{1, 2}})
	for _, cut := range []int{0, dataOverhead - 1, len(wire) - 1} {
		_, err := decodeDataCell(wire[:cut])
		assert.True(t, hyerrors.IsTruncated(err), "cut=%d", cut)
	}
}

func TestParityCellRoundTrip(t *testing.T) {
	c := &parityCell{session: 7, group: 3, index: 1, shard: []byte{9, 8, 7}}
	wire := encodeParityCell(nil, c)

	got, err := decodeParityCell(wire)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestHelloRoundTrip(t *testing.T) {
	h := &helloCell{
		version:  protocolVersion,
		role:     roleSender,
		mtu:      1500,
		latency:  120,
		clock:    42,
		streamID: "office-stream",
	}
	wire := encodeHello(nil, h)

	got, err := decodeHello(wire)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHelloAckRoundTrip(t *testing.T) {
	h := &helloAckCell{session: 99, mtu: 1400, latency: 80, clock: 17}
	got, err := decodeHelloAck(encodeHelloAck(nil, h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestShardBodyRoundTrip(t *testing.T) {
	c := &dataCell{session: 5, seq: 77, sendTS: 123456, first: true, last: true, payload: []byte{0xAB, 0xCD}}
	shard := shardBody(c, shardMeta+16)
	require.Len(t, shard, shardMeta+16)

	got, err := cellFromShard(5, shard)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestCellSessionPrefix(t *testing.T) {
	wire := encodeAck(nil, 0xAABBCCDD, 10)
	typ, session, err := cellSession(wire)
	require.NoError(t, err)
	assert.Equal(t, byte(cellAck), typ)
	assert.Equal(t, uint32(0xAABBCCDD), session)

	cum, err := decodeAck(wire)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), cum)

	_, _, err = cellSession([]byte{1, 2})
	assert.True(t, hyerrors.IsTruncated(err))
}
