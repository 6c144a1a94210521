package reliable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylarana/hylarana/internal/transport"
)

func fecPair(t *testing.T, cfg transport.FECConfig, shardSize int) (*fecEncoder, *fecDecoder) {
	t.Helper()
	enc, err := newFECEncoder(cfg, shardSize)
	require.NoError(t, err)
	dec, err := newFECDecoder(cfg, shardSize)
	require.NoError(t, err)
	return enc, dec
}

func TestFECDisabled(t *testing.T) {
	enc, err := newFECEncoder(transport.FECConfig{}, 64)
	require.NoError(t, err)
	assert.Nil(t, enc)

	dec, err := newFECDecoder(transport.FECConfig{}, 64)
	require.NoError(t, err)
	assert.Nil(t, dec)
}

func TestFECGroupRecoversLostCells(t *testing.T) {
	cfg := transport.FECConfig{Layout: transport.LayoutStaircase, Rows: 2, Cols: 5, ARQ: transport.ARQOnRequest}
	const shardSize = shardMeta + 32
	enc, dec := fecPair(t, cfg, shardSize)

	cells := make([]*dataCell, cfg.DataShards())
	var parity []*parityCell
	for i := range cells {
		cells[i] = &dataCell{
			session: 1,
			seq:     uint32(i),
			sendTS:  uint64(1000 * i),
			first:   true,
			last:    true,
			payload: []byte(fmt.Sprintf("cell-%02d-payload", i)),
		}
		p, err := enc.add(cells[i])
		require.NoError(t, err)
		if p != nil {
			parity = p
		}
	}
	require.Len(t, parity, 2, "staircase 2x5 has 2 parity shards")

	// Lose cells 3 and 7; feed the rest plus parity.
	lost := map[uint32]bool{3: true, 7: true}
	for _, c := range cells {
		if lost[c.seq] {
			continue
		}
		dec.addData(c)
	}

	var recovered []*dataCell
	for _, pc := range parity {
		recovered = append(recovered, dec.addParity(pc, func(seq uint32) bool { return lost[seq] })...)
	}
	require.Len(t, recovered, 2)

	bySeq := map[uint32]*dataCell{}
	for _, c := range recovered {
		bySeq[c.seq] = c
	}
	for seq := range lost {
		got, ok := bySeq[seq]
		require.True(t, ok, "seq %d not recovered", seq)
		assert.Equal(t, cells[seq].payload, got.payload)
		assert.Equal(t, cells[seq].sendTS, got.sendTS)
		assert.Equal(t, cells[seq].first, got.first)
		assert.Equal(t, cells[seq].last, got.last)
	}
}

func TestFECCannotExceedParityCount(t *testing.T) {
	cfg := transport.FECConfig{Layout: transport.LayoutStaircase, Rows: 1, Cols: 4, ARQ: transport.ARQNever}
	const shardSize = shardMeta + 16
	enc, dec := fecPair(t, cfg, shardSize)

	var parity []*parityCell
	cells := make([]*dataCell, cfg.DataShards())
	for i := range cells {
		cells[i] = &dataCell{seq: uint32(i), first: true, last: true, payload: []byte{byte(i)}}
		p, err := enc.add(cells[i])
		require.NoError(t, err)
		if p != nil {
			parity = p
		}
	}
	require.Len(t, parity, 1)

	// Two losses with one parity shard: unrecoverable.
	lost := map[uint32]bool{0: true, 2: true}
	for _, c := range cells {
		if !lost[c.seq] {
			dec.addData(c)
		}
	}
	recovered := dec.addParity(parity[0], func(seq uint32) bool { return lost[seq] })
	assert.Empty(t, recovered)
}

func TestFECGroupNumbersAdvance(t *testing.T) {
	cfg := transport.FECConfig{Layout: transport.LayoutStaircase, Rows: 1, Cols: 2, ARQ: transport.ARQNever}
	enc, _ := fecPair(t, cfg, shardMeta+8)

	for group := 0; group < 3; group++ {
		p, err := enc.add(&dataCell{seq: uint32(group * 2), payload: []byte{1}})
		require.NoError(t, err)
		require.Nil(t, p)
		p, err = enc.add(&dataCell{seq: uint32(group*2 + 1), payload: []byte{2}})
		require.NoError(t, err)
		require.Len(t, p, 1)
		assert.Equal(t, uint32(group), p[0].group)
	}
}

func TestFECDecoderEvictsOldGroups(t *testing.T) {
	cfg := transport.FECConfig{Layout: transport.LayoutStaircase, Rows: 1, Cols: 2, ARQ: transport.ARQNever}
	dec, err := newFECDecoder(cfg, shardMeta+8)
	require.NoError(t, err)

	for seq := uint32(0); seq < uint32(dec.maxGroups+5)*2; seq++ {
		dec.addData(&dataCell{seq: seq, payload: []byte{1}})
	}
	assert.LessOrEqual(t, len(dec.groups), dec.maxGroups+1)
}
