package reliable

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/hylarana/hylarana/internal/transport"
)

// Data cells are grouped into a matrix of rows*cols shards; the layout
// decides how many parity shards protect the group. Any combination of up to
// parity-count losses inside one group reconstructs without retransmission.
//
// A shard is the serialized cell body (seq, timestamp, flags, length,
// payload) padded to the group's fixed shard size, so reconstruction yields
// the complete lost cell, not just its payload.

type fecEncoder struct {
	cfg       transport.FECConfig
	rs        reedsolomon.Encoder
	shardSize int

	group  uint32
	filled int
	shards [][]byte
}

func newFECEncoder(cfg transport.FECConfig, shardSize int) (*fecEncoder, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	rs, err := reedsolomon.New(cfg.DataShards(), cfg.ParityShards())
	if err != nil {
		return nil, fmt.Errorf("create fec encoder: %w", err)
	}
	e := &fecEncoder{cfg: cfg, rs: rs, shardSize: shardSize}
	e.reset()
	return e, nil
}

func (e *fecEncoder) reset() {
	total := e.cfg.DataShards() + e.cfg.ParityShards()
	e.shards = make([][]byte, total)
	for i := range e.shards {
		e.shards[i] = make([]byte, e.shardSize)
	}
	e.filled = 0
}

// add appends the next data cell to the current group. When the group is
// complete it returns the parity cells to transmit.
func (e *fecEncoder) add(c *dataCell) ([]*parityCell, error) {
	copy(e.shards[e.filled], shardBody(c, e.shardSize))
	e.filled++
	if e.filled < e.cfg.DataShards() {
		return nil, nil
	}

	if err := e.rs.Encode(e.shards); err != nil {
		return nil, fmt.Errorf("fec encode group %d: %w", e.group, err)
	}

	parity := make([]*parityCell, e.cfg.ParityShards())
	for i := range parity {
		shard := make([]byte, e.shardSize)
		copy(shard, e.shards[e.cfg.DataShards()+i])
		parity[i] = &parityCell{
			session: c.session,
			group:   e.group,
			index:   uint8(i),
			shard:   shard,
		}
	}

	e.group++
	e.reset()
	return parity, nil
}

// groupOf maps a data cell sequence number to its protection group.
func (e *fecEncoder) groupOf(seq uint32) uint32 {
	return seq / uint32(e.cfg.DataShards())
}

// fecDecoder tracks partially received groups and reconstructs missing data
// cells once enough shards are present.
type fecDecoder struct {
	cfg       transport.FECConfig
	rs        reedsolomon.Encoder
	shardSize int
	groups    map[uint32]*fecGroup

	// maxGroups bounds memory on long gaps; old groups are evicted.
	maxGroups int
}

type fecGroup struct {
	shards    [][]byte
	have      int
	recovered bool
}

func newFECDecoder(cfg transport.FECConfig, shardSize int) (*fecDecoder, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	rs, err := reedsolomon.New(cfg.DataShards(), cfg.ParityShards())
	if err != nil {
		return nil, fmt.Errorf("create fec decoder: %w", err)
	}
	return &fecDecoder{
		cfg:       cfg,
		rs:        rs,
		shardSize: shardSize,
		groups:    make(map[uint32]*fecGroup),
		maxGroups: 16,
	}, nil
}

func (d *fecDecoder) groupOf(seq uint32) uint32 {
	return seq / uint32(d.cfg.DataShards())
}

func (d *fecDecoder) indexOf(seq uint32) int {
	return int(seq % uint32(d.cfg.DataShards()))
}

func (d *fecDecoder) group(id uint32) *fecGroup {
	g, ok := d.groups[id]
	if !ok {
		g = &fecGroup{shards: make([][]byte, d.cfg.DataShards()+d.cfg.ParityShards())}
		d.groups[id] = g
		if len(d.groups) > d.maxGroups {
			d.evictOldest(id)
		}
	}
	return g
}

func (d *fecDecoder) evictOldest(keep uint32) {
	oldest := keep
	for id := range d.groups {
		if id < oldest {
			oldest = id
		}
	}
	if oldest != keep {
		delete(d.groups, oldest)
	}
}

// addData records a received data cell's shard.
func (d *fecDecoder) addData(c *dataCell) {
	g := d.group(d.groupOf(c.seq))
	idx := d.indexOf(c.seq)
	if g.shards[idx] == nil {
		g.shards[idx] = shardBody(c, d.shardSize)
		g.have++
	}
}

// addParity records a parity cell and attempts reconstruction. It returns
// any data cells recovered for sequence numbers the caller still misses.
func (d *fecDecoder) addParity(c *parityCell, missing func(seq uint32) bool) []*dataCell {
	if int(c.index) >= d.cfg.ParityShards() || len(c.shard) != d.shardSize {
		return nil
	}
	g := d.group(c.group)
	idx := d.cfg.DataShards() + int(c.index)
	if g.shards[idx] == nil {
		shard := make([]byte, d.shardSize)
		copy(shard, c.shard)
		g.shards[idx] = shard
		g.have++
	}
	return d.tryReconstruct(c.session, c.group, g, missing)
}

func (d *fecDecoder) tryReconstruct(session, groupID uint32, g *fecGroup, missing func(seq uint32) bool) []*dataCell {
	if g.recovered || g.have < d.cfg.DataShards() || g.have == len(g.shards) {
		return nil
	}

	work := make([][]byte, len(g.shards))
	copy(work, g.shards)
	if err := d.rs.Reconstruct(work); err != nil {
		return nil
	}
	g.recovered = true

	base := groupID * uint32(d.cfg.DataShards())
	var out []*dataCell
	for i := 0; i < d.cfg.DataShards(); i++ {
		seq := base + uint32(i)
		if g.shards[i] != nil || !missing(seq) {
			continue
		}
		cell, err := cellFromShard(session, work[i])
		if err != nil {
			continue
		}
		// A zeroed shard reconstructs to seq 0; trust only exact matches.
		if cell.seq != seq {
			continue
		}
		g.shards[i] = work[i]
		out = append(out, cell)
	}
	return out
}

// drop forgets a group once its sequences are past the delivery cursor.
func (d *fecDecoder) drop(groupID uint32) {
	delete(d.groups, groupID)
}
