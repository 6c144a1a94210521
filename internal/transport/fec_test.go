package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

func TestParseFEC(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    FECConfig
		wantErr bool
	}{
		{
			name: "default descriptor",
			in:   "fec,layout:staircase,rows:2,cols:10,arq:onreq",
			want: FECConfig{Layout: LayoutStaircase, Rows: 2, Cols: 10, ARQ: ARQOnRequest},
		},
		{
			name: "matrix never",
			in:   "fec,layout:matrix,rows:4,cols:4,arq:never",
			want: FECConfig{Layout: LayoutMatrix, Rows: 4, Cols: 4, ARQ: ARQNever},
		},
		{
			name: "empty disables",
			in:   "",
			want: FECConfig{Layout: LayoutStaircase, ARQ: ARQOnRequest},
		},
		{
			name: "bare scheme keeps defaults",
			in:   "fec",
			want: FECConfig{Layout: LayoutStaircase, ARQ: ARQOnRequest},
		},
		{name: "unknown scheme", in: "raptorq,rows:2", wantErr: true},
		{name: "unknown layout", in: "fec,layout:spiral", wantErr: true},
		{name: "unknown field", in: "fec,interleave:3", wantErr: true},
		{name: "bad rows", in: "fec,rows:0,cols:10", wantErr: true},
		{name: "huge cols", in: "fec,rows:2,cols:1000", wantErr: true},
		{name: "rows without cols", in: "fec,rows:2", wantErr: true},
		{name: "missing separator", in: "fec,rows", wantErr: true},
		{name: "bad arq", in: "fec,rows:2,cols:2,arq:always", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFEC(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, hyerrors.IsMalformedInput(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFECShardCounts(t *testing.T) {
	stair := FECConfig{Layout: LayoutStaircase, Rows: 2, Cols: 10}
	assert.True(t, stair.Enabled())
	assert.Equal(t, 20, stair.DataShards())
	assert.Equal(t, 2, stair.ParityShards())

	matrix := FECConfig{Layout: LayoutMatrix, Rows: 3, Cols: 4}
	assert.Equal(t, 12, matrix.DataShards())
	assert.Equal(t, 7, matrix.ParityShards())

	off := FECConfig{}
	assert.False(t, off.Enabled())
	assert.Equal(t, 0, off.ParityShards())
}
