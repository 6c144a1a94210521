package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/hylarana/hylarana/internal/packet"
)

// AnnexBFlags inspects an H.264 Annex-B access unit and derives the packet
// flags a hardware backend may not have signaled: IDR slices mark key
// frames, SPS/PPS mark parameter sets. Undecodable data reports no flags.
func AnnexBFlags(data []byte) packet.Flags {
	au, err := h264.AnnexBUnmarshal(data)
	if err != nil {
		return 0
	}

	var flags packet.Flags
	if h264.IDRPresent(au) {
		flags |= packet.FlagKeyFrame
	}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			flags |= packet.FlagConfigHeader
		}
	}
	return flags
}
