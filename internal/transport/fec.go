package transport

import (
	"fmt"
	"strconv"
	"strings"

	hyerrors "github.com/hylarana/hylarana/internal/errors"
)

// FECLayout selects how parity cells are arranged over a group.
type FECLayout string

const (
	// LayoutStaircase appends one parity cell per row of the group matrix.
	LayoutStaircase FECLayout = "staircase"
	// LayoutMatrix protects rows and columns, one parity cell per each.
	LayoutMatrix FECLayout = "matrix"
)

// ARQMode controls receiver-driven retransmission.
type ARQMode string

const (
	// ARQOnRequest retransmits specific missing cells when FEC cannot
	// reconstruct, provided they are still within their deadline window.
	ARQOnRequest ARQMode = "onreq"
	// ARQNever disables retransmission.
	ARQNever ARQMode = "never"
)

// FECConfig is the parsed forward-error-correction descriptor.
type FECConfig struct {
	Layout FECLayout
	Rows   int
	Cols   int
	ARQ    ARQMode
}

// Enabled reports whether parity cells are generated at all.
func (c FECConfig) Enabled() bool { return c.Rows > 0 && c.Cols > 0 }

// DataShards is the number of data cells per protection group.
func (c FECConfig) DataShards() int { return c.Rows * c.Cols }

// ParityShards is the number of parity cells per protection group.
func (c FECConfig) ParityShards() int {
	if !c.Enabled() {
		return 0
	}
	if c.Layout == LayoutMatrix {
		return c.Rows + c.Cols
	}
	return c.Rows
}

// ParseFEC parses the descriptor grammar
//
//	fec,layout:staircase|matrix,rows:<n>,cols:<n>,arq:onreq|never
//
// An empty descriptor disables FEC. Unknown schemes, keys, or values are
// rejected with MalformedInput rather than guessed at.
func ParseFEC(s string) (FECConfig, error) {
	cfg := FECConfig{Layout: LayoutStaircase, ARQ: ARQOnRequest}
	if s == "" {
		return cfg, nil
	}

	parts := strings.Split(s, ",")
	if parts[0] != "fec" {
		return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
			fmt.Errorf("unknown scheme %q", parts[0]))
	}

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
				fmt.Errorf("malformed field %q", part))
		}
		switch key {
		case "layout":
			switch FECLayout(value) {
			case LayoutStaircase, LayoutMatrix:
				cfg.Layout = FECLayout(value)
			default:
				return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
					fmt.Errorf("unknown layout %q", value))
			}
		case "rows":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > 64 {
				return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
					fmt.Errorf("rows %q out of range 1..64", value))
			}
			cfg.Rows = n
		case "cols":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > 64 {
				return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
					fmt.Errorf("cols %q out of range 1..64", value))
			}
			cfg.Cols = n
		case "arq":
			switch ARQMode(value) {
			case ARQOnRequest, ARQNever:
				cfg.ARQ = ARQMode(value)
			default:
				return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
					fmt.Errorf("unknown arq mode %q", value))
			}
		default:
			return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
				fmt.Errorf("unknown field %q", key))
		}
	}

	if (cfg.Rows == 0) != (cfg.Cols == 0) {
		return cfg, hyerrors.NewMalformedInput("parse fec descriptor",
			fmt.Errorf("rows and cols must both be set"))
	}
	return cfg, nil
}
