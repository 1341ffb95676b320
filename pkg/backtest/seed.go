package backtest

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// DeriveSeed returns the seed for unit i (a fold or a simulation) of a run
// seeded with base. It depends only on (base, i), so results do not depend
// on scheduling order or worker count.
func DeriveSeed(base int64, i int) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(base))
	binary.LittleEndian.PutUint64(buf[8:], uint64(i))
	return int64(xxhash.Sum64(buf[:]) & 0x7fffffffffffffff)
}
