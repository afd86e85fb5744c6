package fitd

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// Fingerprint identifies a dataset/model pair. Two requests with the same
// model id and bit-identical samples hash equal.
func Fingerprint(model string, s *models.Series) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(model)
	_, _ = d.Write([]byte{0})

	var buf [8]byte
	writeChannel := func(tag byte, values []float64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(values)))
		_, _ = d.Write([]byte{tag})
		_, _ = d.Write(buf[:])
		for _, v := range values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			_, _ = d.Write(buf[:])
		}
	}
	if s != nil {
		writeChannel('t', s.Time)
		writeChannel('p', s.Pressure)
		writeChannel('d', s.Derivative)
	}
	return d.Sum64()
}
