package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// idCounter backs GenerateFitID when the random source fails.
var idCounter uint64

// GenerateFitID generates a fit run ID with a timestamp prefix
func GenerateFitID() string {
	timestamp := time.Now().Format("20060102-150405")
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		count := atomic.AddUint64(&idCounter, 1)
		return fmt.Sprintf("fit-%s-%x", timestamp, count)
	}
	return fmt.Sprintf("fit-%s-%s", timestamp, hex.EncodeToString(b))
}

// GenerateAnalysisName returns a name not present in taken, using base,
// "base 2", "base 3", ...
func GenerateAnalysisName(base string, taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, name := range taken {
		used[name] = true
	}
	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s %d", base, i)
		if !used[name] {
			return name
		}
	}
}
