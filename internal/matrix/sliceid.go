package matrix

import (
	"fmt"
	"strings"
)

// SliceID renders <config>_<strategy>_<benchmark>.
func SliceID(config, strategy, benchmark string) string {
	return config + "_" + strategy + "_" + benchmark
}

// ParseSliceID splits a slice id. The first segment is the config, the last
// the benchmark, and everything between (which may contain '_') the strategy.
func ParseSliceID(id string) (config, strategy, benchmark string, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("invalid slice id %q: want <config>_<strategy>_<benchmark>", id)
	}
	config = parts[0]
	benchmark = parts[len(parts)-1]
	strategy = strings.Join(parts[1:len(parts)-1], "_")
	if config == "" || strategy == "" || benchmark == "" {
		return "", "", "", fmt.Errorf("invalid slice id %q: empty segment", id)
	}
	return config, strategy, benchmark, nil
}
