package host

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseProcMaps parses a Linux /proc/<pid>/maps file into ImageInfo
// segments, one per distinct mapped path. Used as a fallback source
// for MEMORY_INFO when a Host implementation has no cheaper way to
// enumerate the target's loaded images (original_source's
// get_os_segments() Linux path).
func ParseProcMaps(path string) ([]ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("host: open %s: %w", path, err)
	}
	defer f.Close()
	return parseProcMaps(f)
}

func parseProcMaps(r io.Reader) ([]ImageInfo, error) {
	var out []ImageInfo
	seen := make(map[string]int) // path -> index into out

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		base, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}

		name := ""
		if len(fields) >= 6 {
			name = fields[5]
		}
		if name == "" {
			continue // anonymous mapping, no module to report
		}

		size := uint32(end - base)
		if idx, ok := seen[name]; ok {
			// Extend the existing module's size to cover this segment
			// too, rather than reporting each mapped region separately.
			if end > out[idx].Base+uint64(out[idx].Size) {
				out[idx].Size = uint32(end - out[idx].Base)
			}
			continue
		}
		seen[name] = len(out)
		out = append(out, ImageInfo{Name: name, Base: base, Size: size})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("host: scan maps: %w", err)
	}
	return out, nil
}
