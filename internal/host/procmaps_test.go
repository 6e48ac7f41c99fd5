package host

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 1234 /bin/cat
00651000-00652000 rw-p 00051000 08:02 1234 /bin/cat
7f1000000000-7f1000021000 r-xp 00000000 08:02 5678 /lib/x86_64-linux-gnu/libc.so.6
7ffe00000000-7ffe00021000 rw-p 00000000 00:00 0
`

func TestParseProcMapsMergesSegments(t *testing.T) {
	images, err := parseProcMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, images, 2)

	require.Equal(t, "/bin/cat", images[0].Name)
	require.Equal(t, uint64(0x00400000), images[0].Base)
	require.Equal(t, uint32(0x00652000-0x00400000), images[0].Size)

	require.Equal(t, "/lib/x86_64-linux-gnu/libc.so.6", images[1].Name)
}

func TestParseProcMapsSkipsAnonymous(t *testing.T) {
	images, err := parseProcMaps(strings.NewReader("7ffe00000000-7ffe00021000 rw-p 00000000 00:00 0 \n"))
	require.NoError(t, err)
	require.Len(t, images, 0)
}
