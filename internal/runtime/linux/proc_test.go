//go:build linux

package linux

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcStat(t *testing.T) {
	line := "4242 (conv (box) x) S 1 4242 4242 0 -1 4194560 500 0 0 0 250 50 0 0 20 0 9 0 100 0 0"
	st, err := parseProcStat(4242, []byte(line))
	require.NoError(t, err)

	assert.Equal(t, byte('S'), st.State)
	assert.Equal(t, 1, st.PPID)
	assert.Equal(t, 4242, st.PGID)
	assert.Equal(t, 3*time.Second, st.CPU)
}

func TestParseProcStatTruncated(t *testing.T) {
	_, err := parseProcStat(1, []byte("1 (init"))
	assert.Error(t, err)
}

func TestParseRSSPrefersAnon(t *testing.T) {
	status := "Name:\tconv\nVmRSS:\t   20480 kB\nRssAnon:\t    8192 kB\nRssFile:\t   12288 kB\n"
	rss, err := parseRSS(strings.NewReader(status))
	require.NoError(t, err)
	assert.Equal(t, int64(8192*1024), rss)
}

func TestParseRSSFallsBackToVmRSS(t *testing.T) {
	rss, err := parseRSS(strings.NewReader("Name:\tconv\nVmRSS:\t 100 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(100*1024), rss)

	rss, err = parseRSS(strings.NewReader("Name:\tzombie\nState:\tZ (zombie)\n"))
	require.NoError(t, err)
	assert.Zero(t, rss)
}

func TestReadSelf(t *testing.T) {
	pid := os.Getpid()

	st, err := ReadProcStat(pid)
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), st.PPID)

	rss, err := ReadRSS(pid)
	require.NoError(t, err)
	assert.Positive(t, rss)

	members, err := GroupMembers(st.PGID)
	require.NoError(t, err)
	found := false
	for _, m := range members {
		found = found || m.PID == pid
	}
	assert.True(t, found)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}

func TestKillGroupRefusesInit(t *testing.T) {
	assert.Error(t, KillGroup(1))
	assert.Error(t, KillGroup(0))
}
