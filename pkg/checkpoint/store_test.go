package checkpoint

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, config Config) *Store {
	t.Helper()
	s, err := Open(config, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeLog(t *testing.T, dir string, set Set, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(Config{Dir: dir}.Path(set), []byte(content), 0o644))
}

func TestOpen_MissingLogsAreEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s := openStore(t, Config{Dir: dir})

	for _, set := range Sets {
		assert.Zero(t, s.Len(set), "set %s", set)
		assert.FileExists(t, Config{Dir: dir}.Path(set))
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{}, zerolog.Nop())
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestRecordTerminal_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.RecordTerminal("1", Committed))
	require.NoError(t, s.RecordTerminal("2", Excluded))
	require.NoError(t, s.RecordTerminal("3", Exhausted))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(Config{Dir: dir}.Path(Committed))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))

	reopened := openStore(t, Config{Dir: dir})
	assert.Equal(t, []harvest.Key{"1"}, reopened.Keys(Committed))
	assert.Equal(t, []harvest.Key{"2"}, reopened.Keys(Excluded))
	assert.Equal(t, []harvest.Key{"3"}, reopened.Keys(Exhausted))
}

func TestKeys_LoadAndAppendOrder(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, Committed, "30\n10\n30\n20\n")

	s := openStore(t, Config{Dir: dir})
	require.NoError(t, s.RecordTerminal("5", Committed))
	assert.Equal(t, []harvest.Key{"30", "10", "20", "5"}, s.Keys(Committed))
	assert.Equal(t, 4, s.Len(Committed))

	keys := s.Keys(Committed)
	keys[0] = "changed"
	assert.Equal(t, harvest.Key("30"), s.Keys(Committed)[0])
	assert.Empty(t, s.Keys(Excluded))
}

func TestRecordTerminal_IdempotentInSameSet(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, Config{Dir: dir})

	require.NoError(t, s.RecordTerminal("7", Committed))
	require.NoError(t, s.RecordTerminal("7", Committed))

	data, err := os.ReadFile(Config{Dir: dir}.Path(Committed))
	require.NoError(t, err)
	assert.Equal(t, "7\n", string(data), "second record must not append a duplicate line")
}

func TestRecordTerminal_ConflictAcrossSets(t *testing.T) {
	s := openStore(t, Config{Dir: t.TempDir()})

	require.NoError(t, s.RecordTerminal("7", Excluded))
	err := s.RecordTerminal("7", Committed)
	require.ErrorIs(t, err, ErrConflict)

	set, ok := s.Contains("7")
	assert.True(t, ok)
	assert.Equal(t, Excluded, set)
}

func TestRecordTerminal_RejectsInvalidKey(t *testing.T) {
	s := openStore(t, Config{Dir: t.TempDir()})
	assert.Error(t, s.RecordTerminal("a b", Committed))
	assert.Error(t, s.RecordTerminal("", Committed))
}

func TestRecordTerminal_AfterClose(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.RecordTerminal("1", Committed), ErrClosed)
}

func TestOpen_CorruptLineIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, Committed, "10\n20 30\n40\n")

	_, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "line 2")
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestOpen_KeyInTwoSetsIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, Committed, "10\n")
	writeLog(t, dir, Exhausted, "10\n")

	_, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen_UnreadableLogIsFatal(t *testing.T) {
	dir := t.TempDir()
	// A directory where a log file is expected cannot be read.
	require.NoError(t, os.Mkdir(Config{Dir: dir}.Path(Excluded), 0o755))

	_, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.Error(t, err)
}

func TestOpen_TornFinalLineDropped(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, Committed, "10\n20\n3")

	s := openStore(t, Config{Dir: dir})
	assert.Equal(t, []harvest.Key{"10", "20"}, s.Keys(Committed))

	require.NoError(t, s.RecordTerminal("30", Committed))
	data, err := os.ReadFile(Config{Dir: dir}.Path(Committed))
	require.NoError(t, err)
	assert.Equal(t, "10\n20\n30\n", string(data))
}

func TestOpen_ToleratesBlankLinesCRLFAndBOM(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, Excluded, "\xef\xbb\xbf10\r\n\n20\r\n")

	s := openStore(t, Config{Dir: dir})
	assert.Equal(t, []harvest.Key{"10", "20"}, s.Keys(Excluded))
}

func TestOpen_ResetExhausted(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, Committed, "1\n")
	writeLog(t, dir, Exhausted, "3\n")

	s := openStore(t, Config{Dir: dir, ResetExhausted: true})
	assert.Zero(t, s.Len(Exhausted))
	assert.Equal(t, 1, s.Len(Committed))
	assert.Equal(t, []harvest.Key{"3"}, s.Pending([]harvest.Key{"1", "3"}))
}

func TestPending_FiltersAndDeduplicates(t *testing.T) {
	s := openStore(t, Config{Dir: t.TempDir()})
	require.NoError(t, s.RecordTerminal("2", Committed))
	require.NoError(t, s.RecordTerminal("4", Excluded))

	got := s.Pending([]harvest.Key{"1", "2", "3", "1", "4", "5"})
	assert.Equal(t, []harvest.Key{"1", "3", "5"}, got)
}

func TestClaim(t *testing.T) {
	s := openStore(t, Config{Dir: t.TempDir()})
	require.NoError(t, s.RecordTerminal("done", Committed))

	assert.False(t, s.Claim("done"), "recorded key must not be claimable")
	assert.True(t, s.Claim("k"))
	assert.False(t, s.Claim("k"), "in-flight key must not be claimable twice")

	s.Release("k")
	assert.True(t, s.Claim("k"), "released key is claimable again")

	require.NoError(t, s.RecordTerminal("k", Exhausted))
	assert.False(t, s.Claim("k"))
}

func TestClaim_Concurrent(t *testing.T) {
	s := openStore(t, Config{Dir: t.TempDir()})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim("shared") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRecordTerminal_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, Config{Dir: dir})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := harvest.Key(string(rune('a'+i%26)) + string(rune('a'+i/26)))
			assert.NoError(t, s.RecordTerminal(key, Committed))
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	reopened := openStore(t, Config{Dir: dir})
	assert.Equal(t, 100, reopened.Len(Committed))
}

func TestReportMalformed(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, Config{Dir: dir})

	require.NoError(t, s.ReportMalformed("9", "decode reviews:\n unexpected\tEOF"))

	data, err := os.ReadFile(filepath.Join(dir, malformedReport))
	require.NoError(t, err)
	assert.Equal(t, "9\tdecode reviews: unexpected EOF\n", string(data))

	assert.Zero(t, s.Len(Exhausted), "malformed report is not a checkpoint set")
}

func TestCrashResume_CommittedKeyNotReprocessed(t *testing.T) {
	dir := t.TempDir()

	// First process records the key, then "crashes" without closing.
	s, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, s.Claim("K"))
	require.NoError(t, s.RecordTerminal("K", Committed))

	restarted := openStore(t, Config{Dir: dir})
	assert.Empty(t, restarted.Pending([]harvest.Key{"K"}))
	assert.False(t, restarted.Claim("K"))
}
