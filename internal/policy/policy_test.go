package policy

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearPolicyEnv(t *testing.T) {
	keys := []string{
		"PICA_FILE_RETRIES_DEFAULT", "PICA_FILE_CONCURRENT_DEFAULT", "PICA_MAX_CONCURRENT",
	}
	for _, k := range sourceKeys {
		keys = append(keys, "PICA_FILE_RETRIES_"+k, "PICA_FILE_CONCURRENT_"+k)
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearPolicyEnv(t)
	s := FromEnv()
	assert.Equal(t, defaultFileRetries, s.FileRetriesDefault)
	assert.Equal(t, defaultFileConcurrent, s.FileConcurrentDefault)
	assert.Equal(t, defaultMaxConcurrent, s.MaxConcurrent)
}

func TestFromEnvPerSourceOverride(t *testing.T) {
	clearPolicyEnv(t)
	os.Setenv("PICA_FILE_RETRIES_JM", "5")
	os.Setenv("PICA_FILE_CONCURRENT_JM", "9")

	s := FromEnv()
	assert.Equal(t, 5, s.FileRetries("jm"))
	assert.Equal(t, 9, s.FileConcurrent("jm"))
	assert.Equal(t, defaultFileRetries, s.FileRetries("hitomi"))
}

func TestFromEnvClampsOutOfRangeValues(t *testing.T) {
	clearPolicyEnv(t)
	os.Setenv("PICA_MAX_CONCURRENT", "999")
	os.Setenv("PICA_FILE_CONCURRENT_DEFAULT", "0")

	s := FromEnv()
	assert.Equal(t, maxMaxConcurrent, s.MaxConcurrent)
	assert.Equal(t, minFileConcurrent, s.FileConcurrentDefault)
}

func TestWithMaxConcurrentClampsAndDoesNotMutateOriginal(t *testing.T) {
	base := Snapshot{MaxConcurrent: 4, FileRetriesBySource: map[string]int{}, FileConcurrentBySource: map[string]int{}}
	next := base.WithMaxConcurrent(1000)
	assert.Equal(t, maxMaxConcurrent, next.MaxConcurrent)
	assert.Equal(t, 4, base.MaxConcurrent, "WithMaxConcurrent must not mutate the receiver")
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	base := Snapshot{
		FileRetriesBySource:    map[string]int{"jm": 3},
		FileConcurrentBySource: map[string]int{},
	}
	clone := base.clone()
	clone.FileRetriesBySource["jm"] = 99
	assert.Equal(t, 3, base.FileRetriesBySource["jm"])
}

func TestStoreSwapReplacesWholeSnapshot(t *testing.T) {
	st := NewStore(Snapshot{MaxConcurrent: 4})
	next := st.Swap(Snapshot{MaxConcurrent: 10})
	assert.Equal(t, 10, next.MaxConcurrent)
	assert.Equal(t, 10, st.Get().MaxConcurrent)
}
