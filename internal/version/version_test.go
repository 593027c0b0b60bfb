package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	old, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = old, oldCommit })

	Version, GitCommit = "v1.2.3", "abc1234"
	assert.Equal(t, "v1.2.3 (abc1234)", String())
	assert.Equal(t, "helpdesk/v1.2.3", UserAgent())

	info := GetInfo()
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.True(t, strings.HasPrefix(info.Full(), "v1.2.3 (abc1234) built "))
	assert.True(t, strings.HasSuffix(info.Full(), runtime.Version()))
}
