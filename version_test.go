package mailpool

import (
	"bytes"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVersion(&buf, true))

	var info VersionInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.NotEmpty(t, info.Version)

	buf.Reset()
	require.NoError(t, WriteVersion(&buf, false))
	assert.Contains(t, buf.String(), "mailpool ")
	// Test binaries carry no release version.
	assert.Contains(t, buf.String(), "(development build)")
}

func TestVersionInfo(t *testing.T) {
	v := VersionInfo{
		Version:   "1.4.0",
		GitCommit: "abc123",
		BuildDate: "unknown",
		GoVersion: "go1.23.4",
		Platform:  "linux/amd64",
		Modified:  true,
	}

	assert.Equal(t, "mailpool 1.4.0, commit abc123-dirty, go1.23.4, linux/amd64", v.String())
	assert.Equal(t, "mailpool/1.4.0", v.UserAgent())
	assert.True(t, v.IsDevBuild())

	v.Modified = false
	assert.False(t, v.IsDevBuild())
}
