package contracts

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	saved := GitCommit
	defer func() { GitCommit = saved }()

	GitCommit = "0123456789abcdef0123"
	info := Build()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, APIVersion, info.APIVersion)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, "0123456789abcdef0123", info.GitCommit)

	s := info.String()
	assert.True(t, strings.HasPrefix(s, Version+" (api v1, commit 0123456789ab,"))
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestBuildInfoStringUnknownCommit(t *testing.T) {
	info := BuildInfo{Version: "2.0.0", APIVersion: "v1", GoVersion: "go1.24", Platform: "linux/amd64"}
	assert.Equal(t, "2.0.0 (api v1, commit unknown, go1.24 linux/amd64)", info.String())
}
