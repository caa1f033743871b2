package cmd

import (
	"fmt"
	"github.com/lemindz/discord/cutibot"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := cutibot.Version
	originalCommitSHA := cutibot.CommitSHA
	originalBuildTime := cutibot.BuildTime

	t.Cleanup(
		func() {
			cutibot.Version = originalVersion
			cutibot.CommitSHA = originalCommitSHA
			cutibot.BuildTime = originalBuildTime
		},
	)

	cutibot.Version = "1.0.0"
	cutibot.CommitSHA = "abc123"
	cutibot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		cutibot.Version,
		cutibot.CommitSHA,
		cutibot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
