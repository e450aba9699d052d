package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

func TestParseTransfer(t *testing.T) {
	tests := []struct {
		name     string
		src, dst string
		want     Transfer
		wantErr  bool
	}{
		{name: "upload", src: "./main.go", dst: ":src/main.go", want: Transfer{Local: "./main.go", Remote: "src/main.go", Upload: true}},
		{name: "download", src: ":/var/log/ec2-cli-init.log", dst: ".", want: Transfer{Local: ".", Remote: "/var/log/ec2-cli-init.log"}},
		{name: "upload to home", src: "notes.txt", dst: ":", want: Transfer{Local: "notes.txt", Remote: "", Upload: true}},
		{name: "both remote", src: ":a", dst: ":b", wantErr: true},
		{name: "both local", src: "a", dst: "b", wantErr: true},
		{name: "newline in remote", src: "a", dst: ":b\nc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTransfer(tt.src, tt.dst)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperr.UserInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoteTarget(t *testing.T) {
	assert.Equal(t, "file.txt", remoteTarget("", "file.txt"))
	assert.Equal(t, "file.txt", remoteTarget("~", "file.txt"))
	assert.Equal(t, "file.txt", remoteTarget("~/", "file.txt"))
	assert.Equal(t, "src/file.txt", remoteTarget("~/src/", "file.txt"))
	assert.Equal(t, "/tmp/file.txt", remoteTarget("/tmp/", "file.txt"))
	assert.Equal(t, "/tmp/renamed", remoteTarget("/tmp/renamed", "file.txt"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, `'$(rm -rf /)'`, shellQuote("$(rm -rf /)"))
}
