package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/cloud"
	"github.com/picklr-io/ec2-cli/internal/cloud/cloudtest"
)

type channelReader struct{ ch Channel }

func (r channelReader) Read(p []byte) (int, error) { return r.ch.Receive(p) }

func TestPluginBroker_EchoAndRelease(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	gw := cloudtest.New("us-east-1")

	var gotArgs []string
	b := NewPluginBroker(gw).WithStderr(io.Discard)
	b.binary = "cat"
	b.command = func(name string, args ...string) *exec.Cmd {
		gotArgs = args
		return exec.Command(name)
	}

	ch, err := b.Open(context.Background(), OpenRequest{InstanceID: "i-0abc", Region: "eu-west-1", AWSProfile: "dev"})
	require.NoError(t, err)
	assert.Len(t, gw.Sessions, 1)

	n, err := ch.Send([]byte("ping\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	buf := make([]byte, 5)
	_, err = io.ReadFull(channelReader{ch}, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, gw.Calls("TerminateSession"))
	assert.Empty(t, gw.Sessions)

	_, err = ch.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrChannelClosed)

	require.Len(t, gotArgs, 6)
	var token map[string]string
	require.NoError(t, json.Unmarshal([]byte(gotArgs[0]), &token))
	assert.NotEmpty(t, token["SessionId"])
	assert.NotEmpty(t, token["TokenValue"])
	assert.Equal(t, "eu-west-1", gotArgs[1])
	assert.Equal(t, "StartSession", gotArgs[2])
	assert.Equal(t, "dev", gotArgs[3])
	var params struct {
		Target       string
		DocumentName string
		Parameters   map[string][]string
	}
	require.NoError(t, json.Unmarshal([]byte(gotArgs[4]), &params))
	assert.Equal(t, "i-0abc", params.Target)
	assert.Equal(t, SSHDocument, params.DocumentName)
	assert.Equal(t, []string{"22"}, params.Parameters["portNumber"])
	assert.Equal(t, "https://ssm.eu-west-1.amazonaws.com", gotArgs[5])
}

func TestPluginBroker_CloseReportsPluginFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	gw := cloudtest.New("us-east-1")
	b := NewPluginBroker(gw).WithStderr(io.Discard)
	b.binary = "sh"
	b.command = func(name string, _ ...string) *exec.Cmd {
		return exec.Command(name, "-c", "echo 'stream url expired' >&2; exit 3")
	}

	ch, err := b.Open(context.Background(), OpenRequest{InstanceID: "i-0abc", Region: "us-east-1"})
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = ch.Receive(buf)
	assert.ErrorIs(t, err, io.EOF)

	err = ch.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Transport))
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "stream url expired")
	assert.Equal(t, err, ch.Close())
	assert.Equal(t, 1, gw.Calls("TerminateSession"))
}

func TestPluginBroker_MissingPlugin(t *testing.T) {
	gw := cloudtest.New("us-east-1")
	b := NewPluginBroker(gw)
	b.binary = "ec2-cli-no-such-plugin"

	_, err := b.Open(context.Background(), OpenRequest{InstanceID: "i-0abc", Region: "us-east-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Configuration))
	assert.Equal(t, 0, gw.Calls("StartSession"))
}

func TestPluginBroker_StartSessionDenied(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	gw := cloudtest.New("us-east-1")
	gw.FailNext("StartSession", cloud.NewError(cloud.Unauthorized, "StartSession", "AccessDeniedException", "denied"))
	b := NewPluginBroker(gw)
	b.binary = "cat"

	_, err := b.Open(context.Background(), OpenRequest{InstanceID: "i-0abc", Region: "us-east-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.CloudAPI))
	assert.True(t, cloud.Is(err, cloud.Unauthorized))
}

func TestChannelConn_LoopsShortWrites(t *testing.T) {
	ch := &shortChannel{max: 3}
	conn := newConn(ch, "i-0abc")
	n, err := conn.Write([]byte("abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "abcdefghij", string(ch.got))
	assert.Equal(t, 4, ch.calls)
	assert.Equal(t, "i-0abc", conn.RemoteAddr().String())

	stuck := newConn(&shortChannel{max: 0}, "i-0abc")
	_, err = stuck.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

type shortChannel struct {
	max   int
	got   []byte
	calls int
}

func (c *shortChannel) Send(p []byte) (int, error) {
	c.calls++
	if len(p) > c.max {
		p = p[:c.max]
	}
	c.got = append(c.got, p...)
	return len(p), nil
}

func (c *shortChannel) Receive([]byte) (int, error) { return 0, io.EOF }
func (c *shortChannel) Close() error                { return nil }
