package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/lifecycle"
)

func TestOpen_RequiresReady(t *testing.T) {
	h := newHarness(t, nil)

	for _, st := range []lifecycle.Status{
		{Phase: lifecycle.Requested},
		{Phase: lifecycle.Booting},
		{Phase: lifecycle.Failed, Reason: "boot-timeout"},
		{Phase: lifecycle.Terminating},
		{Phase: lifecycle.Terminated},
	} {
		t.Run(st.Phase.String(), func(t *testing.T) {
			env := readyEnv()
			env.Status = st
			_, err := h.transport.Open(context.Background(), env, Shell)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.NotReady), "got %v", err)
		})
	}

	noInstance := readyEnv()
	noInstance.InstanceID = ""
	_, err := h.transport.Open(context.Background(), noInstance, Copy)
	assert.True(t, errors.Is(err, apperr.NotReady))

	_, err = h.transport.Open(context.Background(), nil, Pipe)
	assert.True(t, errors.Is(err, apperr.NotReady))

	assert.Equal(t, 0, h.broker.Opens(), "no broker channel for a non-ready environment")
}

func TestOpen_PassesInstanceToBroker(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, Shell)

	require.Len(t, h.broker.requests, 1)
	req := h.broker.requests[0]
	assert.Equal(t, "i-0123456789abcdef0", req.InstanceID)
	assert.Equal(t, "us-east-1", req.Region)
	assert.Equal(t, "sandbox", req.AWSProfile)
	assert.Equal(t, DefaultPort, req.Port)
}

func TestRun_ExitStatus(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, Shell)

	var out bytes.Buffer
	code, err := s.Run(context.Background(), "echo hello", nil, &out, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", out.String())

	code, err = s.Run(context.Background(), "exit 3", nil, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestRun_ShortWritesAndLatency(t *testing.T) {
	h := newHarness(t, func(c *memChannel) {
		c.maxWrite = 5
		c.latency = 50 * time.Microsecond
	})
	s := h.open(t, Shell)

	input := strings.Repeat("abcdefghij", 400)
	var out bytes.Buffer
	code, err := s.Run(context.Background(), "cat", strings.NewReader(input), &out, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, input, out.String())
	assert.Greater(t, h.broker.last().sends.Load(), int64(len(input)/5))
}

func TestRun_CancelClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, Shell)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := s.Run(ctx, "sleep 5", nil, io.Discard, io.Discard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Cancelled), "got %v", err)
	assert.True(t, h.broker.last().closed.Load(), "broker channel released on interrupt")
}

func TestRun_ChannelLossIsTransportError(t *testing.T) {
	h := newHarness(t, func(c *memChannel) { c.dropAfter = 32 << 10 })
	s := h.open(t, Shell)

	_, err := s.Run(context.Background(), "head -c 1048576 /dev/zero", nil, io.Discard, io.Discard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Transport), "got %v", err)
}

func TestShell_CommandWithoutTTY(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, Shell)

	var out bytes.Buffer
	code, err := s.Shell(context.Background(), Terminal{In: strings.NewReader(""), Out: &out, Err: io.Discard}, "echo $((1+2))")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "3\n", out.String())
}

func TestShell_InteractiveStdin(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, Shell)

	var out bytes.Buffer
	in := strings.NewReader("echo hi\nexit 4\n")
	code, err := s.Shell(context.Background(), Terminal{In: in, Out: &out, Err: io.Discard}, "")
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, "hi\n", out.String())
}

func TestCapabilityMismatch(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, Copy)

	_, err := s.Shell(context.Background(), Terminal{In: strings.NewReader("")}, "true")
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	_, err = s.OpenPipe("true", io.Discard)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestForward_PipesRemoteCommand(t *testing.T) {
	h := newHarness(t, nil)
	s := h.open(t, Pipe)

	var out bytes.Buffer
	code, err := s.Forward(context.Background(), "tr a-z A-Z", strings.NewReader("push me\n"), &out, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "PUSH ME\n", out.String())
}

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.transport.Open(context.Background(), h.env, Shell)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_ = s.Close()
	assert.True(t, h.broker.last().closed.Load())
}
