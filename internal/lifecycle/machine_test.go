package lifecycle

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allEvents() []Event {
	return []Event{
		{Kind: EventUp}, {Kind: EventInfraReady}, {Kind: EventLaunched}, {Kind: EventBooted},
		Fail("boom"), {Kind: EventDestroy}, {Kind: EventTerminated}, {Kind: EventVanished},
	}
}

func TestNextHappyPath(t *testing.T) {
	s := Status{Phase: Requested}
	for _, ev := range []EventKind{EventUp, EventInfraReady, EventLaunched, EventBooted} {
		var err error
		s, err = Next(s, Event{Kind: ev})
		require.NoError(t, err)
	}
	assert.Equal(t, Status{Phase: Ready}, s)

	s, err := Next(s, Event{Kind: EventDestroy})
	require.NoError(t, err)
	assert.Equal(t, Terminating, s.Phase)
	s, err = Next(s, Event{Kind: EventTerminated})
	require.NoError(t, err)
	assert.Equal(t, Terminated, s.Phase)
}

func TestNextIsTotal(t *testing.T) {
	for _, p := range Phases() {
		for _, ev := range allEvents() {
			from := Status{Phase: p}
			got, err := Next(from, ev)
			if err != nil {
				var te *TransitionError
				require.True(t, errors.As(err, &te), "%s on %s", ev.Kind, p)
				assert.Equal(t, from, got, "rejected transitions leave status unchanged")
				continue
			}
			assert.Contains(t, Phases(), got.Phase)
		}
	}
}

func TestFailedReachableFromEveryNonTerminalPhase(t *testing.T) {
	for _, p := range []Phase{Requested, Provisioning, Launched, Booting, Ready, Terminating} {
		got, err := Next(Status{Phase: p}, Fail(ReasonBootTimeout))
		require.NoError(t, err, p.String())
		assert.Equal(t, Status{Phase: Failed, Reason: ReasonBootTimeout}, got)
	}
	_, err := Next(Status{Phase: Terminated}, Fail("x"))
	assert.Error(t, err)
}

func TestEveryPathEndsTerminal(t *testing.T) {
	// Exhaustively apply events from Requested; every reachable phase must
	// have a path to Ready, Failed or Terminated.
	seen := map[Phase]bool{}
	queue := []Phase{Requested}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, ev := range allEvents() {
			if next, err := Next(Status{Phase: p}, ev); err == nil {
				queue = append(queue, next.Phase)
			}
		}
	}
	for p := range seen {
		if p.Terminal() {
			continue
		}
		next, err := Next(Status{Phase: p}, Fail("deadline"))
		require.NoError(t, err)
		assert.True(t, next.Phase.Terminal())
	}
}

func TestDestroyAndVanish(t *testing.T) {
	got, err := Next(Status{Phase: Failed, Reason: "boot-timeout"}, Event{Kind: EventDestroy})
	require.NoError(t, err)
	assert.Equal(t, Terminating, got.Phase)

	_, err = Next(Status{Phase: Terminated}, Event{Kind: EventDestroy})
	assert.Error(t, err)

	got, err = Next(Status{Phase: Ready}, Event{Kind: EventVanished})
	require.NoError(t, err)
	assert.Equal(t, Status{Phase: Terminated, Reason: ReasonVanished}, got)
}

func TestPhaseText(t *testing.T) {
	data, err := json.Marshal(Status{Phase: Failed, Reason: "terminate-timeout"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"failed","reason":"terminate-timeout"}`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`{"phase":"booting"}`), &s))
	assert.Equal(t, Booting, s.Phase)
	assert.Error(t, json.Unmarshal([]byte(`{"phase":"exploded"}`), &s))

	assert.Equal(t, "failed(boot-timeout)", Status{Phase: Failed, Reason: "boot-timeout"}.String())
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"dev", "a", "dev-1a2b3c4d", "0day"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", "-dev", "Dev", "dev_1", "dev.1", "dev 1", "a/b", "abcdefghijklmnopqrstuvwxyz0123456789abcde"} {
		assert.Error(t, ValidateName(bad), bad)
	}
}
