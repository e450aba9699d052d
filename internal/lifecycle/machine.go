// Package lifecycle drives one environment from request to ready and from
// ready to terminated.
package lifecycle

import (
	"fmt"
	"strings"
)

// Phase is one state of the environment lifecycle.
type Phase int

const (
	Requested Phase = iota
	Provisioning
	Launched
	Booting
	Ready
	Failed
	Terminating
	Terminated
)

var phaseNames = [...]string{
	Requested:    "requested",
	Provisioning: "provisioning",
	Launched:     "launched",
	Booting:      "booting",
	Ready:        "ready",
	Failed:       "failed",
	Terminating:  "terminating",
	Terminated:   "terminated",
}

// Phases lists every phase in order.
func Phases() []Phase {
	return []Phase{Requested, Provisioning, Launched, Booting, Ready, Failed, Terminating, Terminated}
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(phaseNames) {
		return nil, fmt.Errorf("invalid lifecycle phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Terminal reports whether the phase ends a lifecycle run. Failed is
// terminal for the launch path but can still be destroyed.
func (p Phase) Terminal() bool {
	return p == Ready || p == Failed || p == Terminated
}

// Status is a phase and, for Failed, the reason.
type Status struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return s.Phase.String()
}

// EventKind names what happened.
type EventKind int

const (
	// EventUp starts provisioning.
	EventUp EventKind = iota
	// EventInfraReady means convergence succeeded and launch may be issued.
	EventInfraReady
	// EventLaunched means the provider returned an instance id.
	EventLaunched
	// EventBooted means the sentinel and broker registration were observed.
	EventBooted
	// EventFail records a failure reason.
	EventFail
	// EventDestroy starts termination.
	EventDestroy
	// EventTerminated means the provider reports the instance gone.
	EventTerminated
	// EventVanished means the instance disappeared out of band.
	EventVanished
)

var eventNames = map[EventKind]string{
	EventUp:         "up",
	EventInfraReady: "infra-ready",
	EventLaunched:   "launched",
	EventBooted:     "booted",
	EventFail:       "fail",
	EventDestroy:    "destroy",
	EventTerminated: "terminated",
	EventVanished:   "vanished",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event drives a transition.
type Event struct {
	Kind   EventKind
	Reason string
}

// Fail builds an EventFail with a reason.
func Fail(reason string) Event { return Event{Kind: EventFail, Reason: reason} }

// Failure reasons recorded by the orchestrator.
const (
	ReasonBootTimeout      = "boot-timeout"
	ReasonTerminateTimeout = "terminate-timeout"
	ReasonInstanceGone     = "instance-terminated"
	ReasonVanished         = "terminated out of band"
)

// TransitionError reports an event that is not valid in the current phase.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Event.Kind, e.From)
}

// Next returns the status reached by applying ev to s. It is defined for
// every (phase, event) pair; pairs that are not transitions return a
// *TransitionError and leave the status unchanged.
func Next(s Status, ev Event) (Status, error) {
	bad := func() (Status, error) { return s, &TransitionError{From: s, Event: ev} }

	switch ev.Kind {
	case EventUp:
		if s.Phase == Requested {
			return Status{Phase: Provisioning}, nil
		}
	case EventInfraReady:
		if s.Phase == Provisioning {
			return Status{Phase: Launched}, nil
		}
	case EventLaunched:
		if s.Phase == Launched {
			return Status{Phase: Booting}, nil
		}
	case EventBooted:
		if s.Phase == Booting {
			return Status{Phase: Ready}, nil
		}
	case EventFail:
		switch s.Phase {
		case Failed, Terminated:
			return bad()
		}
		reason := ev.Reason
		if reason == "" {
			reason = "unknown"
		}
		return Status{Phase: Failed, Reason: reason}, nil
	case EventDestroy:
		if s.Phase != Terminated {
			return Status{Phase: Terminating}, nil
		}
	case EventTerminated:
		if s.Phase == Terminating {
			return Status{Phase: Terminated}, nil
		}
	case EventVanished:
		if s.Phase == Terminated {
			return s, nil
		}
		reason := ev.Reason
		if reason == "" {
			reason = ReasonVanished
		}
		return Status{Phase: Terminated, Reason: reason}, nil
	}
	return bad()
}
