package engine

import "fmt"

// State is the lifecycle position of one render connection.
type State int

const (
	StateConnecting State = iota
	StateAwaitingFirstRequest
	StateActive
	// StateIdle is a maintained connection with no render in flight. No
	// deadline is armed.
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingFirstRequest:
		return "awaiting_first_request"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives the lifecycle.
type Event int

const (
	EventStart Event = iota
	EventRenderBegin
	EventRenderEnd
	EventHeartbeat
	EventGraceExpired
	EventActiveExpired
	// EventPeerGone reports the transport ended (read error, server
	// shutdown).
	EventPeerGone
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventRenderBegin:
		return "render_begin"
	case EventRenderEnd:
		return "render_end"
	case EventHeartbeat:
		return "heartbeat"
	case EventGraceExpired:
		return "grace_expired"
	case EventActiveExpired:
		return "active_expired"
	case EventPeerGone:
		return "peer_gone"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Effect is an action the session performs after a transition, in order.
type Effect int

const (
	EffectSendHandshake Effect = iota
	EffectArmGrace
	EffectArmActive
	EffectDisarmAll
	EffectSendTimeout
	EffectClose
)

func (e Effect) String() string {
	switch e {
	case EffectSendHandshake:
		return "send_handshake"
	case EffectArmGrace:
		return "arm_grace"
	case EffectArmActive:
		return "arm_active"
	case EffectDisarmAll:
		return "disarm_all"
	case EffectSendTimeout:
		return "send_timeout"
	case EffectClose:
		return "close"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Lifecycle is the connection state machine. It holds no timers; Apply
// returns the effects the owner must carry out. The zero value is a
// connection that has just been accepted.
//
// Invariants: Active never goes negative, and a connection whose last render
// ends while not maintained is closed.
type Lifecycle struct {
	state      State
	active     int
	maintained bool
	rendered   bool
}

func (l *Lifecycle) State() State      { return l.state }
func (l *Lifecycle) Active() int       { return l.active }
func (l *Lifecycle) Maintained() bool  { return l.maintained }
func (l *Lifecycle) Closed() bool      { return l.state == StateClosed }
func (l *Lifecycle) HasRendered() bool { return l.rendered }

// Apply performs the transition for ev and returns the resulting effects.
// Events that do not apply to the current state, including stale deadline
// expiries, return no effects.
func (l *Lifecycle) Apply(ev Event) []Effect {
	if l.state == StateClosed {
		return nil
	}

	switch ev {
	case EventStart:
		if l.state != StateConnecting {
			return nil
		}
		if l.maintained {
			l.state = StateIdle
			return []Effect{EffectSendHandshake}
		}
		l.state = StateAwaitingFirstRequest
		return []Effect{EffectSendHandshake, EffectArmGrace}

	case EventRenderBegin:
		l.active++
		l.rendered = true
		l.state = StateActive
		if l.maintained {
			return nil
		}
		// Arming the active deadline replaces the grace deadline.
		return []Effect{EffectDisarmAll, EffectArmActive}

	case EventRenderEnd:
		if l.active == 0 {
			return nil
		}
		l.active--
		if l.active > 0 {
			return nil
		}
		if l.maintained {
			l.state = StateIdle
			return []Effect{EffectDisarmAll}
		}
		l.state = StateClosed
		return []Effect{EffectDisarmAll, EffectClose}

	case EventHeartbeat:
		l.maintained = true
		if l.active == 0 && l.state != StateConnecting {
			l.state = StateIdle
		}
		return []Effect{EffectDisarmAll}

	case EventGraceExpired:
		if l.maintained || l.state != StateAwaitingFirstRequest || l.rendered {
			return nil
		}
		l.state = StateClosed
		return []Effect{EffectDisarmAll, EffectSendTimeout, EffectClose}

	case EventActiveExpired:
		if l.maintained || l.state != StateActive || l.active == 0 {
			return nil
		}
		l.state = StateClosed
		return []Effect{EffectDisarmAll, EffectSendTimeout, EffectClose}

	case EventPeerGone:
		l.state = StateClosed
		return []Effect{EffectDisarmAll, EffectClose}
	}
	return nil
}
