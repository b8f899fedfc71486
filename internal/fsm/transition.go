package fsm

// EventKind identifies an input to the state machine.
type EventKind string

const (
	ConnectRequested         EventKind = "connectRequested"
	DisconnectRequested      EventKind = "disconnectRequested"
	TransportOpened          EventKind = "transportOpened"
	TransportClosedOrErrored EventKind = "transportClosedOrErrored"
	RetryTimerFired          EventKind = "retryTimerFired"
	LocationChanged          EventKind = "locationChanged"
)

// Event is an input to Transition.
type Event struct {
	Kind EventKind
	// HasAlternate is set on RetryTimerFired when the selected location has
	// a sibling endpoint to try.
	HasAlternate bool
}

// EffectKind identifies a side effect requested by a transition.
type EffectKind string

const (
	OpenTransport      EffectKind = "openTransport"
	CloseTransport     EffectKind = "closeTransport"
	ScheduleRetry      EffectKind = "scheduleRetry"
	CancelRetry        EffectKind = "cancelRetry"
	RefreshCredentials EffectKind = "refreshCredentials"
)

// Effect is a side effect to perform, in order, after a transition.
type Effect struct {
	Kind EffectKind
	// DelayMs is the wait for ScheduleRetry.
	DelayMs int64
	// Alternate asks OpenTransport to use a sibling of the selected endpoint.
	Alternate bool
}

// Result is the outcome of applying one event.
type Result struct {
	Snapshot
	Effects []Effect
	// Handled is false when the event is not valid in the current state; the
	// snapshot is then returned unchanged and there are no effects.
	Handled bool
}

// Transition computes the next snapshot and effects for ev. It never fails:
// events that do not apply to the current state are reported as unhandled.
func Transition(p Policy, cur Snapshot, ev Event) Result {
	ctx := cur.Context

	switch ev.Kind {
	case ConnectRequested:
		switch cur.State {
		case Idle, DisconnectedIdle:
			return handled(ConnectingIdle, ctx, Effect{Kind: OpenTransport})
		case DisconnectedRetrying:
			return handled(ConnectingRetrying, ctx,
				Effect{Kind: CancelRetry},
				Effect{Kind: OpenTransport},
			)
		}

	case TransportOpened:
		if cur.State.IsConnecting() {
			return handled(Connected, p.InitialContext())
		}

	case TransportClosedOrErrored:
		if cur.State.IsConnecting() || cur.State == Connected {
			return fail(p, ctx)
		}

	case RetryTimerFired:
		if cur.State != DisconnectedRetrying {
			break
		}
		var effects []Effect
		ctx.TimeSinceLastRetryWithRefreshMs += ctx.CurrentReconnectionDelayMs
		if ctx.TimeSinceLastRetryWithRefreshMs >= p.RefreshAfterMs {
			effects = append(effects, Effect{Kind: RefreshCredentials})
			ctx.TimeSinceLastRetryWithRefreshMs = 0
		}
		alternate := ev.HasAlternate && !ctx.RetriedConnectToOtherEndpoint
		if alternate {
			ctx.RetriedConnectToOtherEndpoint = true
		}
		effects = append(effects, Effect{Kind: OpenTransport, Alternate: alternate})
		return handled(ConnectingRetrying, ctx, effects...)

	case DisconnectRequested:
		switch cur.State {
		case Connected, ConnectingIdle, ConnectingRetrying:
			return handled(DisconnectedIdle, p.InitialContext(), Effect{Kind: CloseTransport})
		case DisconnectedRetrying:
			return handled(DisconnectedIdle, p.InitialContext(), Effect{Kind: CancelRetry})
		}

	case LocationChanged:
		switch cur.State {
		case Connected, ConnectingIdle, ConnectingRetrying:
			return handled(ConnectingIdle, p.InitialContext(),
				Effect{Kind: CloseTransport},
				Effect{Kind: OpenTransport},
			)
		case DisconnectedRetrying:
			return handled(ConnectingIdle, p.InitialContext(),
				Effect{Kind: CancelRetry},
				Effect{Kind: OpenTransport},
			)
		}
	}

	return Result{Snapshot: cur}
}

// Resume re-arms a snapshot restored from storage. A transport cannot survive
// a restart, so connected and connecting states are treated as a lost
// connection; a pending retry gets its timer back.
func Resume(p Policy, cur Snapshot) Result {
	switch {
	case cur.State == Connected || cur.State.IsConnecting():
		return fail(p, cur.Context)
	case cur.State == DisconnectedRetrying:
		return handled(DisconnectedRetrying, cur.Context,
			Effect{Kind: ScheduleRetry, DelayMs: cur.Context.CurrentReconnectionDelayMs},
		)
	}
	return Result{Snapshot: cur}
}

func fail(p Policy, ctx Context) Result {
	ctx.RetryCount++
	ctx.CurrentReconnectionDelayMs = p.NextDelay(ctx.CurrentReconnectionDelayMs)
	return handled(DisconnectedRetrying, ctx,
		Effect{Kind: CloseTransport},
		Effect{Kind: ScheduleRetry, DelayMs: ctx.CurrentReconnectionDelayMs},
	)
}

func handled(state State, ctx Context, effects ...Effect) Result {
	return Result{
		Snapshot: Snapshot{State: state, Context: ctx},
		Effects:  effects,
		Handled:  true,
	}
}
