package ledger

// Step is the connection stage that failed.
type Step string

const (
	StepConnect Step = "CONNECT"
	StepTonApp  Step = "TON_APP"
)

// StateKind names a ConnectionState variant.
type StateKind string

const (
	StateIdle               StateKind = "idle"
	StateConnecting         StateKind = "connecting"
	StateConnectingToTonApp StateKind = "connectingToTonApp"
	StateDone               StateKind = "done"
	StateError              StateKind = "error"
)

// ConnectionState is reported to the StartConnection callback. Device is set
// for ConnectingToTonApp and Done, Step for Error.
type ConnectionState struct {
	Kind         StateKind `json:"kind"`
	Device       *Device   `json:"device,omitempty"`
	Step         Step      `json:"step,omitempty"`
	ShortMessage string    `json:"short_message,omitempty"`
}

func connecting() ConnectionState { return ConnectionState{Kind: StateConnecting} }

func connectingToTonApp(d Device) ConnectionState {
	return ConnectionState{Kind: StateConnectingToTonApp, Device: &d}
}

func done(d Device) ConnectionState { return ConnectionState{Kind: StateDone, Device: &d} }

func failed(step Step, msg string) ConnectionState {
	return ConnectionState{Kind: StateError, Step: step, ShortMessage: msg}
}

// IsTerminal reports whether the connection attempt has finished.
func (s ConnectionState) IsTerminal() bool {
	return s.Kind == StateDone || s.Kind == StateError
}
