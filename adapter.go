package bluetooth

// AdapterState represents the state of the adapter.
type AdapterState int

const (
	// AdapterStateUnknown is the default value if the state is not known.
	AdapterStateUnknown AdapterState = iota
	// AdapterStatePoweredOn is the state of the adapter when it is powered on.
	AdapterStatePoweredOn
	// AdapterStatePoweredOff is the state of the adapter when it is powered off.
	AdapterStatePoweredOff
)

// SetConnectHandler sets a handler function to be called whenever the adaptor connects
// or disconnects. You must call this before you call adaptor.Connect() for centrals
// or adaptor.Start() for peripherals in order for it to work.
func (a *Adapter) SetConnectHandler(c func(device Device, connected bool)) {
	a.connectHandler = c
}

// SetStateChangeHandler sets a handler function to be called whenever the adaptor's
// state changes.
func (a *Adapter) SetStateChangeHandler(c func(newState AdapterState)) {
	a.stateChangeHandler = c
}
