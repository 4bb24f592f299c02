package tddflow

// MachineCallbacks is the subscriber interface for machine notifications.
// Delivery is synchronous and in subscription order; the machine does not
// catch panics raised by subscribers.
type MachineCallbacks interface {
	// Transition pair, emitted as "exited" then "entered" for every outer
	// phase change.
	OnPhaseExited(phase Phase)
	OnPhaseEntered(phase Phase)

	// Subtask-loop notifications
	OnSubtaskStarted(subtask *SubtaskInfo)
	OnTDDPhaseStarted(phase TDDPhase, subtask *SubtaskInfo)
	OnSubtaskFailed(subtask *SubtaskInfo, reason string)

	// Domain notifications
	OnBranchCreated(branch string)
	OnErrorOccurred(err *WorkflowError)
	OnProgressUpdated(progress Progress)
	OnAdapterConfigured(name string)
	OnAborted(phase Phase)
}

// BaseMachineCallbacks provides a default implementation that does nothing.
// Embed it to implement only the notifications you care about.
type BaseMachineCallbacks struct{}

func (BaseMachineCallbacks) OnPhaseExited(phase Phase)  {}
func (BaseMachineCallbacks) OnPhaseEntered(phase Phase) {}

func (BaseMachineCallbacks) OnSubtaskStarted(subtask *SubtaskInfo)               {}
func (BaseMachineCallbacks) OnTDDPhaseStarted(phase TDDPhase, st *SubtaskInfo)   {}
func (BaseMachineCallbacks) OnSubtaskFailed(subtask *SubtaskInfo, reason string) {}

func (BaseMachineCallbacks) OnBranchCreated(branch string)      {}
func (BaseMachineCallbacks) OnErrorOccurred(err *WorkflowError) {}
func (BaseMachineCallbacks) OnProgressUpdated(progress Progress) {}
func (BaseMachineCallbacks) OnAdapterConfigured(name string)    {}
func (BaseMachineCallbacks) OnAborted(phase Phase)              {}

// CallbackChain fans notifications out to multiple subscribers in the order
// they were added.
type CallbackChain struct {
	callbacks []MachineCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...MachineCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a subscriber to the chain
func (c *CallbackChain) Add(callback MachineCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) OnPhaseExited(phase Phase) {
	for _, cb := range c.callbacks {
		cb.OnPhaseExited(phase)
	}
}

func (c *CallbackChain) OnPhaseEntered(phase Phase) {
	for _, cb := range c.callbacks {
		cb.OnPhaseEntered(phase)
	}
}

func (c *CallbackChain) OnSubtaskStarted(subtask *SubtaskInfo) {
	for _, cb := range c.callbacks {
		cb.OnSubtaskStarted(subtask)
	}
}

func (c *CallbackChain) OnTDDPhaseStarted(phase TDDPhase, subtask *SubtaskInfo) {
	for _, cb := range c.callbacks {
		cb.OnTDDPhaseStarted(phase, subtask)
	}
}

func (c *CallbackChain) OnSubtaskFailed(subtask *SubtaskInfo, reason string) {
	for _, cb := range c.callbacks {
		cb.OnSubtaskFailed(subtask, reason)
	}
}

func (c *CallbackChain) OnBranchCreated(branch string) {
	for _, cb := range c.callbacks {
		cb.OnBranchCreated(branch)
	}
}

func (c *CallbackChain) OnErrorOccurred(err *WorkflowError) {
	for _, cb := range c.callbacks {
		cb.OnErrorOccurred(err)
	}
}

func (c *CallbackChain) OnProgressUpdated(progress Progress) {
	for _, cb := range c.callbacks {
		cb.OnProgressUpdated(progress)
	}
}

func (c *CallbackChain) OnAdapterConfigured(name string) {
	for _, cb := range c.callbacks {
		cb.OnAdapterConfigured(name)
	}
}

func (c *CallbackChain) OnAborted(phase Phase) {
	for _, cb := range c.callbacks {
		cb.OnAborted(phase)
	}
}
