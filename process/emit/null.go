package emit

// NullEmitter drops every event. Engines without an explicit emitter use it.
type NullEmitter struct{}

// NewNullEmitter returns a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (*NullEmitter) Emit(Event) {}

// FuncEmitter adapts a function to the Emitter interface.
type FuncEmitter func(Event)

// Emit calls f.
func (f FuncEmitter) Emit(event Event) { f(event) }
