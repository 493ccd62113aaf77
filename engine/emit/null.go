package emit

// NullEmitter discards every event. Useful as a default when no
// observability backend is configured.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter by doing nothing.
func (*NullEmitter) Emit(Event) {}
