package valet

// Runtime gathers the shared fabric one process constructs once and
// passes explicitly to each service. Nothing here is a global: the
// supervisor entry point owns the only process-wide reference.
type Runtime struct {
	Bus           *Bus
	Queue         *Queue
	Registry      *Registry
	Dispatcher    *Dispatcher
	Memory        *MemoryEngine
	Messages      MessageStore
	Conversations ConversationStore
	Scheduler     *Scheduler
	Provider      Provider
	Embedder      EmbeddingProvider
}

// Validate checks that the components every service depends on are set.
func (rt *Runtime) Validate() error {
	switch {
	case rt.Bus == nil:
		return Errorf(KindValidation, "runtime.validate", "missing event bus")
	case rt.Queue == nil:
		return Errorf(KindValidation, "runtime.validate", "missing work queue")
	case rt.Registry == nil:
		return Errorf(KindValidation, "runtime.validate", "missing tool registry")
	case rt.Messages == nil:
		return Errorf(KindValidation, "runtime.validate", "missing message store")
	case rt.Provider == nil:
		return Errorf(KindValidation, "runtime.validate", "missing model provider")
	}
	return nil
}
