package manager

// LifecycleHook is invoked by a ManagedProcess around its own lifecycle.
// BeforeStop is only called while the process is running, and always
// before the terminate signal is sent. Errors are logged, never fatal.
type LifecycleHook interface {
	BeforeStart() error
	BeforeStop() error
}

// NopHook is the default hook.
type NopHook struct{}

func (NopHook) BeforeStart() error { return nil }
func (NopHook) BeforeStop() error  { return nil }
