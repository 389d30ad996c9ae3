package config

// Default is the process-wide store the package-level functions operate on.
// Parameters registered at package init time across the program accumulate
// here, and a single Init call at startup freezes and restores them, the
// same shape as flag.CommandLine.
var Default = NewStore()

// Float registers a float parameter on the Default store.
func Float(name string, def, min, max float32) Param[float32] {
	return FloatVar(Default, name, def, min, max)
}

// Int registers an integer parameter on the Default store.
func Int(name string, def, min, max int) Param[int] {
	return IntVar(Default, name, def, min, max)
}

// Bool registers a boolean parameter on the Default store.
func Bool(name string, def bool) BoolParam {
	return BoolVar(Default, name, def)
}

// Init freezes the Default store and restores it from the backend.
func Init(backend Backend) (InitResult, error) {
	return Default.Init(backend)
}

// Save persists the Default store.
func Save() error { return Default.Save() }

// Erase wipes the Default store's backend and reinstalls defaults.
func Erase() error { return Default.Erase() }

// Get reads a parameter from the Default store; NaN if absent.
func Get(name string) float32 { return Default.Get(name) }

// Set writes a parameter on the Default store.
func Set(name string, value float32) error { return Default.Set(name, value) }

// ModificationCounter returns the Default store's modification counter.
func ModificationCounter() uint32 { return Default.ModificationCounter() }
