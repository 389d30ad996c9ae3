// Package config implements a checksummed key/value store for typed scalar
// parameters persisted in non-volatile memory.
//
// Parameters are registered before Init; after Init the registry is frozen
// and registration panics, like a flag registered after flag.Parse. Values
// are always held as float32; integer parameters must quantize exactly.
//
// # On-NVM Layout
//
//	[0..4)    layout hash: CRC-32 over the concatenated registered names
//	[4..8)    value CRC:   CRC-32 over the value pool
//	[8..8+4N) value pool:  IEEE-754 float32, little-endian, registration order
//
// The CRC-32 uses the reflected polynomial 0xEDB88320 with zero initial
// value and no final xor. Any change to the set of registered names changes
// the layout hash and invalidates a previously persisted pool.
//
// # Usage
//
//	var (
//	    paramFoo = config.Int("foo", 1, -1, 1)
//	    paramBar = config.Float("bar", 72.12, -16.456, 100.0)
//	    paramBaz = config.Bool("baz", true)
//	)
//
//	func main() {
//	    res, err := config.Init(backend)
//	    ...
//	    if paramBaz.Get() {
//	        x := paramBar.Get() * float32(paramFoo.Get())
//	        ...
//	    }
//	}
//
// Parameter value access is O(N) in the number of registered parameters.
//
// The package-level functions operate on the Default store; independent
// Store instances can be created with NewStore for tests and multi-region
// setups.
package config
