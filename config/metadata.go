package config

// NativeType is the narrowest machine representation whose range brackets a
// parameter's declared [Min, Max]. Protocol front-ends that expose
// parameters to remote tooling use it to pick a wire encoding.
type NativeType int

const (
	NativeU8 NativeType = iota
	NativeU16
	NativeU32
	NativeU64
	NativeI8
	NativeI16
	NativeI32
	NativeI64
	NativeFloat32
	NativeBool
)

// String implements fmt.Stringer.
func (t NativeType) String() string {
	switch t {
	case NativeU8:
		return "u8"
	case NativeU16:
		return "u16"
	case NativeU32:
		return "u32"
	case NativeU64:
		return "u64"
	case NativeI8:
		return "i8"
	case NativeI16:
		return "i16"
	case NativeI32:
		return "i32"
	case NativeI64:
		return "i64"
	case NativeFloat32:
		return "float32"
	case NativeBool:
		return "bool"
	default:
		return "INVALID_TYPE"
	}
}

// integerCandidates are tried in order: unsigned widths narrowest first,
// then signed widths narrowest first. The order matters; the first type
// whose range brackets the declared bounds wins.
var integerCandidates = []struct {
	t        NativeType
	min, max float32
}{
	{NativeU8, 0, 255},
	{NativeU16, 0, 65535},
	{NativeU32, 0, 4294967295},
	{NativeU64, 0, 18446744073709551615},
	{NativeI8, -128, 127},
	{NativeI16, -32768, 32767},
	{NativeI32, -2147483648, 2147483647},
	{NativeI64, -9223372036854775808, 9223372036854775807},
}

// DeduceNativeType resolves the parameter's native representation:
// Bool and Float map directly; for Int, the smallest integer width whose
// range covers [Min, Max] is chosen, unsigned before signed, falling back
// to float32 when none fits.
func (s *Store) DeduceNativeType(name string) (NativeType, bool) {
	info, ok := s.Info(name)
	if !ok {
		return 0, false
	}

	switch info.Kind {
	case KindBool:
		return NativeBool, true
	case KindFloat:
		return NativeFloat32, true
	}

	for _, c := range integerCandidates {
		if c.min <= info.Min && info.Max <= c.max {
			return c.t, true
		}
	}
	return NativeFloat32, true
}
