package config

// boolThreshold converts a float carrier to bool: anything above it is true.
const boolThreshold = 1e-6

// Numeric constrains the typed parameter wrapper to scalar carriers that
// convert to and from the float32 pool.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// Param is a typed handle to a registered numeric parameter.
//
//	var gain = config.Float("gain", 1.0, 0.0, 10.0)
//	...
//	out := in * gain.Get()
type Param[T Numeric] struct {
	store *Store
	info  ParamInfo
}

// newParam registers the record and returns the handle.
func newParam[T Numeric](s *Store, info ParamInfo) Param[T] {
	s.Register(info)
	return Param[T]{store: s, info: info}
}

// FloatVar registers a float parameter on the given store.
func FloatVar(s *Store, name string, def, min, max float32) Param[float32] {
	return newParam[float32](s, ParamInfo{Name: name, Default: def, Min: min, Max: max, Kind: KindFloat})
}

// IntVar registers an integer parameter on the given store.
func IntVar(s *Store, name string, def, min, max int) Param[int] {
	return newParam[int](s, ParamInfo{
		Name:    name,
		Default: float32(def),
		Min:     float32(min),
		Max:     float32(max),
		Kind:    KindInt,
	})
}

// Get returns the current value converted to the parameter's type.
func (p Param[T]) Get() T {
	return T(p.store.Get(p.info.Name))
}

// Set stores a new value.
func (p Param[T]) Set(v T) error {
	return p.store.Set(p.info.Name, float32(v))
}

// SetAndSave stores a new value and persists the whole store.
func (p Param[T]) SetAndSave(v T) error {
	if err := p.Set(v); err != nil {
		return err
	}
	return p.store.Save()
}

// IsMin reports whether the current value sits at the lower bound.
func (p Param[T]) IsMin() bool { return p.store.Get(p.info.Name) <= p.info.Min }

// IsMax reports whether the current value sits at the upper bound.
func (p Param[T]) IsMax() bool { return p.store.Get(p.info.Name) >= p.info.Max }

// Default returns the declared default.
func (p Param[T]) Default() T { return T(p.info.Default) }

// Min returns the declared lower bound.
func (p Param[T]) Min() T { return T(p.info.Min) }

// Max returns the declared upper bound.
func (p Param[T]) Max() T { return T(p.info.Max) }

// Name returns the parameter name.
func (p Param[T]) Name() string { return p.info.Name }

// BoolParam is a typed handle to a registered boolean parameter.
type BoolParam struct {
	store *Store
	info  ParamInfo
}

// BoolVar registers a boolean parameter on the given store.
func BoolVar(s *Store, name string, def bool) BoolParam {
	info := ParamInfo{Name: name, Default: b2f(def), Min: 0, Max: 1, Kind: KindBool}
	s.Register(info)
	return BoolParam{store: s, info: info}
}

// Get returns the current value thresholded to bool.
func (p BoolParam) Get() bool {
	return p.store.Get(p.info.Name) > boolThreshold
}

// Set stores a new value.
func (p BoolParam) Set(v bool) error {
	return p.store.Set(p.info.Name, b2f(v))
}

// SetAndSave stores a new value and persists the whole store.
func (p BoolParam) SetAndSave(v bool) error {
	if err := p.Set(v); err != nil {
		return err
	}
	return p.store.Save()
}

// Default returns the declared default.
func (p BoolParam) Default() bool { return p.info.Default > boolThreshold }

// Name returns the parameter name.
func (p BoolParam) Name() string { return p.info.Name }

func b2f(v bool) float32 {
	if v {
		return 1
	}
	return 0
}
