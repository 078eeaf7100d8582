package gguf

// String returns a string metadata value.
func (f *File) String(key string) (string, bool) {
	s, ok := f.Metadata[key].(string)
	return s, ok
}

// Uint returns any non-negative integer metadata value widened to uint64.
func (f *File) Uint(key string) (uint64, bool) {
	return toUint(f.Metadata[key])
}

// Float returns a floating point (or integer) metadata value as float64.
func (f *File) Float(key string) (float64, bool) {
	switch v := f.Metadata[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	if u, ok := toUint(f.Metadata[key]); ok {
		return float64(u), true
	}
	return 0, false
}

// Bool returns a boolean metadata value.
func (f *File) Bool(key string) (bool, bool) {
	b, ok := f.Metadata[key].(bool)
	return b, ok
}

// Strings returns a string array metadata value.
func (f *File) Strings(key string) ([]string, bool) {
	arr, ok := f.Metadata[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// Float32s returns a numeric array metadata value as float32.
func (f *File) Float32s(key string) ([]float32, bool) {
	arr, ok := f.Metadata[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(arr))
	for i, v := range arr {
		switch x := v.(type) {
		case float32:
			out[i] = x
		case float64:
			out[i] = float32(x)
		default:
			return nil, false
		}
	}
	return out, true
}

// Ints returns an integer array metadata value.
func (f *File) Ints(key string) ([]int, bool) {
	arr, ok := f.Metadata[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, len(arr))
	for i, v := range arr {
		switch x := v.(type) {
		case int8:
			out[i] = int(x)
		case int16:
			out[i] = int(x)
		case int32:
			out[i] = int(x)
		case int64:
			out[i] = int(x)
		default:
			u, ok := toUint(v)
			if !ok {
				return nil, false
			}
			out[i] = int(u)
		}
	}
	return out, true
}

// Architecture returns general.architecture, or "llama" when unset.
func (f *File) Architecture() string {
	if a, ok := f.String("general.architecture"); ok && a != "" {
		return a
	}
	return "llama"
}

// ArchUint reads "<arch>.<suffix>" as an integer.
func (f *File) ArchUint(suffix string) (uint64, bool) {
	return f.Uint(f.Architecture() + "." + suffix)
}

// ArchFloat reads "<arch>.<suffix>" as a float.
func (f *File) ArchFloat(suffix string) (float64, bool) {
	return f.Float(f.Architecture() + "." + suffix)
}

func toUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case int8:
		return uint64(x), x >= 0
	case int16:
		return uint64(x), x >= 0
	case int32:
		return uint64(x), x >= 0
	case int64:
		return uint64(x), x >= 0
	}
	return 0, false
}
