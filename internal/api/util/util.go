package util

// ApplyConversion applies a converter function to each of the models
// provided to this function. The returned value is never nil, so that
// an empty list is serialized as [] rather than null.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}

// ApplyOptionalConversion converts the model pointed to, returning nil
// if the model itself is nil.
func ApplyOptionalConversion[T any, K any](model *T, converter func(T) K) *K {
	if model == nil {
		return nil
	}

	out := converter(*model)
	return &out
}

// NotNilOrEmpty returns the slice provided, or an empty (non-nil)
// slice if it is nil.
func NotNilOrEmpty[T any](maybe []T) []T {
	if maybe == nil {
		return []T{}
	}

	return maybe
}
