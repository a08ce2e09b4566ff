package mininetem

// Must1 panics in case of error otherwise returns the value. We use
// it in tests and examples where an error is a programming bug.
func Must1[Type any](value Type, err error) Type {
	if err != nil {
		panic(err)
	}
	return value
}
