package shuf

// A func type implementing Collector interface.
// A nil func is a no-op Collector.
type CollectorF func(key, val DataWriter) error

// Collector interface.
func (c CollectorF) Collect(key, val DataWriter) error {
	if c == nil {
		return nil
	}
	return c(key, val)
}
