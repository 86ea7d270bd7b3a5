package kiroku

// NewTest returns an instance for tests: ids count up from 1, the clock
// starts at 1s and advances one second per reading, nothing is printed and
// nothing is written to disk. Every batch lands in the returned sink.
// Call ForceFlush before inspecting it.
func NewTest(opts ...Option) (*Kiroku, *MemorySink, error) {
	sink := NewMemorySink("memory")
	base := []Option{
		WithServiceName("test"),
		WithIDGenerator(NewIncrementalIDGenerator()),
		WithClock(NewTimeGenerator()),
		WithoutFallback(),
		WithOnlySinks(sink),
	}
	k, err := New(append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return k, sink, nil
}
