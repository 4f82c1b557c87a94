package journal

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Fanout delivers every event to all sinks. A sink that fails, or panics,
// is logged and counted; Fanout itself never returns an error from Record*.
type Fanout struct {
	sinks  []Sink
	log    zerolog.Logger
	onFail func(sink string)
}

var _ Sink = (*Fanout)(nil)

// NewFanout builds a fanout. onFail may be nil.
func NewFanout(log zerolog.Logger, onFail func(sink string), sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: log, onFail: onFail}
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) RecordEntry(e EntryEvent) error {
	for _, s := range f.sinks {
		f.deliver(s, "entry", func() error { return s.RecordEntry(e) })
	}
	return nil
}

func (f *Fanout) RecordExit(e ExitEvent) error {
	for _, s := range f.sinks {
		f.deliver(s, "exit", func() error { return s.RecordExit(e) })
	}
	return nil
}

func (f *Fanout) RecordScan(snap ScanSnapshot) error {
	for _, s := range f.sinks {
		f.deliver(s, "scan", func() error { return s.RecordScan(snap) })
	}
	return nil
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) deliver(s Sink, kind string, fn func() error) {
	name := sinkName(s)
	defer func() {
		if r := recover(); r != nil {
			f.fail(name, kind, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		f.fail(name, kind, err)
	}
}

func (f *Fanout) fail(name, kind string, err error) {
	f.log.Warn().Err(err).Str("sink", name).Str("event", kind).Msg("journal delivery failed")
	if f.onFail != nil {
		f.onFail(name)
	}
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
