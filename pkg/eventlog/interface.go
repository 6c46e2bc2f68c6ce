package eventlog

import "iter"

// Iterable replays previously appended records.
type Iterable[T any] interface {
	Iterator() iter.Seq2[T, error]
}

// Appender records one audit row per call.
type Appender[T any] interface {
	Append(item T) error
}
