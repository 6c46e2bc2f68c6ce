// Package eventlog provides the CSV audit trail for scheduler activity:
// issued challenges and epoch settlements are appended as rows and can
// be replayed later for offline analysis.
package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strconv"
)

// CSVWriter appends records of type T as CSV rows. Column names come
// from the record's JSON field names, written once as a header.
type CSVWriter[T any] struct {
	writer *csv.Writer
	first  bool
}

func NewCSVWriter[T any](dest io.Writer) *CSVWriter[T] {
	return &CSVWriter[T]{writer: csv.NewWriter(dest), first: true}
}

func (cw *CSVWriter[T]) Append(item T) error {
	jsonData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("unmarshalling record: %w", err)
	}
	keys := slices.Collect(maps.Keys(data))
	slices.Sort(keys)

	if cw.first {
		if err := cw.writer.Write(keys); err != nil {
			return err
		}
		cw.first = false
	}

	values := make([]string, 0, len(keys))
	for _, k := range keys {
		if num, ok := data[k].(float64); ok {
			values = append(values, fmt.Sprintf("%d", int64(num)))
		} else {
			values = append(values, fmt.Sprintf("%v", data[k]))
		}
	}
	return cw.writer.Write(values)
}

func (cw *CSVWriter[T]) Flush() error {
	cw.writer.Flush()
	return cw.writer.Error()
}

// CSVReader replays records of type T from a CSV stream written by
// CSVWriter. Repeated header rows (logs appended across restarts) are
// skipped.
type CSVReader[T any] struct {
	reader *csv.Reader
}

func NewCSVReader[T any](src io.Reader) *CSVReader[T] {
	return &CSVReader[T]{csv.NewReader(src)}
}

func (cr *CSVReader[T]) Iterator() iter.Seq2[T, error] {
	var emptyItem T
	return func(yield func(T, error) bool) {
		var fields []string
		first := true
		for {
			record, err := cr.reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				yield(emptyItem, err)
				return
			}
			if first {
				fields = record
				first = false
				continue
			}

			data := map[string]any{}
			isRepeatedHeader := true
			for i, k := range fields {
				if k != record[i] {
					isRepeatedHeader = false
				}
				if num, err := strconv.Atoi(record[i]); err == nil {
					data[k] = num
				} else {
					data[k] = record[i]
				}
			}
			if isRepeatedHeader {
				continue
			}
			jsonData, err := json.Marshal(data)
			if err != nil {
				yield(emptyItem, fmt.Errorf("marshalling row: %w", err))
				return
			}
			var item T
			if err := json.Unmarshal(jsonData, &item); err != nil {
				yield(emptyItem, fmt.Errorf("unmarshalling row: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
