// Package debug is a process-wide binary trace log for hardware bring-up.
//
// Each record is a 16-byte header followed by the source and the payload:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve space by atomically advancing the shared offset, so
// records from concurrent goroutines never overlap.
package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// Writer is the sink for trace records.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile truncates filename and starts tracing into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w. The error is a warning: an already open
// writer was replaced and its pending records may be lost.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Close stops tracing and closes the current writer.
func Close() error {
	old := fh.Swap(nil)
	offset.Store(0)
	if old != nil {
		return old.w.Close()
	}
	return nil
}

// Enabled reports whether a trace writer is open.
func Enabled() bool { return fh.Load() != nil }

// Memory is an in-memory trace sink.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]byte(nil), m.data...)
}

// OpenMemory starts tracing into a fresh in-memory sink.
func OpenMemory() (*Memory, error) {
	mem := &Memory{}
	return mem, Open(mem)
}

func encodeHeader(kind Kind, source string, data []byte) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, dataLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func writeRecord(kind Kind, source string, data []byte) {
	w := fh.Load()
	if w == nil {
		return
	}

	header := encodeHeader(kind, source, data)
	size := uint64(headerSize + len(source) + len(data))
	off := int64(offset.Add(size) - size)

	record := make([]byte, 0, size)
	record = append(record, header...)
	record = append(record, source...)
	record = append(record, data...)
	if _, err := w.w.WriteAt(record, off); err != nil {
		panic(err)
	}
}

// WriteBytes records a binary payload.
func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

// Write records a string payload.
func Write(source string, data string) {
	writeRecord(KindString, source, []byte(data))
}

// Writef records a formatted string payload. Formatting is skipped when no
// writer is open.
func Writef(source string, format string, args ...any) {
	if !Enabled() {
		return
	}
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Debug writes records under a fixed source.
type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type source string

func (s source) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s source) Write(data string)                 { Write(string(s), data) }
func (s source) Writef(format string, args ...any) { Writef(string(s), format, args...) }

// WithSource returns a Debug that tags every record with name.
func WithSource(name string) Debug { return source(name) }

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Reader iterates over a trace in timestamp order.
type Reader struct {
	records []Record
}

// NewReader decodes every record in r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	ret := &Reader{}

	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}
		kind, sourceLength, dataLength, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			return nil, fmt.Errorf("debug: invalid header at record %d", len(ret.records))
		}
		body := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("debug: read record body: %w", err)
		}
		ret.records = append(ret.records, Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLength]),
			Data:   body[sourceLength:],
		})
	}

	sort.SliceStable(ret.records, func(i, j int) bool {
		return ret.records[i].Time.Before(ret.records[j].Time)
	})
	return ret, nil
}

// NewReaderFromFile opens and decodes a trace file.
func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: open trace: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}

// Len returns the number of records.
func (r *Reader) Len() int { return len(r.records) }

// Sources returns the distinct sources in order of first appearance.
func (r *Reader) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range r.records {
		if !seen[rec.Source] {
			seen[rec.Source] = true
			out = append(out, rec.Source)
		}
	}
	return out
}

// Each calls fn for every record until fn returns an error.
func (r *Reader) Each(fn func(rec Record) error) error {
	for _, rec := range r.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// EachSource calls fn for every record written under source.
func (r *Reader) EachSource(source string, fn func(rec Record) error) error {
	return r.Each(func(rec Record) error {
		if rec.Source != source {
			return nil
		}
		return fn(rec)
	})
}
