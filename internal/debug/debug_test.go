package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestDebug(t *testing.T) {
	mem := &Memory{}
	func() {
		Open(mem)
		defer Close()

		Write("test", "hello, world")
		WriteBytes("raw", []byte{1, 2, 3})
	}()

	r, err := NewReader(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", r.Len())
	}

	var raw []byte
	if err := r.EachSource("raw", func(rec Record) error {
		if rec.Kind != KindBytes {
			t.Fatalf("expected bytes record, got kind %d", rec.Kind)
		}
		raw = rec.Data
		return nil
	}); err != nil {
		t.Fatalf("EachSource: %v", err)
	}
	if !bytes.Equal(raw, []byte{1, 2, 3}) {
		t.Fatalf("raw payload = %v", raw)
	}
}

func TestDebugTempFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "test.log")
	func() {
		if err := OpenFile(name); err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		defer Close()

		Writef("its cmdq", "slot %d", 7)
	}()

	r, err := NewReaderFromFile(name)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	sources := r.Sources()
	if len(sources) != 1 || sources[0] != "its cmdq" {
		t.Fatalf("sources = %v", sources)
	}
}

func TestWritefDisabled(t *testing.T) {
	Close()
	if Enabled() {
		t.Fatalf("expected tracing disabled")
	}
	// Must not panic or allocate a writer.
	Writef("test", "%d", 1)
}

func TestDebugConcurrentWriters(t *testing.T) {
	mem, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer Close()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := WithSource(fmt.Sprintf("writer %d", i))
			for j := range 25 {
				d.Writef("message %d", j)
			}
		}()
	}
	wg.Wait()

	r, err := NewReader(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if r.Len() != 100 {
		t.Fatalf("expected 100 records, got %d", r.Len())
	}
	if len(r.Sources()) != 4 {
		t.Fatalf("expected 4 sources, got %v", r.Sources())
	}
}

func BenchmarkWriteString(b *testing.B) {
	Open(&Memory{})
	defer Close()

	for b.Loop() {
		Write("test", "hello, world")
	}
}
