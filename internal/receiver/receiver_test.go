package receiver

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

func TestOutOfOrderDeliveryFinalizes(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{})
	data := []byte("ABCDEFGHIJKLMNOPQ")
	id, chunks := splitFile(t, "a.bin", data, 8, false)
	header, c0, c1, c2 := chunks[0], chunks[1], chunks[2], chunks[3]

	for _, c := range []wire.Chunk{c2, header, c0} {
		out, err := r.HandlePacket(encode(t, c))
		if err != nil {
			t.Fatalf("chunk %s: %v", c.Index, err)
		}
		if out != nil {
			t.Fatalf("file finalized early at chunk %s", c.Index)
		}
	}
	out, err := r.HandlePacket(encode(t, c1))
	if err != nil {
		t.Fatalf("last chunk: %v", err)
	}
	if out == nil || !out.Finalized {
		t.Fatalf("expected finalized outcome, got %+v", out)
	}
	if out.Name != "a.bin" || out.Size != 17 || out.FileID != id {
		t.Fatalf("unexpected outcome %+v", out)
	}

	got, ok := storage.get("a.bin")
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("stored %q, want %q", got, data)
	}

	events := r.Drain()
	want := []wire.ControlEvent{
		{FileID: id, Index: 2},
		{FileID: id, Index: wire.HeaderIndex},
		{FileID: id, Index: 0},
		{FileID: id, Index: 1},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, events[i], want[i])
		}
	}
	if len(r.Drain()) != 0 {
		t.Fatalf("drain should empty the queue")
	}
}

func TestAnyOrderWithDuplicatesReassembles(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		size := 1 + rng.Intn(5000)
		data := make([]byte, size)
		rng.Read(data)
		chunkSize := 1 + rng.Intn(700)

		storage := newMemStorage()
		r := New(storage, Options{})
		_, chunks := splitFile(t, "f.dat", data, chunkSize, true)

		var deliveries []wire.Chunk
		for _, c := range chunks {
			for n := 1 + rng.Intn(3); n > 0; n-- {
				deliveries = append(deliveries, c)
			}
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

		finalized := 0
		for _, c := range deliveries {
			out, err := r.HandleChunk(c)
			if err != nil {
				t.Fatalf("iter %d: %v", iter, err)
			}
			if out != nil && out.Finalized {
				finalized++
			}
		}
		if finalized != 1 {
			t.Fatalf("iter %d: finalized %d times", iter, finalized)
		}
		if storage.writes != 1 {
			t.Fatalf("iter %d: storage written %d times", iter, storage.writes)
		}
		got, _ := storage.get("f.dat")
		if !bytes.Equal(got, data) {
			t.Fatalf("iter %d: reassembled bytes differ", iter)
		}
		if events := r.Drain(); len(events) != len(deliveries) {
			t.Fatalf("iter %d: expected one event per delivery, got %d of %d", iter, len(events), len(deliveries))
		}
	}
}

func TestMissingChunkNeverFinalizes(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{})
	id, chunks := splitFile(t, "gap.bin", bytes.Repeat([]byte("x"), 40), 10, false)

	for i, c := range chunks {
		if i == 3 {
			continue
		}
		if out, err := r.HandleChunk(c); err != nil || out != nil {
			t.Fatalf("chunk %d: out=%v err=%v", i, out, err)
		}
	}
	rec, ok := r.Store().Get(id)
	if !ok || rec.Complete() {
		t.Fatalf("record should exist and be incomplete")
	}
	if storage.writes != 0 {
		t.Fatalf("storage touched for incomplete file")
	}
}

func TestEmptyFileFinalizesOnHeader(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{})
	id, chunks := splitFile(t, "empty", nil, 8, false)
	if len(chunks) != 1 {
		t.Fatalf("expected header only, got %d chunks", len(chunks))
	}

	out, err := r.HandleChunk(chunks[0])
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if out == nil || !out.Finalized || out.Size != 0 {
		t.Fatalf("expected finalized empty file, got %+v", out)
	}
	got, ok := storage.get("empty")
	if !ok || len(got) != 0 {
		t.Fatalf("expected empty stored file")
	}
	events := r.Drain()
	if len(events) != 1 || events[0] != (wire.ControlEvent{FileID: id, Index: wire.HeaderIndex}) {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestLateDuplicatesAreAcknowledged(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{})
	id, chunks := splitFile(t, "late.txt", []byte("hello world"), 4, false)
	for _, c := range chunks {
		if _, err := r.HandleChunk(c); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	r.Drain()

	for _, c := range chunks {
		out, err := r.HandleChunk(c)
		if err != nil {
			t.Fatalf("late duplicate %s: %v", c.Index, err)
		}
		if out != nil {
			t.Fatalf("late duplicate produced outcome %+v", out)
		}
	}
	if storage.writes != 1 {
		t.Fatalf("file rewritten: %d writes", storage.writes)
	}
	if got := len(r.Drain()); got != len(chunks) {
		t.Fatalf("expected %d acks for late duplicates, got %d", len(chunks), got)
	}
	rec, _ := r.Store().Get(id)
	if !rec.Finalized() || rec.Path() != "mem/late.txt" {
		t.Fatalf("tombstone not kept: finalized=%v path=%q", rec.Finalized(), rec.Path())
	}
	if s := r.Stats(); s.Duplicates != uint64(len(chunks)) || s.Finalized != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestDropFinalizedForgetsFile(t *testing.T) {
	r := New(newMemStorage(), Options{DropFinalized: true})
	_, chunks := splitFile(t, "gone", []byte("abc"), 2, false)
	for _, c := range chunks {
		if _, err := r.HandleChunk(c); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if r.Store().Len() != 0 {
		t.Fatalf("expected store to be empty, has %d", r.Store().Len())
	}
}

func TestDropFinalizedDoesNotRewriteRedelivery(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{DropFinalized: true})

	emptyID, empty := splitFile(t, "empty", nil, 4, false)
	for i := 0; i < 3; i++ {
		if _, err := r.HandleChunk(empty[0]); err != nil {
			t.Fatalf("empty header %d: %v", i, err)
		}
	}

	_, full := splitFile(t, "full", []byte("0123456789"), 4, true)
	for round := 0; round < 2; round++ {
		for _, c := range full {
			if _, err := r.HandleChunk(c); err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
		}
	}

	if s := r.Stats(); s.Finalized != 2 || s.Accepted != uint64(3+2*len(full)) || s.Duplicates != uint64(2+len(full)) {
		t.Fatalf("unexpected stats %+v", s)
	}
	if storage.writes != 2 {
		t.Fatalf("expected 2 writes, got %d", storage.writes)
	}
	if r.Store().Len() != 0 {
		t.Fatalf("redelivery recreated %d records", r.Store().Len())
	}
	acks := 0
	for _, ev := range r.Drain() {
		if ev.FileID == emptyID {
			acks++
		}
	}
	if acks != 3 {
		t.Fatalf("expected 3 acks for the empty file, got %d", acks)
	}
}

func TestConflictingHeaderRejected(t *testing.T) {
	r := New(newMemStorage(), Options{})
	id, chunks := splitFile(t, "first", []byte("0123456789"), 5, false)
	if _, err := r.HandleChunk(chunks[0]); err != nil {
		t.Fatalf("header: %v", err)
	}
	r.Drain()

	other := headerChunk(t, id, wire.FileHeader{Name: "second", Size: 10, ChunkCount: 2})
	if _, err := r.HandleChunk(other); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if n := len(r.Drain()); n != 0 {
		t.Fatalf("rejected header acknowledged (%d events)", n)
	}
	rec, _ := r.Store().Get(id)
	h, _ := rec.Header()
	if h.Name != "first" {
		t.Fatalf("first header not kept, got %q", h.Name)
	}
	if r.Stats().Violations != 1 {
		t.Fatalf("expected one violation, got %d", r.Stats().Violations)
	}
}

func TestIndexOutOfRange(t *testing.T) {
	r := New(newMemStorage(), Options{})
	id, chunks := splitFile(t, "small", []byte("0123456789"), 5, false)
	if _, err := r.HandleChunk(chunks[0]); err != nil {
		t.Fatalf("header: %v", err)
	}
	r.Drain()

	bad := wire.Chunk{FileID: id, Index: 2, Payload: []byte("zz")}
	if _, err := r.HandleChunk(bad); !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, wire.ErrIndexOutOfRange) {
		t.Fatalf("expected out of range violation, got %v", err)
	}
	if len(r.Drain()) != 0 {
		t.Fatalf("out of range chunk acknowledged")
	}
}

func TestBufferedChunksBeyondCountDropped(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{})
	id, chunks := splitFile(t, "pre", []byte("0123456789"), 5, false)

	stray := wire.Chunk{FileID: id, Index: 9, Payload: []byte("stray")}
	for _, c := range []wire.Chunk{stray, chunks[1], chunks[2]} {
		if _, err := r.HandleChunk(c); err != nil {
			t.Fatalf("buffer %s: %v", c.Index, err)
		}
	}
	out, err := r.HandleChunk(chunks[0])
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if out == nil || !out.Finalized {
		t.Fatalf("expected finalize once stray chunk is dropped, got %+v", out)
	}
	got, _ := storage.get("pre")
	if string(got) != "0123456789" {
		t.Fatalf("stored %q", got)
	}
}

func TestHeaderValidation(t *testing.T) {
	cases := []struct {
		name   string
		header wire.FileHeader
	}{
		{"too large", wire.FileHeader{Name: "big", Size: 1 << 30, ChunkCount: 1024}},
		{"count without size", wire.FileHeader{Name: "x", Size: 0, ChunkCount: 1}},
		{"size without count", wire.FileHeader{Name: "x", Size: 5, ChunkCount: 0}},
		{"more chunks than bytes", wire.FileHeader{Name: "x", Size: 5, ChunkCount: 6}},
	}
	for _, tc := range cases {
		r := New(newMemStorage(), Options{MaxFileSize: 1 << 20})
		c := headerChunk(t, wire.NewFileID(), tc.header)
		if _, err := r.HandleChunk(c); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("%s: expected protocol violation, got %v", tc.name, err)
		}
		if r.Store().Len() != 0 {
			t.Fatalf("%s: invalid header created a record", tc.name)
		}
		if r.Queue().Len() != 0 {
			t.Fatalf("%s: invalid header acknowledged", tc.name)
		}
	}
}

func TestMalformedPacketLeavesNoTrace(t *testing.T) {
	r := New(newMemStorage(), Options{})
	_, chunks := splitFile(t, "m", []byte("abc"), 2, false)
	b := encode(t, chunks[1])

	if _, err := r.HandlePacket(b[:len(b)-1]); !errors.Is(err, wire.ErrMalformedPacket) {
		t.Fatalf("expected malformed packet, got %v", err)
	}
	if _, err := r.HandlePacket(nil); !errors.Is(err, wire.ErrMalformedPacket) {
		t.Fatalf("expected malformed packet for empty input, got %v", err)
	}
	badHeader := wire.Chunk{FileID: chunks[0].FileID, Index: wire.HeaderIndex, Payload: []byte{0xFF}}
	if _, err := r.HandleChunk(badHeader); !errors.Is(err, wire.ErrMalformedPacket) {
		t.Fatalf("expected malformed header, got %v", err)
	}
	// A single flipped bit in the payload must not be stored or acknowledged.
	flipped := append([]byte(nil), b...)
	flipped[len(flipped)-9] ^= 0x01
	if _, err := r.HandlePacket(flipped); !errors.Is(err, wire.ErrMalformedPacket) {
		t.Fatalf("expected malformed packet for flipped bit, got %v", err)
	}
	if r.Store().Len() != 0 || r.Queue().Len() != 0 {
		t.Fatalf("malformed input mutated state")
	}
	if r.Stats().Malformed != 4 {
		t.Fatalf("expected 4 malformed, got %d", r.Stats().Malformed)
	}
}

func TestControlEventOnDataPathRejected(t *testing.T) {
	r := New(newMemStorage(), Options{})
	ev := wire.ControlEvent{FileID: wire.NewFileID(), Index: 0}
	if _, err := r.HandlePacket(wire.EncodeControlEvent(ev)); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if r.Store().Len() != 0 {
		t.Fatalf("control event created a record")
	}
}

func TestStorageFailureLeavesFilePending(t *testing.T) {
	storage := newMemStorage()
	storage.fail = errDiskFull
	r := New(storage, Options{})
	id, chunks := splitFile(t, "retry.bin", []byte("payload bytes"), 4, false)

	var last error
	var out *Outcome
	for _, c := range chunks {
		out, last = r.HandleChunk(c)
	}
	if !errors.Is(last, ErrStorageFailure) || !errors.Is(last, errDiskFull) {
		t.Fatalf("expected storage failure, got %v", last)
	}
	if out == nil || out.Finalized || out.Err == nil {
		t.Fatalf("expected failed outcome, got %+v", out)
	}
	pending := r.Pending()
	if len(pending) != 1 || pending[0] != id {
		t.Fatalf("expected file pending, got %v", pending)
	}

	// Further duplicates are acknowledged but do not retry the write.
	if _, err := r.HandleChunk(chunks[1]); err != nil {
		t.Fatalf("duplicate after failure: %v", err)
	}
	if storage.writes != 1 {
		t.Fatalf("storage retried internally: %d writes", storage.writes)
	}

	storage.fail = nil
	out, err := r.RetryFinalize(id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !out.Finalized || out.Path != "mem/retry.bin" {
		t.Fatalf("unexpected retry outcome %+v", out)
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("file still pending after retry")
	}
	got, _ := storage.get("retry.bin")
	if string(got) != "payload bytes" {
		t.Fatalf("stored %q", got)
	}

	again, err := r.RetryFinalize(id)
	if err != nil || !again.Finalized {
		t.Fatalf("retry of finalized file: %+v %v", again, err)
	}
	if storage.writes != 2 {
		t.Fatalf("finalized file rewritten: %d writes", storage.writes)
	}
}

func TestRetryFinalizeErrors(t *testing.T) {
	r := New(newMemStorage(), Options{})
	if _, err := r.RetryFinalize(wire.NewFileID()); !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("expected unknown file, got %v", err)
	}
	id, chunks := splitFile(t, "part", []byte("abcdef"), 2, false)
	if _, err := r.HandleChunk(chunks[0]); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := r.RetryFinalize(id); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected incomplete, got %v", err)
	}
}

func TestChecksumMismatchDropsFile(t *testing.T) {
	storage := newMemStorage()
	r := New(storage, Options{})
	id, chunks := splitFile(t, "sum.bin", []byte("checksummed data"), 4, true)
	chunks[2].Payload = []byte("XXXX")

	var last error
	for _, c := range chunks {
		_, last = r.HandleChunk(c)
	}
	if !errors.Is(last, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", last)
	}
	if _, ok := r.Store().Get(id); ok {
		t.Fatalf("record kept after failed verification")
	}
	if storage.writes != 0 {
		t.Fatalf("corrupt file written")
	}
}

func TestSizeMismatchDropsFile(t *testing.T) {
	r := New(newMemStorage(), Options{})
	id := wire.NewFileID()
	h := headerChunk(t, id, wire.FileHeader{Name: "short", Size: 10, ChunkCount: 2})
	chunks := []wire.Chunk{
		h,
		{FileID: id, Index: 0, Payload: []byte("abc")},
		{FileID: id, Index: 1, Payload: []byte("def")},
	}
	var last error
	for _, c := range chunks {
		_, last = r.HandleChunk(c)
	}
	if !errors.Is(last, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", last)
	}
}

func TestDedupPendingPolicy(t *testing.T) {
	r := New(newMemStorage(), Options{DedupPending: true})
	_, chunks := splitFile(t, "d", []byte("abcdef"), 2, false)

	for i := 0; i < 3; i++ {
		if _, err := r.HandleChunk(chunks[1]); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if got := len(r.Drain()); got != 1 {
		t.Fatalf("expected one pending event, got %d", got)
	}
	if _, err := r.HandleChunk(chunks[1]); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := len(r.Drain()); got != 1 {
		t.Fatalf("expected event after drain, got %d", got)
	}
}

func TestAbandon(t *testing.T) {
	r := New(newMemStorage(), Options{})
	id, chunks := splitFile(t, "half", []byte("abcdef"), 2, false)
	r.HandleChunk(chunks[0])
	r.HandleChunk(chunks[1])

	out, ok := r.Abandon(id)
	if !ok || !out.Abandoned || out.Name != "half" {
		t.Fatalf("unexpected abandon result %+v %v", out, ok)
	}
	if r.Store().Len() != 0 {
		t.Fatalf("record not removed")
	}
	if _, ok := r.Abandon(id); ok {
		t.Fatalf("second abandon should report false")
	}
}

func TestReceiversDoNotShareState(t *testing.T) {
	store := NewStore()
	a := NewWithStore(store, newMemStorage(), Options{})
	b := New(newMemStorage(), Options{})
	_, chunks := splitFile(t, "iso", []byte("abcd"), 2, false)
	a.HandleChunk(chunks[1])
	if b.Store().Len() != 0 || store.Len() != 1 {
		t.Fatalf("state leaked between receivers")
	}
}
