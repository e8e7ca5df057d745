package ring

import "testing"

func TestEmptyAndFullTransitions(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
	}{
		{"zero capacity", 0},
		{"single slot", 1},
		{"typical window", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.capacity)
			if b.Capacity() != tt.capacity {
				t.Fatalf("capacity = %d, want %d", b.Capacity(), tt.capacity)
			}
			if !b.IsEmpty() {
				t.Fatal("new buffer should be empty")
			}
			for i := 0; i < tt.capacity; i++ {
				if b.IsFull() {
					t.Fatalf("full after %d of %d writes", i, tt.capacity)
				}
				b.Write(float32(i))
			}
			if !b.IsFull() {
				t.Fatal("buffer should be full")
			}
			for i := 0; i < tt.capacity; i++ {
				if got := b.Read(); got != float32(i) {
					t.Fatalf("read %d = %v, want %v", i, got, float32(i))
				}
			}
			if !b.IsEmpty() {
				t.Fatal("buffer should be empty after draining")
			}
		})
	}
}

func TestRoundTripPreservesOrder(t *testing.T) {
	b := New(7)
	want := []float32{0.5, -0.25, 1, 0, -1, 0.125, 0.75}
	for _, v := range want {
		b.Write(v)
	}
	for i, w := range want {
		if got := b.Read(); got != w {
			t.Fatalf("sample %d = %v, want %v", i, got, w)
		}
	}
}

func TestWraparound(t *testing.T) {
	b := New(3)
	// Cycle through the slab a few times so both heads wrap.
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			b.Write(float32(round*10 + i))
		}
		for i := 0; i < 3; i++ {
			if got, want := b.Read(), float32(round*10+i); got != want {
				t.Fatalf("round %d sample %d = %v, want %v", round, i, got, want)
			}
		}
	}
}

func TestFillThenReadExactlyCapacity(t *testing.T) {
	b := New(4)
	b.Fill(0.5)
	for i := 0; i < 4; i++ {
		if got := b.Read(); got != 0.5 {
			t.Fatalf("read %d = %v, want 0.5", i, got)
		}
	}
	if !b.IsEmpty() {
		t.Fatal("buffer should be empty after reading fill")
	}
}

func TestRewindRestoresFullWindow(t *testing.T) {
	b := New(4)
	b.Fill(1)
	for i := 0; i < 4; i++ {
		b.Read()
	}
	b.Rewind()
	count := 0
	for !b.IsEmpty() {
		b.Read()
		count++
	}
	if count != 4 {
		t.Fatalf("reads after rewind = %d, want 4", count)
	}
}

func TestRewindAfterWriteOnlyFill(t *testing.T) {
	b := New(3)
	b.Write(1)
	b.Write(2)
	b.Write(3)
	// Consume everything, then rewind back to the oldest slot.
	b.Reset()
	b.Rewind()
	got := []float32{b.Read(), b.Read(), b.Read()}
	want := []float32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after rewind, sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSeekSkipsSamples(t *testing.T) {
	b := New(5)
	for i := 0; i < 5; i++ {
		b.Write(float32(i))
	}
	b.Seek(3)
	if got := b.Read(); got != 3 {
		t.Fatalf("read after seek = %v, want 3", got)
	}
	if b.Len() != 1 {
		t.Fatalf("len after seek+read = %d, want 1", b.Len())
	}
}

func TestResetEmptiesBuffer(t *testing.T) {
	b := New(4)
	b.Write(1)
	b.Write(2)
	b.Reset()
	if !b.IsEmpty() {
		t.Fatal("buffer should be empty after reset")
	}
	if b.Len() != 0 {
		t.Fatalf("len = %d, want 0", b.Len())
	}
	// Full capacity is writable again.
	b.Fill(0)
	if !b.IsFull() {
		t.Fatal("buffer should be full after fill")
	}
}

func TestProgrammerErrorsPanic(t *testing.T) {
	tests := []struct {
		name string
		op   func(b *Buffer)
	}{
		{"read empty", func(b *Buffer) { b.Read() }},
		{"write full", func(b *Buffer) { b.Fill(0); b.Write(1) }},
		{"seek past readable", func(b *Buffer) { b.Write(1); b.Seek(2) }},
		{"negative seek", func(b *Buffer) { b.Seek(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.op(New(3))
		})
	}
}
