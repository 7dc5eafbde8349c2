package rolling

import (
	"math"
	"testing"
)

func TestWindowPushAndLen(t *testing.T) {
	t.Parallel()

	w := NewWindow(3)
	if w.Len() != 0 || w.Cap() != 3 {
		t.Fatalf("fresh window: len=%d cap=%d, want 0/3", w.Len(), w.Cap())
	}

	w.Push(1)
	w.Push(2)
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}

	got := w.Values()
	want := []float64{1, 2}
	if len(got) != len(want) || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Values() = %v, want %v", got, want)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	w := NewWindow(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Push(v)
	}

	if w.Len() != 3 {
		t.Fatalf("len = %d, want 3", w.Len())
	}
	got := w.Values()
	want := []float64{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Values() = %v, want %v", got, want)
		}
	}
}

func TestWindowFromEnd(t *testing.T) {
	t.Parallel()

	w := NewWindow(4)
	for _, v := range []float64{10, 20, 30, 40, 50, 60} {
		w.Push(v) // window holds 30,40,50,60
	}

	tests := []struct {
		n    int
		want float64
		ok   bool
	}{
		{0, 60, true},
		{1, 50, true},
		{3, 30, true},
		{4, 0, false},
		{-1, 0, false},
	}
	for _, tt := range tests {
		got, ok := w.FromEnd(tt.n)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FromEnd(%d) = (%v, %v), want (%v, %v)", tt.n, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWindowSetLast(t *testing.T) {
	t.Parallel()

	w := NewWindow(3)

	// Empty window: SetLast behaves like Push.
	w.SetLast(7)
	if v, _ := w.FromEnd(0); v != 7 {
		t.Fatalf("after SetLast on empty: newest = %v, want 7", v)
	}

	w.Push(8)
	w.SetLast(9)
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2 (SetLast must not grow)", w.Len())
	}
	if v, _ := w.FromEnd(0); v != 9 {
		t.Fatalf("newest = %v, want 9", v)
	}
	if v, _ := w.FromEnd(1); v != 7 {
		t.Fatalf("second newest = %v, want 7", v)
	}
}

func TestWindowTailAfterWraparound(t *testing.T) {
	t.Parallel()

	w := NewWindow(5)
	for i := 1; i <= 12; i++ {
		w.Push(float64(i)) // holds 8..12
	}

	got := w.Tail(3)
	want := []float64{10, 11, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tail(3) = %v, want %v", got, want)
		}
	}

	// Asking for more than stored returns everything.
	if got := w.Tail(99); len(got) != 5 || got[0] != 8 {
		t.Fatalf("Tail(99) = %v, want 8..12", got)
	}
	if got := w.Tail(0); got != nil {
		t.Fatalf("Tail(0) = %v, want nil", got)
	}
}

func TestWindowMeanAndMaxTail(t *testing.T) {
	t.Parallel()

	w := NewWindow(10)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Push(v)
	}

	if got := w.MeanTail(2); math.Abs(got-4.5) > 1e-12 {
		t.Fatalf("MeanTail(2) = %v, want 4.5", got)
	}
	if got := w.MeanTail(100); math.Abs(got-3) > 1e-12 {
		t.Fatalf("MeanTail(100) = %v, want 3", got)
	}
	if got := w.MaxTail(3); got != 5 {
		t.Fatalf("MaxTail(3) = %v, want 5", got)
	}

	empty := NewWindow(4)
	if got := empty.MeanTail(5); got != 0 {
		t.Fatalf("MeanTail on empty = %v, want 0", got)
	}
	if got := empty.MaxTail(5); got != 0 {
		t.Fatalf("MaxTail on empty = %v, want 0", got)
	}
}
