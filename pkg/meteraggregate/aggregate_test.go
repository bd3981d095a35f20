package meteraggregate

import "testing"

func TestFloorToWindow_Boundaries(t *testing.T) {
	const window = 60_000 // 60s in ms

	tests := []struct {
		ts   int64
		want int64
	}{
		{0, 0},
		{59_999, 0},
		{60_000, 60_000},
		{60_001, 60_000},
		{120_000, 120_000},
	}

	for _, tt := range tests {
		if got := floorToWindow(tt.ts, window); got != tt.want {
			t.Errorf("floorToWindow(%d) = %d, want %d", tt.ts, got, tt.want)
		}
	}
}

func TestNew_StoresWindowInMilliseconds(t *testing.T) {
	a := New(nil, 60_000_000_000) // 60s, nanoseconds via time.Duration semantics in New
	if a.window != 60_000 {
		t.Fatalf("window = %d, want 60000ms", a.window)
	}
}
