package imaging

import "testing"

func TestFitWithin(t *testing.T) {
	cases := []struct {
		w, h, max uint
		ww, wh    uint
	}{
		{1024, 512, 256, 256, 128},
		{100, 400, 200, 50, 200},
		{100, 50, 200, 100, 50},
		{100, 50, 0, 100, 50},
		{1000, 1, 10, 10, 1},
	}
	for _, c := range cases {
		w, h := FitWithin(c.w, c.h, c.max)
		if w != c.ww || h != c.wh {
			t.Fatalf("FitWithin(%d,%d,%d) = %dx%d, want %dx%d", c.w, c.h, c.max, w, h, c.ww, c.wh)
		}
	}
}
