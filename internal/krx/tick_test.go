package krx

import "testing"

func TestTickSizeBands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		want  float64
	}{
		{999, 1},
		{1000, 5},
		{4999, 5},
		{5000, 10},
		{9999, 10},
		{10000, 50},
		{49999, 50},
		{50000, 100},
		{99999, 100},
		{100000, 500},
		{499999, 500},
		{500000, 1000},
		{999999, 1000},
		{1000000, 1000},
	}

	for _, tt := range tests {
		if got := TickSize(tt.price); got != tt.want {
			t.Errorf("TickSize(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestLimitPrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ask1  float64
		ticks int
		want  float64
	}{
		{"stage one at 72000", 72000, 3, 72300},
		{"stage two at 72000", 72000, 5, 72500},
		{"stage one at 8000", 8000, 3, 8030},
		{"sub-thousand band", 999, 3, 1002},
		{"unaligned base floors", 4999, 5, 5020},
		{"band boundary base", 50000, 3, 50300},
		{"zero ticks aligns only", 10050, 0, 10050},
	}

	for _, tt := range tests {
		if got := LimitPrice(tt.ask1, tt.ticks); got != tt.want {
			t.Errorf("%s: LimitPrice(%v, %d) = %v, want %v", tt.name, tt.ask1, tt.ticks, got, tt.want)
		}
	}
}

func TestLimitPriceAlwaysTickDivisible(t *testing.T) {
	t.Parallel()

	asks := []float64{999, 1000, 4999, 5000, 9999, 10000, 49999, 50000, 99999, 100000, 499999, 500000, 999999, 1000000}
	for _, ask := range asks {
		for _, n := range []int{0, 3, 5} {
			p := LimitPrice(ask, n)
			tick := TickSize(ask)
			if q := p / tick; q != float64(int64(q)) {
				t.Errorf("LimitPrice(%v, %d) = %v not divisible by tick %v", ask, n, p, tick)
			}
		}
	}
}

func TestRoundDownToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		want  float64
	}{
		{77361, 77300}, // take-profit level 72300 × 1.07
		{50001, 50000},
		{999.9, 999},
		{10700, 10700},
	}

	for _, tt := range tests {
		if got := RoundDownToTick(tt.price); got != tt.want {
			t.Errorf("RoundDownToTick(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestIsTickAligned(t *testing.T) {
	t.Parallel()

	if !IsTickAligned(72300) {
		t.Error("72300 should be aligned (tick 100)")
	}
	if IsTickAligned(72150) {
		t.Error("72150 should not be aligned (tick 100)")
	}
}
