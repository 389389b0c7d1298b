package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/livevoice/pkg/audio"
)

func TestDownmix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []float32
		channels int
		want     []float32
	}{
		{"mono passthrough", []float32{0.1, 0.2}, 1, []float32{0.1, 0.2}},
		{"stereo", []float32{0.5, 0, -0.5, -0.5}, 2, []float32{0.25, -0.5}},
		{"partial frame dropped", []float32{1, 1, 1}, 2, []float32{1}},
		{"three channels", []float32{0.3, 0.3, 0.3}, 3, []float32{0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Downmix(tt.in, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResample_Length(t *testing.T) {
	t.Parallel()

	tests := []struct {
		src, dst, in, want int
	}{
		{24000, 16000, 480, 320},
		{16000, 24000, 320, 480},
		{48000, 16000, 960, 320},
		{16000, 16000, 100, 100},
	}
	for _, tt := range tests {
		got := audio.Resample(make([]float32, tt.in), tt.src, tt.dst)
		if len(got) != tt.want {
			t.Errorf("Resample(%d samples, %d→%d) len = %d, want %d", tt.in, tt.src, tt.dst, len(got), tt.want)
		}
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	// Upsampling 1:2 puts the midpoint between neighbours.
	got := audio.Resample([]float32{0, 1, 0.5}, 8000, 16000)
	want := []float32{0, 0.5, 1, 0.75, 0.5, 0.5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample_InvalidRates(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2}
	for _, rates := range [][2]int{{0, 16000}, {16000, 0}, {-1, 8000}} {
		if got := audio.Resample(in, rates[0], rates[1]); len(got) != len(in) {
			t.Errorf("Resample with rates %v changed length to %d", rates, len(got))
		}
	}
	if got := audio.Resample(nil, 8000, 16000); got != nil {
		t.Errorf("Resample(nil) = %v, want nil", got)
	}
}
