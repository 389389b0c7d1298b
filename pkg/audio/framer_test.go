package audio_test

import (
	"testing"

	"github.com/MrWong99/livevoice/pkg/audio"
)

func TestFramer_ReslicesToFixedSize(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(4, 16000, 1)
	in := func(vals ...float32) audio.AudioFrame {
		return audio.AudioFrame{Samples: vals, SampleRate: 16000, Channels: 1}
	}

	if got := fr.Push(in(1, 2, 3)); len(got) != 0 {
		t.Fatalf("first push emitted %d frames, want 0", len(got))
	}
	got := fr.Push(in(4, 5, 6, 7, 8, 9, 10))
	if len(got) != 2 {
		t.Fatalf("second push emitted %d frames, want 2", len(got))
	}
	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, f := range got {
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d format = %d/%d", i, f.SampleRate, f.Channels)
		}
		for j := range want[i] {
			if f.Samples[j] != want[i][j] {
				t.Errorf("frame %d = %v, want %v", i, f.Samples, want[i])
				break
			}
		}
	}
	if fr.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", fr.Pending())
	}
	fr.Reset()
	if fr.Pending() != 0 {
		t.Errorf("Pending() after Reset = %d, want 0", fr.Pending())
	}
}

func TestFramer_OutputDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(2, 16000, 1)
	src := []float32{1, 2}
	out := fr.Push(audio.AudioFrame{Samples: src, SampleRate: 16000, Channels: 1})
	src[0] = 99
	if out[0].Samples[0] != 1 {
		t.Errorf("emitted frame aliases the input slice")
	}
}

func TestFramer_ZeroSizePassesThrough(t *testing.T) {
	t.Parallel()

	fr := audio.NewFramer(0, 16000, 1)
	got := fr.Push(audio.AudioFrame{Samples: []float32{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(got) != 1 || len(got[0].Samples) != 3 {
		t.Errorf("Push = %v, want the input frame unchanged", got)
	}
}
