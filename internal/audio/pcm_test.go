package audio

import "testing"

func TestFloatToInt16Clips(t *testing.T) {
	got := FloatToInt16([]float32{0, 0.5, 1, 2, -1, -3})
	want := []int16{0, 16383, 32767, 32767, -32767, -32767}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestBufferPrefersPCM(t *testing.T) {
	b := Buffer{PCM: []int16{1, 2, 3}}
	if b.Len() != 3 {
		t.Fatalf("expected len 3, got %d", b.Len())
	}
	if got := b.Int16(); got[2] != 3 {
		t.Fatalf("unexpected samples %v", got)
	}
	if (Buffer{}).Len() != 0 {
		t.Fatalf("expected empty buffer")
	}
}

func TestBytesLittleEndian(t *testing.T) {
	pcm := Bytes([]int16{1, -2, 0x1234})
	want := []byte{0x01, 0x00, 0xfe, 0xff, 0x34, 0x12}
	if string(pcm) != string(want) {
		t.Fatalf("expected %x, got %x", want, pcm)
	}
	back, err := FromBytes(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back[1] != -2 || back[2] != 0x1234 {
		t.Fatalf("unexpected decode %v", back)
	}
	if _, err := FromBytes([]byte{1}); err == nil {
		t.Fatalf("expected alignment error")
	}
}
