package wire

import "testing"

func TestPutLengthAndLength_RoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 253, 254, 65535, 65536, 1 << 40}

	for _, want := range cases {
		header := make([]byte, HeaderLen)
		PutLength(header, want)
		if got := Length(header); got != want {
			t.Errorf("Length(PutLength(%d)) = %d", want, got)
		}
	}
}

func TestPutLength_BigEndianWireBytes(t *testing.T) {
	header := make([]byte, HeaderLen)
	PutLength(header, 5)

	want := []byte{0, 0, 0, 0, 0, 0, 0, 5}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("header = % x, want % x", header, want)
		}
	}
}
