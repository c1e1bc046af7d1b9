package bitfield

import "testing"

// sample mirrors the shape exceptions.go's esrFields uses: a handful of
// tagged fields whose combined width fits snugly in a configured NumBits.
type sample struct {
	Low  uint8 `bitfield:",4"`
	Mid  bool  `bitfield:",1"`
	High uint8 `bitfield:",3"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []sample{
		{Low: 0, Mid: false, High: 0},
		{Low: 0xF, Mid: true, High: 0x7},
		{Low: 0x5, Mid: false, High: 0x3},
	}
	cfg := &Config{NumBits: 8}

	for _, want := range cases {
		packed, err := Pack(&want, cfg)
		if err != nil {
			t.Fatalf("Pack(%+v) error: %v", want, err)
		}

		var got sample
		if err := Unpack(&got, packed, cfg); err != nil {
			t.Fatalf("Unpack(0x%x) error: %v", packed, err)
		}
		if got != want {
			t.Errorf("round trip mismatch: packed=0x%x got=%+v want=%+v", packed, got, want)
		}
	}
}

func TestPackRejectsOverflowingField(t *testing.T) {
	_, err := Pack(&sample{Low: 0x1F}, &Config{NumBits: 8})
	if err == nil {
		t.Fatal("Pack with a 5-bit value in a 4-bit field should fail")
	}
}

func TestPackRejectsNonStruct(t *testing.T) {
	var n int
	if _, err := Pack(n, &Config{NumBits: 8}); err == nil {
		t.Fatal("Pack of a non-struct should fail")
	}
}

func TestUnpackRejectsNilPointer(t *testing.T) {
	var p *sample
	if err := Unpack(p, 0, &Config{NumBits: 8}); err == nil {
		t.Fatal("Unpack into a nil pointer should fail")
	}
}

func TestPackFieldOrderMatchesBitOffsets(t *testing.T) {
	packed, err := Pack(&sample{Low: 0x3, Mid: true, High: 0x5}, &Config{NumBits: 8})
	if err != nil {
		t.Fatalf("Pack error: %v", err)
	}
	// Low occupies bits[3:0], Mid bit 4, High bits[7:5] — field declaration
	// order fixes bit-offset order (exceptions.go relies on this for ESR).
	want := uint64(0x3) | uint64(1)<<4 | uint64(0x5)<<5
	if packed != want {
		t.Errorf("packed = 0x%x, want 0x%x", packed, want)
	}
}
