package lwm2m

import "testing"

func TestTextIntRoundTrip(t *testing.T) {
	ctx := &Context{}
	buf := make([]byte, 32)
	for _, v := range []int64{0, 42, -17, 86400, -2147483648} {
		n, err := textFormat.WriteInt(ctx, buf, v)
		if err != nil {
			t.Fatalf("WriteInt(%d): %s", v, err)
		}
		got, _, err := textFormat.ReadInt(ctx, buf[:n])
		if err != nil || got != v {
			t.Errorf("round trip %d got %d %v", v, got, err)
		}
	}
}

func TestTextBool(t *testing.T) {
	ctx := &Context{}
	buf := make([]byte, 4)
	n, _ := textFormat.WriteBool(ctx, buf, true)
	if string(buf[:n]) != "1" {
		t.Errorf("true rendered %q", buf[:n])
	}
	if v, _, err := textFormat.ReadBool(ctx, []byte("0")); err != nil || v {
		t.Errorf("ReadBool(0) got %v %v", v, err)
	}
	if _, _, err := textFormat.ReadBool(ctx, []byte("yes")); err == nil {
		t.Errorf("ReadBool accepted garbage")
	}
}

func TestFormatFloat32Fix(t *testing.T) {
	cases := []struct {
		value int32
		bits  int
		want  string
	}{
		{0, 10, "0"},
		{21 << 10, 10, "21"},
		{21<<10 + 512, 10, "21.5"},
		{-(21<<10 + 512), 10, "-21.5"},
		{1, 2, "0.25"},
		{3, 1, "1.5"},
	}
	for _, tc := range cases {
		if got := formatFloat32Fix(tc.value, tc.bits); got != tc.want {
			t.Errorf("formatFloat32Fix(%d,%d) got %q want %q", tc.value, tc.bits, got, tc.want)
		}
	}
}

func TestParseFloat32Fix(t *testing.T) {
	v, err := parseFloat32Fix("21.5", 10)
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	if v != 21<<10+512 {
		t.Errorf("got %d want %d", v, 21<<10+512)
	}
	if _, err := parseFloat32Fix("nope", 10); err == nil {
		t.Errorf("accepted garbage")
	}
}

func TestTextFloatRoundTripViaCodec(t *testing.T) {
	ctx := &Context{}
	buf := make([]byte, 32)
	v := int32(-(7<<6 + 16)) // -7.25 at 6 bits
	n, err := textFormat.WriteFloat32Fix(ctx, buf, v, 6)
	if err != nil {
		t.Fatalf("write: %s", err)
	}
	got, _, err := textFormat.ReadFloat32Fix(ctx, buf[:n], 6)
	if err != nil || got != v {
		t.Errorf("round trip got %d want %d (%v)", got, v, err)
	}
}
