package lwm2m

import (
	"bytes"
	"testing"
)

func TestTLVRoundTripInt(t *testing.T) {
	ctx := &Context{ResourceID: 1}
	cases := []int64{0, 1, -1, 127, -128, 128, 3600, -30000, 70000, -2000000000, 1 << 40}
	for _, v := range cases {
		buf := make([]byte, 32)
		n, err := tlvFormat.WriteInt(ctx, buf, v)
		if err != nil {
			t.Fatalf("WriteInt(%d): %s", v, err)
		}
		got, consumed, err := tlvFormat.ReadInt(ctx, buf[:n])
		if err != nil {
			t.Fatalf("ReadInt(%d): %s", v, err)
		}
		if got != v || consumed != n {
			t.Errorf("round trip %d got %d (consumed %d of %d)", v, got, consumed, n)
		}
	}
}

func TestTLVAdvertisedLength(t *testing.T) {
	for _, size := range []int{0, 1, 7, 8, 200, 300, 70000} {
		value := bytes.Repeat([]byte{'v'}, size)
		buf := make([]byte, size+8)
		n, err := writeTLV(buf, TLVResource, 5, value)
		if err != nil {
			t.Fatalf("writeTLV len %d: %s", size, err)
		}
		tlv, consumed, err := ReadTLV(buf[:n])
		if err != nil {
			t.Fatalf("ReadTLV len %d: %s", size, err)
		}
		if consumed != n {
			t.Errorf("len %d: consumed %d want %d", size, consumed, n)
		}
		if len(tlv.Value) != size {
			t.Errorf("len %d: advertised %d", size, len(tlv.Value))
		}
		// written length = advertised length + header length
		header := n - size
		if header < 2 || header > 6 {
			t.Errorf("len %d: header length %d out of range", size, header)
		}
	}
}

func TestTLVTwoByteID(t *testing.T) {
	buf := make([]byte, 16)
	n, err := writeTLV(buf, TLVResource, 5700, []byte{1})
	if err != nil {
		t.Fatalf("writeTLV: %s", err)
	}
	tlv, _, err := ReadTLV(buf[:n])
	if err != nil {
		t.Fatalf("ReadTLV: %s", err)
	}
	if tlv.ID != 5700 || tlv.Class != TLVResource {
		t.Errorf("got id=%d class=%d", tlv.ID, tlv.Class)
	}
}

func TestTLVObjectInstanceNesting(t *testing.T) {
	// resource 1 = 3600 wrapped in object instance id 2, as a server
	// sends for create-by-write
	inner := make([]byte, 16)
	n, err := writeTLV(inner, TLVResource, 1, tlvIntBytes(3600))
	if err != nil {
		t.Fatalf("writeTLV inner: %s", err)
	}
	outer := make([]byte, 32)
	on, err := writeTLV(outer, TLVObjectInstance, 2, inner[:n])
	if err != nil {
		t.Fatalf("writeTLV outer: %s", err)
	}

	tlv, _, err := ReadTLV(outer[:on])
	if err != nil {
		t.Fatalf("ReadTLV outer: %s", err)
	}
	if tlv.Class != TLVObjectInstance || tlv.ID != 2 {
		t.Fatalf("outer got class=%d id=%d", tlv.Class, tlv.ID)
	}
	tlv2, _, err := ReadTLV(tlv.Value)
	if err != nil {
		t.Fatalf("ReadTLV inner: %s", err)
	}
	if tlv2.Class != TLVResource || tlv2.ID != 1 || tlvIntValue(tlv2.Value) != 3600 {
		t.Fatalf("inner got class=%d id=%d value=%d", tlv2.Class, tlv2.ID, tlvIntValue(tlv2.Value))
	}
}

func TestTLVBoolAndString(t *testing.T) {
	ctx := &Context{ResourceID: 3}
	buf := make([]byte, 64)

	n, err := tlvFormat.WriteBool(ctx, buf, true)
	if err != nil {
		t.Fatalf("WriteBool: %s", err)
	}
	b, _, err := tlvFormat.ReadBool(ctx, buf[:n])
	if err != nil || !b {
		t.Errorf("ReadBool got %v %v", b, err)
	}

	n, err = tlvFormat.WriteString(ctx, buf, "ACME")
	if err != nil {
		t.Fatalf("WriteString: %s", err)
	}
	s, _, err := tlvFormat.ReadString(ctx, buf[:n])
	if err != nil || s != "ACME" {
		t.Errorf("ReadString got %q %v", s, err)
	}
}

func TestTLVFloat32FixRoundTrip(t *testing.T) {
	ctx := &Context{ResourceID: 5700}
	buf := make([]byte, 16)
	// 21.5 degrees at 10 fractional bits
	v := int32(21<<10 + 512)
	n, err := tlvFormat.WriteFloat32Fix(ctx, buf, v, 10)
	if err != nil {
		t.Fatalf("WriteFloat32Fix: %s", err)
	}
	got, _, err := tlvFormat.ReadFloat32Fix(ctx, buf[:n], 10)
	if err != nil {
		t.Fatalf("ReadFloat32Fix: %s", err)
	}
	if got != v {
		t.Errorf("round trip got %d want %d", got, v)
	}
}

func TestTLVOpaqueRoundTrip(t *testing.T) {
	ctx := &Context{ResourceID: 5}
	raw := []byte{0x00, 0xff, 0xfe, 0x80, 'k'} // not valid UTF-8
	buf := make([]byte, 32)
	n, err := tlvFormat.WriteOpaque(ctx, buf, raw)
	if err != nil {
		t.Fatalf("WriteOpaque: %s", err)
	}
	got, consumed, err := tlvFormat.ReadOpaque(ctx, buf[:n])
	if err != nil {
		t.Fatalf("ReadOpaque: %s", err)
	}
	if consumed != n || !bytes.Equal(got, raw) {
		t.Errorf("round trip got %x (consumed %d of %d)", got, consumed, n)
	}
}

func TestTLVBufferFull(t *testing.T) {
	ctx := &Context{ResourceID: 1}
	if _, err := tlvFormat.WriteString(ctx, make([]byte, 2), "too long"); err == nil {
		t.Errorf("expected buffer full error")
	}
}
