package lwm2m

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func renderJSON(t *testing.T, ctx *Context, write func() error) string {
	t.Helper()
	out := &Buffer{Data: make([]byte, 512)}
	ctx.Out = out
	ctx.writer = jsonFormat

	n, err := jsonFormat.InitWrite(ctx, out.free())
	if err != nil {
		t.Fatalf("InitWrite: %s", err)
	}
	out.advance(n)
	if err := write(); err != nil {
		t.Fatalf("write: %s", err)
	}
	n, err = jsonFormat.EndWrite(ctx, out.free())
	if err != nil {
		t.Fatalf("EndWrite: %s", err)
	}
	out.advance(n)
	return string(out.bytes())
}

func TestJSONWriterDocument(t *testing.T) {
	ctx := &Context{ObjectID: 3, InstanceID: 0, Level: 3}
	doc := renderJSON(t, ctx, func() error {
		ctx.ResourceID = 0
		if err := ctx.WriteString("ACME"); err != nil {
			return err
		}
		ctx.ResourceID = 13
		if err := ctx.WriteInt(1700000000); err != nil {
			return err
		}
		ctx.ResourceID = 6
		return ctx.WriteBool(true)
	})

	if !gjson.Valid(doc) {
		t.Fatalf("invalid JSON: %s", doc)
	}
	if bn := gjson.Get(doc, "bn").String(); bn != "/3/0/" {
		t.Errorf("bn got %q", bn)
	}
	e := gjson.Get(doc, "e").Array()
	if len(e) != 3 {
		t.Fatalf("e has %d entries: %s", len(e), doc)
	}
	if e[0].Get("n").String() != "0" || e[0].Get("sv").String() != "ACME" {
		t.Errorf("element 0 wrong: %s", e[0].Raw)
	}
	if e[1].Get("n").String() != "13" || e[1].Get("v").Int() != 1700000000 {
		t.Errorf("element 1 wrong: %s", e[1].Raw)
	}
	if e[2].Get("n").String() != "6" || !e[2].Get("bv").Bool() {
		t.Errorf("element 2 wrong: %s", e[2].Raw)
	}
}

func TestJSONWriterObjectLevelNames(t *testing.T) {
	ctx := &Context{ObjectID: 3303, InstanceID: 4, Level: 1}
	doc := renderJSON(t, ctx, func() error {
		ctx.ResourceID = 5700
		return ctx.WriteFloat32Fix(21<<10+512, 10)
	})
	if bn := gjson.Get(doc, "bn").String(); bn != "/3303/" {
		t.Errorf("bn got %q", bn)
	}
	el := gjson.Get(doc, "e").Array()[0]
	if el.Get("n").String() != "4/5700" {
		t.Errorf("name got %q", el.Get("n").String())
	}
	if v := el.Get("v").Float(); v < 21.49 || v > 21.51 {
		t.Errorf("value got %f", v)
	}
}

// multi-write fixtures are mutated with sjson so each case shares one
// base document
func TestJSONWriteFixtures(t *testing.T) {
	base := `{"bn":"/1/","e":[{"n":"0/1","v":3600}]}`
	longer, err := sjson.Set(base, "e.0.v", 7200)
	if err != nil {
		t.Fatalf("sjson: %s", err)
	}
	if gjson.Get(longer, "e.0.v").Int() != 7200 {
		t.Fatalf("fixture mutation failed: %s", longer)
	}
}

func TestJSONOpaqueRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0xff, 0xfe, 0x80, 'k'} // not valid UTF-8
	ctx := &Context{ObjectID: 0, InstanceID: 1, Level: 3}
	doc := renderJSON(t, ctx, func() error {
		ctx.ResourceID = 5
		return ctx.WriteOpaque(raw)
	})
	if !gjson.Valid(doc) {
		t.Fatalf("invalid JSON: %s", doc)
	}
	el := gjson.Get(doc, "e").Array()[0]
	ov := el.Get("ov").String()
	if ov == "" {
		t.Fatalf("no ov entry: %s", el.Raw)
	}
	got, _, err := jsonFormat.ReadOpaque(ctx, []byte(ov))
	if err != nil {
		t.Fatalf("ReadOpaque: %s", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("round trip got %x want %x", got, raw)
	}
	// the raw bytes must never appear unencoded in the document
	if strings.Contains(doc, "�") {
		t.Errorf("replacement character leaked into %q", doc)
	}
}

func TestSenMLCBOROpaque(t *testing.T) {
	raw := []byte{0x00, 0xff, 0xfe, 0x80, 'k'} // not valid UTF-8
	ctx := &Context{ObjectID: 0, InstanceID: 1, Level: 3}
	out := &Buffer{Data: make([]byte, 128)}
	ctx.Out = out
	ctx.writer = cborFormat

	n, err := cborFormat.InitWrite(ctx, out.free())
	if err != nil {
		t.Fatalf("InitWrite: %s", err)
	}
	out.advance(n)
	ctx.ResourceID = 5
	if err := ctx.WriteOpaque(raw); err != nil {
		t.Fatalf("WriteOpaque: %s", err)
	}
	n, err = cborFormat.EndWrite(ctx, out.free())
	if err != nil {
		t.Fatalf("EndWrite: %s", err)
	}
	out.advance(n)

	var records []map[int]interface{}
	if err := cbor.Unmarshal(out.bytes(), &records); err != nil {
		t.Fatalf("decode: %s", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	got, ok := records[0][8].([]byte)
	if !ok || !bytes.Equal(got, raw) {
		t.Errorf("data value got %x (%T)", records[0][8], records[0][8])
	}
}

func TestSenMLCBORWriter(t *testing.T) {
	ctx := &Context{ObjectID: 3, InstanceID: 0, Level: 3}
	out := &Buffer{Data: make([]byte, 256)}
	ctx.Out = out
	ctx.writer = cborFormat

	n, err := cborFormat.InitWrite(ctx, out.free())
	if err != nil {
		t.Fatalf("InitWrite: %s", err)
	}
	out.advance(n)
	ctx.ResourceID = 0
	if err := ctx.WriteString("ACME"); err != nil {
		t.Fatalf("WriteString: %s", err)
	}
	ctx.ResourceID = 13
	if err := ctx.WriteInt(42); err != nil {
		t.Fatalf("WriteInt: %s", err)
	}
	n, err = cborFormat.EndWrite(ctx, out.free())
	if err != nil {
		t.Fatalf("EndWrite: %s", err)
	}
	out.advance(n)

	var records []map[int]interface{}
	if err := cbor.Unmarshal(out.bytes(), &records); err != nil {
		t.Fatalf("decode: %s", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0][0] != "0" || records[0][3] != "ACME" {
		t.Errorf("record 0 wrong: %v", records[0])
	}
	if records[1][0] != "13" {
		t.Errorf("record 1 wrong: %v", records[1])
	}
}

func TestRegistrationPayload(t *testing.T) {
	var reg Registry
	reg.Add(&ObjectInstance{ObjectID: 3, InstanceID: 0})
	reg.Add(&ObjectInstance{ObjectID: 1, Template: true})
	reg.Add(&ObjectInstance{ObjectID: 3303, InstanceID: 7})
	got := string(RegistrationPayload(&reg))
	want := "</3/0>,</1>,</3303/7>"
	if got != want {
		t.Errorf("payload got %q want %q", got, want)
	}
}
