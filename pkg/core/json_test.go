package core

import "testing"

type callSnapshot struct {
	ID        string   `json:"id"`
	Caller    string   `json:"caller"`
	RingCount int      `json:"ring_count"`
	Legs      []string `json:"legs"`
}

func TestJSONRoundTrip(t *testing.T) {
	in := callSnapshot{ID: "call-1", Caller: "+8801700000001", RingCount: 3, Legs: []string{"g711", "g729"}}

	data, err := JSONEncode(in)
	if err != nil {
		t.Fatalf("JSONEncode: %v", err)
	}

	var out callSnapshot
	if err := JSONDecode(data, &out); err != nil {
		t.Fatalf("JSONDecode: %v", err)
	}
	if out.ID != in.ID || out.Caller != in.Caller || out.RingCount != in.RingCount || len(out.Legs) != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestJSONEncodeRejectsNil(t *testing.T) {
	if _, err := JSONEncode(nil); err == nil {
		t.Error("JSONEncode(nil) should fail")
	}
}

func TestJSONDecodeRejectsEmptyAndNil(t *testing.T) {
	var out callSnapshot
	if err := JSONDecode(nil, &out); err == nil {
		t.Error("JSONDecode of empty data should fail")
	}
	if err := JSONDecode([]byte(`{}`), nil); err == nil {
		t.Error("JSONDecode into nil should fail")
	}
	if err := JSONDecode([]byte(`{not json`), &out); err == nil {
		t.Error("JSONDecode of malformed data should fail")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	if EncodeBlob(nil) != "" {
		t.Error("nil blob should encode to empty string")
	}
	if data, err := DecodeBlob(""); err != nil || data != nil {
		t.Errorf("empty blob decode = (%v, %v)", data, err)
	}

	enc := EncodeBlob([]byte(`{"caller":"+1"}`))
	dec, err := DecodeBlob(enc)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if string(dec) != `{"caller":"+1"}` {
		t.Errorf("blob round trip = %q", dec)
	}
	if _, err := DecodeBlob("%%%not-base64"); err == nil {
		t.Error("malformed base64 should fail")
	}
}
