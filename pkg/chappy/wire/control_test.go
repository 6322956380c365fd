package wire

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestInitQueryRoundTrip carries over fwd_protocol.rs's query_roundtrip:
// InitQuery.Write followed by ReadInitQuery is the identity.
func TestInitQueryRoundTrip(t *testing.T) {
	cases := []InitQuery{
		{TargetPort: 80, ConnectOnly: false},
		{TargetPort: 65535, ConnectOnly: true},
		{TargetPort: 0, ConnectOnly: true},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := want.Write(&buf); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := ReadInitQuery(&buf)
		if err != nil {
			t.Fatalf("ReadInitQuery: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

// TestInitResponseRoundTrip carries over fwd_protocol.rs's
// response_roundtrip.
func TestInitResponseRoundTrip(t *testing.T) {
	cases := []InitResponse{
		{Code: InitOK},
		{Code: InitFail},
		{Code: InitResponseCode(200)},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := want.Write(&buf); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := ReadInitResponse(&buf)
		if err != nil {
			t.Fatalf("ReadInitResponse: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestClientRegistrationRoundTrip(t *testing.T) {
	want := ClientRegistration{SourcePort: 54321, TargetVirtualIP: 0x0A000201, TargetPort: 8080}

	var buf bytes.Buffer
	if err := WriteClientRegistration(&buf, want); err != nil {
		t.Fatalf("WriteClientRegistration: %v", err)
	}

	magic, err := ReadMagic(&buf)
	if err != nil {
		t.Fatalf("ReadMagic: %v", err)
	}
	if magic != ClientMagic {
		t.Fatalf("magic = %q, want %q", magic, ClientMagic)
	}

	got, err := ReadClientRegistrationBody(&buf)
	if err != nil {
		t.Fatalf("ReadClientRegistrationBody: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStatus(&buf, StatusFail); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	got, err := ReadStatus(&buf)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got != StatusFail {
		t.Fatalf("ReadStatus = %v, want %v", got, StatusFail)
	}
}

func TestReadInitQueryRejectsInvalidBool(t *testing.T) {
	_, err := ReadInitQuery(bytes.NewReader([]byte{0, 80, 2}))
	if err == nil {
		t.Fatal("expected error for invalid connect_only byte")
	}
}
