package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestRoundTrip verifies decode(encode(m)) == m for every constructible message
func TestRoundTrip(t *testing.T) {
	messages := []struct {
		name string
		msg  Message
	}{
		{"step1 with vector", Step1([]byte{0x01, 0x02, 0x03})},
		{"step1 empty vector", Step1(nil)},
		{"step2 with update", Step2([]byte("delta-bytes"))},
		{"step2 empty update", Step2([]byte{})},
		{"update", Update([]byte{0xff, 0x00, 0xff})},
		{"awareness", Awareness([]byte("presence"))},
		{"awareness empty", Awareness(nil)},
		{"query awareness", QueryAwareness()},
	}

	for _, tc := range messages {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.msg)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !decoded.Equal(tc.msg) {
				t.Errorf("Round trip mismatch: sent %v, got %v", tc.msg, decoded)
			}
		})
	}
}

// TestEncodeLayout pins the exact byte layout, which is compatibility-critical
func TestEncodeLayout(t *testing.T) {
	t.Run("sync step1", func(t *testing.T) {
		got := Encode(Step1([]byte{0xaa, 0xbb}))
		want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0xaa, 0xbb}
		if !bytes.Equal(got, want) {
			t.Errorf("Expected %x, got %x", want, got)
		}
	})

	t.Run("sync update", func(t *testing.T) {
		got := Encode(Update([]byte{0x01}))
		want := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x01, 0x01}
		if !bytes.Equal(got, want) {
			t.Errorf("Expected %x, got %x", want, got)
		}
	})

	t.Run("awareness", func(t *testing.T) {
		got := Encode(Awareness([]byte{0x07}))
		want := []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x07}
		if !bytes.Equal(got, want) {
			t.Errorf("Expected %x, got %x", want, got)
		}
	})

	t.Run("query awareness is a bare tag", func(t *testing.T) {
		got := Encode(QueryAwareness())
		if !bytes.Equal(got, []byte{0x03}) {
			t.Errorf("Expected 03, got %x", got)
		}
	})
}

// TestDecodeErrors verifies the malformed/unknown-tag taxonomy
func TestDecodeErrors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		_, err := Decode(nil)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := Decode([]byte{0x42, 0x00})
		if !errors.Is(err, ErrUnknownTag) {
			t.Errorf("Expected ErrUnknownTag, got %v", err)
		}
	})

	t.Run("auth tag is not handled", func(t *testing.T) {
		// 0x02 was reserved for auth in the upstream protocol; we reject it
		_, err := Decode([]byte{0x02})
		if !errors.Is(err, ErrUnknownTag) {
			t.Errorf("Expected ErrUnknownTag, got %v", err)
		}
	})

	t.Run("sync without sub-tag", func(t *testing.T) {
		_, err := Decode([]byte{0x00})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})

	t.Run("bad sync sub-tag", func(t *testing.T) {
		_, err := Decode([]byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x00})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})

	t.Run("truncated length prefix", func(t *testing.T) {
		_, err := Decode([]byte{0x01, 0x00, 0x00})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})

	t.Run("payload shorter than declared", func(t *testing.T) {
		_, err := Decode([]byte{0x01, 0x00, 0x00, 0x00, 0x05, 0x01})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		frame := append(Encode(Step2([]byte{0x01})), 0xff)
		_, err := Decode(frame)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})

	t.Run("query awareness with payload", func(t *testing.T) {
		_, err := Decode([]byte{0x03, 0x01})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Expected ErrMalformed, got %v", err)
		}
	})
}

// TestDecodeCopiesPayload verifies decoded payloads do not alias the input
func TestDecodeCopiesPayload(t *testing.T) {
	frame := Encode(Update([]byte{0x01, 0x02}))
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	frame[len(frame)-1] = 0xee
	if !bytes.Equal(msg.Payload, []byte{0x01, 0x02}) {
		t.Errorf("Payload aliases the input buffer: %x", msg.Payload)
	}
}
