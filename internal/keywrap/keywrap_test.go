package keywrap

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// Published RFC 3394 §4 test vectors.
func TestWrap_RFC3394Vectors(t *testing.T) {
	cases := []struct {
		name      string
		kek       string
		plaintext string
		wrapped   string
	}{
		{
			"128-bit data, 128-bit KEK",
			"000102030405060708090A0B0C0D0E0F",
			"00112233445566778899AABBCCDDEEFF",
			"1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5",
		},
		{
			"128-bit data, 192-bit KEK",
			"000102030405060708090A0B0C0D0E0F1011121314151617",
			"00112233445566778899AABBCCDDEEFF",
			"96778B25AE6CA435F92B5B97C050AED2468AB8A17AD84E5D",
		},
		{
			"128-bit data, 256-bit KEK",
			"000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F",
			"00112233445566778899AABBCCDDEEFF",
			"64E8C3F9CE0F5BA263E9777905818A2A93C8191E7D6E8AE7",
		},
		{
			"192-bit data, 192-bit KEK",
			"000102030405060708090A0B0C0D0E0F1011121314151617",
			"00112233445566778899AABBCCDDEEFF0001020304050607",
			"031D33264E15D33268F24EC260743EDCE1C6C7DDEE725A936BA814915C6762D2",
		},
		{
			"256-bit data, 256-bit KEK",
			"000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F",
			"00112233445566778899AABBCCDDEEFF000102030405060708090A0B0C0D0E0F",
			"28C9F404C4B810F4CBCCB35CFB87F8263F5786E2D80ED326CBC7F0E71A99F43BFB988B9B7A02DD21",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kek := mustHex(t, c.kek)
			pt := mustHex(t, c.plaintext)
			want := mustHex(t, c.wrapped)

			got, err := Wrap(kek, pt)
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("Wrap = %X, want %X", got, want)
			}

			back, err := Unwrap(kek, got)
			if err != nil {
				t.Fatalf("Unwrap: %v", err)
			}
			if !bytes.Equal(back, pt) {
				t.Fatalf("Unwrap = %X, want %X", back, pt)
			}
		})
	}
}

func TestWrap_Deterministic(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	pt := mustHex(t, "00112233445566778899AABBCCDDEEFF")

	a, err := Wrap(kek, pt)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Wrap(kek, pt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("wrap is not deterministic")
	}
	if len(a) != len(pt)+8 {
		t.Fatalf("wrapped length = %d, want %d", len(a), len(pt)+8)
	}
}

// Flipping any single bit of the wrapped blob must fail the integrity
// check at every position.
func TestUnwrap_SingleBitFlip(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F")
	key, err := GenerateDataKey(32)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := Wrap(kek, key)
	if err != nil {
		t.Fatal(err)
	}

	for byteIdx := 0; byteIdx < len(wrapped); byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			tampered := make([]byte, len(wrapped))
			copy(tampered, wrapped)
			tampered[byteIdx] ^= 1 << bit

			if _, err := Unwrap(kek, tampered); !errors.Is(err, ErrIntegrityCheckFailed) {
				t.Fatalf("byte %d bit %d: got %v, want ErrIntegrityCheckFailed", byteIdx, bit, err)
			}
		}
	}
}

func TestUnwrap_WrongKEK(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	wrong := mustHex(t, "0F0102030405060708090A0B0C0D0E0F")
	wrapped, err := Wrap(kek, mustHex(t, "00112233445566778899AABBCCDDEEFF"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unwrap(wrong, wrapped); !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("got %v, want ErrIntegrityCheckFailed", err)
	}
}

func TestUnwrap_WrongIV(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	wrapped, err := Wrap(kek, mustHex(t, "00112233445566778899AABBCCDDEEFF"))
	if err != nil {
		t.Fatal(err)
	}
	iv := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := UnwrapWithIV(kek, wrapped, iv); !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("got %v, want ErrIntegrityCheckFailed", err)
	}
}

func TestWrap_CustomIVRoundTrip(t *testing.T) {
	kek := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	pt := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	iv := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

	wrapped, err := WrapWithIV(kek, pt, iv)
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnwrapWithIV(kek, wrapped, iv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, pt) {
		t.Fatal("custom-IV round trip mismatch")
	}
}

func TestWrap_Validation(t *testing.T) {
	goodKEK := make([]byte, 32)
	goodKey := make([]byte, 32)

	cases := []struct {
		name string
		kek  []byte
		key  []byte
		iv   []byte
	}{
		{"short kek", make([]byte, 8), goodKey, nil},
		{"odd kek", make([]byte, 20), goodKey, nil},
		{"key not multiple of 8", goodKEK, make([]byte, 20), nil},
		{"key too short", goodKEK, make([]byte, 8), nil},
		{"key too long", goodKEK, make([]byte, 520), nil},
		{"bad iv", goodKEK, goodKey, make([]byte, 7)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			iv := c.iv
			if iv == nil {
				iv = defaultIV[:]
			}
			if _, err := WrapWithIV(c.kek, c.key, iv); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestUnwrap_Validation(t *testing.T) {
	kek := make([]byte, 32)
	if _, err := Unwrap(kek, make([]byte, 17)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput for odd length", err)
	}
	if _, err := Unwrap(kek, make([]byte, 16)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput for too-short blob", err)
	}
}

func TestGenerateDataKey(t *testing.T) {
	a, err := GenerateDataKey(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != DefaultDataKeyLen {
		t.Fatalf("default size = %d, want %d", len(a), DefaultDataKeyLen)
	}

	b, err := GenerateDataKey(0)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two generated keys are identical")
	}

	if _, err := GenerateDataKey(7); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput for size 7", err)
	}
}
