package secure

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

// handshake runs the full CHLNG/CCRYPT/SCRYPT/RMAC-I exchange between a
// CP and PD session and fails the test on any step error.
func handshake(t *testing.T, cp, pd *Session) {
	t.Helper()

	chlng, err := cp.Challenge()
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	var rndA [ChallengeSize]byte
	copy(rndA[:], chlng)

	rndB, pdCrypto, err := pd.HandleChallenge(rndA)
	if err != nil {
		t.Fatalf("HandleChallenge: %v", err)
	}

	var uid [UIDSize]byte
	scrypt, err := cp.HandleCCrypt(uid, rndB, pdCrypto)
	if err != nil {
		t.Fatalf("HandleCCrypt: %v", err)
	}
	var cpCrypto [CryptogramSize]byte
	copy(cpCrypto[:], scrypt)

	rmacI, err := pd.HandleSCrypt(cpCrypto)
	if err != nil {
		t.Fatalf("HandleSCrypt: %v", err)
	}
	if err := cp.HandleRMacI(rmacI); err != nil {
		t.Fatalf("HandleRMacI: %v", err)
	}
}

func TestHandshake(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, testKey(), nil)

	handshake(t, cp, pd)

	if !cp.IsActive() || !pd.IsActive() {
		t.Fatalf("sessions not active: cp=%v pd=%v", cp.State(), pd.State())
	}
	if !bytes.Equal(cp.cmac[:], pd.cmac[:]) || !bytes.Equal(cp.rmac[:], pd.rmac[:]) {
		t.Fatal("mac chains not aligned after handshake")
	}
}

func TestHandshakeDefaultKey(t *testing.T) {
	cp, err := NewSession(RoleCP, nil, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	pd, _ := NewSession(RolePD, nil, nil)

	if !cp.UsingDefaultKey() || cp.KeyRef() != 0 {
		t.Fatalf("expected SCBK-D key ref, got %d", cp.KeyRef())
	}
	handshake(t, cp, pd)
	if !cp.IsActive() {
		t.Fatal("session not active with default key")
	}
}

func TestHandshakeKeyMismatch(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, nil, nil) // SCBK-D, wrong key

	chlng, err := cp.Challenge()
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	var rndA [ChallengeSize]byte
	copy(rndA[:], chlng)

	rndB, pdCrypto, err := pd.HandleChallenge(rndA)
	if err != nil {
		t.Fatalf("HandleChallenge: %v", err)
	}

	var uid [UIDSize]byte
	if _, err := cp.HandleCCrypt(uid, rndB, pdCrypto); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	if cp.State() != Uninitialized {
		t.Fatalf("expected reset after auth failure, got %v", cp.State())
	}
}

func TestMACChain(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, testKey(), nil)
	handshake(t, cp, pd)

	for i := 0; i < 5; i++ {
		cmdFrame := []byte{0x53, 0x65, 0x0e, 0x00, 0x0d, byte(i)}
		mac, err := cp.ComputeMAC(cmdFrame, true)
		if err != nil {
			t.Fatalf("ComputeMAC cmd %d: %v", i, err)
		}
		if len(mac) != 4 {
			t.Fatalf("mac length %d", len(mac))
		}
		if err := pd.VerifyMAC(cmdFrame, mac, true); err != nil {
			t.Fatalf("VerifyMAC cmd %d: %v", i, err)
		}

		replyFrame := []byte{0x53, 0xe5, 0x0e, 0x00, 0x0d, 0x40, byte(i)}
		rmac, err := pd.ComputeMAC(replyFrame, false)
		if err != nil {
			t.Fatalf("ComputeMAC reply %d: %v", i, err)
		}
		if err := cp.VerifyMAC(replyFrame, rmac, false); err != nil {
			t.Fatalf("VerifyMAC reply %d: %v", i, err)
		}
	}
}

func TestMACMismatchResetsSession(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, testKey(), nil)
	handshake(t, cp, pd)

	frame := []byte{0x53, 0x65, 0x0e, 0x00, 0x0d, 0x60}
	mac, err := cp.ComputeMAC(frame, true)
	if err != nil {
		t.Fatalf("ComputeMAC: %v", err)
	}
	mac[0] ^= 0xff
	if err := pd.VerifyMAC(frame, mac, true); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
	if pd.State() != Uninitialized {
		t.Fatalf("expected session reset, got %v", pd.State())
	}
	var zeroes [KeySize]byte
	if !bytes.Equal(pd.senc[:], zeroes[:]) {
		t.Fatal("session keys not wiped on reset")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, testKey(), nil)
	handshake(t, cp, pd)

	tests := [][]byte{
		{0x01},
		{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		bytes.Repeat([]byte{0xAA}, 16), // exact block, forces pad block
		bytes.Repeat([]byte{0x5A}, 33),
	}
	for i, plaintext := range tests {
		ct, err := cp.EncryptPayload(plaintext, true)
		if err != nil {
			t.Fatalf("EncryptPayload %d: %v", i, err)
		}
		if len(ct)%BlockSize != 0 {
			t.Fatalf("ciphertext %d not block aligned: %d", i, len(ct))
		}
		if bytes.Contains(ct, plaintext) && len(plaintext) > 4 {
			t.Fatalf("ciphertext %d contains plaintext", i)
		}
		got, err := pd.DecryptPayload(ct, true)
		if err != nil {
			t.Fatalf("DecryptPayload %d: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip %d: got % x want % x", i, got, plaintext)
		}

		// Advance the chain so the next IV differs.
		frame := append([]byte{0x53, 0x65}, ct...)
		mac, err := cp.ComputeMAC(frame, true)
		if err != nil {
			t.Fatalf("ComputeMAC %d: %v", i, err)
		}
		if err := pd.VerifyMAC(frame, mac, true); err != nil {
			t.Fatalf("VerifyMAC %d: %v", i, err)
		}
	}
}

func TestDecryptBadPadding(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, testKey(), nil)
	handshake(t, cp, pd)

	if _, err := pd.DecryptPayload(bytes.Repeat([]byte{0x11}, 15), true); err == nil {
		t.Fatal("expected error for unaligned ciphertext")
	}
}

func TestNotActiveErrors(t *testing.T) {
	s, _ := NewSession(RoleCP, testKey(), nil)
	if _, err := s.ComputeMAC([]byte{1}, true); err != ErrNotActive {
		t.Fatalf("ComputeMAC: expected ErrNotActive, got %v", err)
	}
	if _, err := s.EncryptPayload([]byte{1}, true); err != ErrNotActive {
		t.Fatalf("EncryptPayload: expected ErrNotActive, got %v", err)
	}
	if _, _, err := s.HandleChallenge([ChallengeSize]byte{}); err != ErrInvalidState {
		t.Fatalf("HandleChallenge on CP role: expected ErrInvalidState, got %v", err)
	}
}

func TestSetKeyResets(t *testing.T) {
	cp, _ := NewSession(RoleCP, nil, nil)
	pd, _ := NewSession(RolePD, nil, nil)
	handshake(t, cp, pd)

	if err := cp.SetKey(testKey()); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if cp.State() != Uninitialized || cp.UsingDefaultKey() {
		t.Fatalf("expected uninitialized non-default session, got %v", cp.State())
	}
	if err := cp.SetKey(make([]byte, 8)); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestExpire(t *testing.T) {
	cp, _ := NewSession(RoleCP, testKey(), nil)
	pd, _ := NewSession(RolePD, testKey(), nil)
	handshake(t, cp, pd)

	cp.Expire()
	if cp.State() != Expired {
		t.Fatalf("expected expired, got %v", cp.State())
	}
	if _, err := cp.ComputeMAC([]byte{1}, true); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive after expiry, got %v", err)
	}
	// Re-handshake recovers.
	handshake(t, cp, pd)
	if !cp.IsActive() {
		t.Fatal("re-handshake did not reactivate session")
	}
}

func TestDeriveSCBK(t *testing.T) {
	uid := [UIDSize]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	k1, err := DeriveSCBK(testKey(), uid)
	if err != nil {
		t.Fatalf("DeriveSCBK: %v", err)
	}
	if len(k1) != KeySize {
		t.Fatalf("key length %d", len(k1))
	}
	uid[7] = 0x09
	k2, _ := DeriveSCBK(testKey(), uid)
	if bytes.Equal(k1, k2) {
		t.Fatal("different UIDs produced the same SCBK")
	}
	if _, err := DeriveSCBK([]byte{1, 2, 3}, uid); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestPadding(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := bytes.Repeat([]byte{0x42}, n)
		padded := padBlock(data)
		if len(padded)%BlockSize != 0 || len(padded) <= n {
			t.Fatalf("pad(%d) -> %d", n, len(padded))
		}
		got, err := unpadBlock(padded)
		if err != nil {
			t.Fatalf("unpad(%d): %v", n, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("pad round trip failed for n=%d", n)
		}
	}
	if _, err := unpadBlock(make([]byte, 16)); err == nil {
		t.Fatal("expected error for all-zero padding")
	}
}
