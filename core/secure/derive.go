// Package secure implements the OSDP secure channel: AES-128 session
// key derivation, the CHLNG/CCRYPT/SCRYPT/RMAC-I handshake, and the
// per-message MAC chain and payload encryption used while a session is
// active.
package secure

import (
	"crypto/aes"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-128 key size every OSDP key uses.
	KeySize = 16
	// BlockSize is the AES block size.
	BlockSize = 16
	// ChallengeSize is the RND.A / RND.B random challenge size.
	ChallengeSize = 8
	// CryptogramSize is the size of the handshake proof cryptograms.
	CryptogramSize = 16
	// UIDSize is the PD client UID exchanged in CCRYPT.
	UIDSize = 8
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 16 bytes")
)

// SCBKD is the protocol-defined default secure channel base key, only
// permitted while a device is in install mode.
func SCBKD() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = 0x30 + byte(i)
	}
	return key
}

// DeriveSCBK derives a PD-specific SCBK from a shared master key by
// encrypting the PD client UID and its complement with the master key.
// Not allowed when enforcing secure mode; per-PD keys must be
// provisioned explicitly there.
func DeriveSCBK(masterKey []byte, uid [UIDSize]byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	var in [BlockSize]byte
	copy(in[:UIDSize], uid[:])
	for i := 0; i < UIDSize; i++ {
		in[UIDSize+i] = ^uid[i]
	}

	scbk := make([]byte, KeySize)
	block.Encrypt(scbk, in[:])
	return scbk, nil
}

// deriveSessionKeys computes S-ENC, S-MAC1 and S-MAC2 from the SCBK and
// the CP's challenge. Each key is a single AES block of a fixed
// derivation constant plus the first six bytes of RND.A, encrypted
// under the SCBK.
func deriveSessionKeys(scbk []byte, rndA [ChallengeSize]byte) (senc, smac1, smac2 [KeySize]byte, err error) {
	block, err := aes.NewCipher(scbk)
	if err != nil {
		return senc, smac1, smac2, fmt.Errorf("creating AES cipher: %w", err)
	}

	derive := func(tag byte, out *[KeySize]byte) {
		var in [BlockSize]byte
		in[0] = 0x01
		in[1] = tag
		copy(in[2:8], rndA[:6])
		block.Encrypt(out[:], in[:])
	}

	derive(0x82, &senc)
	derive(0x01, &smac1)
	derive(0x02, &smac2)
	return senc, smac1, smac2, nil
}

// computeCryptogram encrypts first||second under key. The CP cryptogram
// is ENC(S-ENC, RND.A||RND.B); the PD cryptogram swaps the halves.
func computeCryptogram(key [KeySize]byte, first, second [ChallengeSize]byte) ([CryptogramSize]byte, error) {
	var out [CryptogramSize]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("creating AES cipher: %w", err)
	}
	var in [BlockSize]byte
	copy(in[:ChallengeSize], first[:])
	copy(in[ChallengeSize:], second[:])
	block.Encrypt(out[:], in[:])
	return out, nil
}

// padBlock returns data padded to a block boundary with 0x80 followed
// by zeros. A full pad block is added when data is already aligned.
func padBlock(data []byte) []byte {
	padded := make([]byte, (len(data)/BlockSize+1)*BlockSize)
	copy(padded, data)
	padded[len(data)] = 0x80
	return padded
}

// unpadBlock strips the 0x80-and-zeros padding applied by padBlock.
func unpadBlock(data []byte) ([]byte, error) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0 {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, errors.New("invalid block padding")
	}
	return data[:i], nil
}

// zero wipes key material in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
