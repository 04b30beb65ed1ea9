package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
)

// State is the secure channel session lifecycle.
type State int

const (
	// Uninitialized means no handshake has started; plaintext only.
	Uninitialized State = iota
	// ChallengeSent means a CHLNG is outstanding and session keys may
	// already be derived, but neither side has proven possession.
	ChallengeSent
	// KeysEstablished means cryptograms verified; waiting for RMAC-I to
	// seed the MAC chain.
	KeysEstablished
	// Active means the session is live: every frame is MAC'd and
	// payloads are encrypted.
	Active
	// Expired means the session was valid but must be re-established
	// before further secured traffic.
	Expired
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ChallengeSent:
		return "challenge-sent"
	case KeysEstablished:
		return "keys-established"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role says which side of the handshake this session drives.
type Role int

const (
	RoleCP Role = iota
	RolePD
)

var (
	ErrNotActive    = errors.New("secure channel not active")
	ErrInvalidState = errors.New("operation invalid in current session state")
	ErrAuthFailure  = errors.New("cryptogram verification failed")
	ErrMACMismatch  = errors.New("message authentication failed")
)

// Session holds the secure channel state for a single CP<->PD pairing.
// A Session is exclusively owned by the goroutine running its device
// loop and performs no internal locking.
type Session struct {
	role  Role
	state State
	log   *slog.Logger

	scbk     [KeySize]byte
	usingD   bool // session keyed with SCBK-D (install mode)
	senc     [KeySize]byte
	smac1    [KeySize]byte
	smac2    [KeySize]byte
	cmac     [BlockSize]byte
	rmac     [BlockSize]byte
	rndA     [ChallengeSize]byte
	rndB     [ChallengeSize]byte
	cpCrypto [CryptogramSize]byte
	pdCrypto [CryptogramSize]byte
}

// NewSession creates a session keyed with scbk. Pass nil scbk to key
// with SCBK-D for install-mode pairing.
func NewSession(role Role, scbk []byte, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		role:  role,
		state: Uninitialized,
		log:   logger.WithGroup("secure"),
	}
	if scbk == nil {
		copy(s.scbk[:], SCBKD())
		s.usingD = true
	} else {
		if len(scbk) != KeySize {
			return nil, ErrInvalidKeySize
		}
		copy(s.scbk[:], scbk)
	}
	return s, nil
}

// State reports the current session state.
func (s *Session) State() State { return s.state }

// IsActive reports whether frames must be secured.
func (s *Session) IsActive() bool { return s.state == Active }

// UsingDefaultKey reports whether the session is keyed with SCBK-D.
func (s *Session) UsingDefaultKey() bool { return s.usingD }

// SetKey replaces the SCBK, typically after a KEYSET exchange. The
// session drops back to Uninitialized; a fresh handshake is required.
func (s *Session) SetKey(scbk []byte) error {
	if len(scbk) != KeySize {
		return ErrInvalidKeySize
	}
	s.Reset()
	copy(s.scbk[:], scbk)
	s.usingD = false
	return nil
}

// Reset tears the session down and wipes all derived key material. The
// SCBK itself is kept so the channel can be re-established.
func (s *Session) Reset() {
	zero(s.senc[:])
	zero(s.smac1[:])
	zero(s.smac2[:])
	zero(s.cmac[:])
	zero(s.rmac[:])
	zero(s.rndA[:])
	zero(s.rndB[:])
	zero(s.cpCrypto[:])
	zero(s.pdCrypto[:])
	s.state = Uninitialized
}

// Expire marks an active session as needing re-establishment without
// wiping keys immediately; the next handshake resets everything.
func (s *Session) Expire() {
	if s.state == Active {
		s.state = Expired
	}
}

// KeyRef returns the SCB key reference byte for CHLNG/CCRYPT blocks.
func (s *Session) KeyRef() uint8 {
	if s.usingD {
		return 0 // SCBK-D
	}
	return 1
}

// Challenge starts a CP-side handshake: generates RND.A and returns it
// as the CHLNG payload.
func (s *Session) Challenge() ([]byte, error) {
	if s.role != RoleCP {
		return nil, ErrInvalidState
	}
	s.Reset()
	if _, err := rand.Read(s.rndA[:]); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	s.state = ChallengeSent
	return append([]byte(nil), s.rndA[:]...), nil
}

// HandleCCrypt processes the PD's CCRYPT reply on the CP side: derives
// session keys, checks the PD cryptogram, and returns the SCRYPT
// payload (the CP cryptogram). On verification failure the session is
// reset.
func (s *Session) HandleCCrypt(uid [UIDSize]byte, rndB [ChallengeSize]byte, pdCryptogram [CryptogramSize]byte) ([]byte, error) {
	if s.role != RoleCP || s.state != ChallengeSent {
		return nil, ErrInvalidState
	}
	s.rndB = rndB
	if err := s.deriveKeys(); err != nil {
		s.Reset()
		return nil, err
	}
	if subtle.ConstantTimeCompare(pdCryptogram[:], s.pdCrypto[:]) != 1 {
		s.log.Warn("pd cryptogram mismatch")
		s.Reset()
		return nil, ErrAuthFailure
	}
	s.state = KeysEstablished
	return append([]byte(nil), s.cpCrypto[:]...), nil
}

// HandleRMacI processes the PD's RMAC-I reply, seeding the MAC chain
// and bringing the session Active.
func (s *Session) HandleRMacI(rmacI [BlockSize]byte) error {
	if s.role != RoleCP || s.state != KeysEstablished {
		return ErrInvalidState
	}
	expected, err := s.initialRMAC()
	if err != nil {
		s.Reset()
		return err
	}
	if subtle.ConstantTimeCompare(rmacI[:], expected[:]) != 1 {
		s.log.Warn("initial rmac mismatch")
		s.Reset()
		return ErrAuthFailure
	}
	s.cmac = rmacI
	s.rmac = rmacI
	s.state = Active
	s.log.Debug("secure channel established", "keyref", s.KeyRef())
	return nil
}

// HandleChallenge processes a CHLNG on the PD side: stores RND.A,
// generates RND.B, derives keys, and returns the CCRYPT payload fields.
func (s *Session) HandleChallenge(rndA [ChallengeSize]byte) (rndB [ChallengeSize]byte, pdCryptogram [CryptogramSize]byte, err error) {
	if s.role != RolePD {
		return rndB, pdCryptogram, ErrInvalidState
	}
	s.Reset()
	s.rndA = rndA
	if _, err = rand.Read(s.rndB[:]); err != nil {
		return rndB, pdCryptogram, fmt.Errorf("generating challenge: %w", err)
	}
	if err = s.deriveKeys(); err != nil {
		s.Reset()
		return rndB, pdCryptogram, err
	}
	s.state = ChallengeSent
	return s.rndB, s.pdCrypto, nil
}

// HandleSCrypt processes the CP's SCRYPT on the PD side: verifies the
// CP cryptogram and returns the RMAC-I payload, bringing the session
// Active.
func (s *Session) HandleSCrypt(cpCryptogram [CryptogramSize]byte) ([BlockSize]byte, error) {
	var rmacI [BlockSize]byte
	if s.role != RolePD || s.state != ChallengeSent {
		return rmacI, ErrInvalidState
	}
	if subtle.ConstantTimeCompare(cpCryptogram[:], s.cpCrypto[:]) != 1 {
		s.log.Warn("cp cryptogram mismatch")
		s.Reset()
		return rmacI, ErrAuthFailure
	}
	rmacI, err := s.initialRMAC()
	if err != nil {
		s.Reset()
		return rmacI, err
	}
	s.cmac = rmacI
	s.rmac = rmacI
	s.state = Active
	s.log.Debug("secure channel established", "keyref", s.KeyRef())
	return rmacI, nil
}

func (s *Session) deriveKeys() error {
	senc, smac1, smac2, err := deriveSessionKeys(s.scbk[:], s.rndA)
	if err != nil {
		return err
	}
	s.senc, s.smac1, s.smac2 = senc, smac1, smac2
	if s.cpCrypto, err = computeCryptogram(s.senc, s.rndA, s.rndB); err != nil {
		return err
	}
	if s.pdCrypto, err = computeCryptogram(s.senc, s.rndB, s.rndA); err != nil {
		return err
	}
	return nil
}

// initialRMAC is AES(S-MAC2, AES(S-MAC1, cp_cryptogram)).
func (s *Session) initialRMAC() ([BlockSize]byte, error) {
	var out [BlockSize]byte
	b1, err := aes.NewCipher(s.smac1[:])
	if err != nil {
		return out, err
	}
	b2, err := aes.NewCipher(s.smac2[:])
	if err != nil {
		return out, err
	}
	b1.Encrypt(out[:], s.cpCrypto[:])
	b2.Encrypt(out[:], out[:])
	return out, nil
}

// ComputeMAC computes the 4-byte truncated MAC over a serialized frame
// and advances the MAC chain. isCmd selects the chain direction: true
// for command frames (IV = R-MAC, result stored as C-MAC), false for
// replies.
func (s *Session) ComputeMAC(frame []byte, isCmd bool) ([]byte, error) {
	full, err := s.macBlocks(frame, isCmd)
	if err != nil {
		return nil, err
	}
	if isCmd {
		s.cmac = full
	} else {
		s.rmac = full
	}
	return append([]byte(nil), full[:4]...), nil
}

// VerifyMAC checks a received frame's truncated MAC and advances the
// chain. Any mismatch resets the session to Uninitialized.
func (s *Session) VerifyMAC(frame, mac []byte, isCmd bool) error {
	full, err := s.macBlocks(frame, isCmd)
	if err != nil {
		s.Reset()
		return err
	}
	if subtle.ConstantTimeCompare(mac, full[:4]) != 1 {
		s.log.Warn("mac mismatch, dropping session")
		s.Reset()
		return ErrMACMismatch
	}
	if isCmd {
		s.cmac = full
	} else {
		s.rmac = full
	}
	return nil
}

// macBlocks runs the chained CBC-MAC: pad the frame, encrypt all but
// the last block with S-MAC1 chained from the peer's last MAC, then the
// final block with S-MAC2.
func (s *Session) macBlocks(frame []byte, isCmd bool) ([BlockSize]byte, error) {
	var out [BlockSize]byte
	if s.state != Active {
		return out, ErrNotActive
	}
	b1, err := aes.NewCipher(s.smac1[:])
	if err != nil {
		return out, err
	}
	b2, err := aes.NewCipher(s.smac2[:])
	if err != nil {
		return out, err
	}

	if isCmd {
		out = s.rmac
	} else {
		out = s.cmac
	}

	padded := padBlock(frame)
	var buf [BlockSize]byte
	for off := 0; off < len(padded); off += BlockSize {
		for i := 0; i < BlockSize; i++ {
			buf[i] = out[i] ^ padded[off+i]
		}
		if off+BlockSize == len(padded) {
			b2.Encrypt(out[:], buf[:])
		} else {
			b1.Encrypt(out[:], buf[:])
		}
	}
	return out, nil
}

// EncryptPayload encrypts a plaintext payload for the wire. The IV is
// the bitwise complement of the peer's last full MAC, so MAC
// computation for this frame must happen after encryption on send.
func (s *Session) EncryptPayload(plaintext []byte, isCmd bool) ([]byte, error) {
	if s.state != Active {
		return nil, ErrNotActive
	}
	if len(plaintext) == 0 {
		return nil, nil
	}
	block, err := aes.NewCipher(s.senc[:])
	if err != nil {
		return nil, err
	}
	padded := padBlock(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, s.payloadIV(isCmd)).CryptBlocks(out, padded)
	return out, nil
}

// DecryptPayload reverses EncryptPayload. Call before VerifyMAC
// advances the chain for this frame.
func (s *Session) DecryptPayload(ciphertext []byte, isCmd bool) ([]byte, error) {
	if s.state != Active {
		return nil, ErrNotActive
	}
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%BlockSize != 0 {
		return nil, errors.New("ciphertext not block aligned")
	}
	block, err := aes.NewCipher(s.senc[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, s.payloadIV(isCmd)).CryptBlocks(out, ciphertext)
	return unpadBlock(out)
}

func (s *Session) payloadIV(isCmd bool) []byte {
	var src [BlockSize]byte
	if isCmd {
		src = s.rmac
	} else {
		src = s.cmac
	}
	iv := make([]byte, BlockSize)
	for i := range src {
		iv[i] = ^src[i]
	}
	return iv
}
