package drs

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Attribute ids whose values travel protected by the session key
const (
	AttrCurrentValue            uint32 = 589851
	AttrDBCSPwd                 uint32 = 589879
	AttrUnicodePwd              uint32 = 589914
	AttrNTPwdHistory            uint32 = 589918
	AttrPriorValue              uint32 = 589924
	AttrSupplementalCredentials uint32 = 589949
	AttrTrustAuthIncoming       uint32 = 589953
	AttrTrustAuthOutgoing       uint32 = 589959
	AttrLMPwdHistory            uint32 = 589984
	AttrInitialAuthIncoming     uint32 = 590361
	AttrInitialAuthOutgoing     uint32 = 590362
)

var secretAttributes = map[uint32]struct{}{
	AttrCurrentValue:            {},
	AttrDBCSPwd:                 {},
	AttrUnicodePwd:              {},
	AttrNTPwdHistory:            {},
	AttrPriorValue:              {},
	AttrSupplementalCredentials: {},
	AttrTrustAuthIncoming:       {},
	AttrTrustAuthOutgoing:       {},
	AttrLMPwdHistory:            {},
	AttrInitialAuthIncoming:     {},
	AttrInitialAuthOutgoing:     {},
}

// IsSecretAttribute reports whether values of id are session-key protected
func IsSecretAttribute(id uint32) bool {
	_, ok := secretAttributes[id]
	return ok
}

const confounderSize = 16

// ErrChecksumMismatch is returned when an unprotected value fails its integrity check
var ErrChecksumMismatch = errors.New("secret attribute checksum mismatch")

// Unprotector removes session-key protection from secret attribute values
type Unprotector interface {
	Unprotect(sessionKey []byte, attrID uint32, value []byte) ([]byte, error)
}

// SessionKeyUnprotector handles the confounder + RC4 + CRC32 envelope
type SessionKeyUnprotector struct{}

// Unprotect returns the plaintext of value. Non-secret attributes pass through.
func (SessionKeyUnprotector) Unprotect(sessionKey []byte, attrID uint32, value []byte) ([]byte, error) {
	if !IsSecretAttribute(attrID) {
		return value, nil
	}
	if len(sessionKey) == 0 {
		return nil, fmt.Errorf("attribute %d: no session key", attrID)
	}
	if len(value) < confounderSize+4 {
		return nil, fmt.Errorf("attribute %d: protected value too short (%d bytes)", attrID, len(value))
	}

	confounder := value[:confounderSize]
	cipher, err := rc4.NewCipher(envelopeKey(sessionKey, confounder))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(value)-confounderSize)
	cipher.XORKeyStream(out, value[confounderSize:])

	plain := out[4:]
	if binary.LittleEndian.Uint32(out[:4]) != crc32.ChecksumIEEE(plain) {
		return nil, fmt.Errorf("attribute %d: %w", attrID, ErrChecksumMismatch)
	}
	return plain, nil
}

// Protect wraps plain in the session-key envelope using a random confounder
func Protect(sessionKey, plain []byte) ([]byte, error) {
	confounder := make([]byte, confounderSize)
	if _, err := rand.Read(confounder); err != nil {
		return nil, err
	}

	inner := make([]byte, 4+len(plain))
	binary.LittleEndian.PutUint32(inner, crc32.ChecksumIEEE(plain))
	copy(inner[4:], plain)

	cipher, err := rc4.NewCipher(envelopeKey(sessionKey, confounder))
	if err != nil {
		return nil, err
	}
	cipher.XORKeyStream(inner, inner)

	return append(confounder, inner...), nil
}

func envelopeKey(sessionKey, confounder []byte) []byte {
	h := md5.New()
	h.Write(sessionKey)
	h.Write(confounder)
	return h.Sum(nil)
}
