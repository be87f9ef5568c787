package quic

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hashLen  = 32
	keyLen   = 16
	ivLen    = 12
	hpLen    = 16
	saltLen  = 20
	tls13Pfx = "tls13 "
)

// Initial salts per QUIC version family.
var (
	saltDraft22 = [saltLen]byte{
		0x7f, 0xbc, 0xdb, 0x0e, 0x7c, 0x66, 0xbb, 0xe9, 0x19, 0x3a,
		0x96, 0xcd, 0x21, 0x51, 0x9e, 0xbd, 0x7a, 0x02, 0x64, 0x4a,
	}
	saltDraft23 = [saltLen]byte{
		0xc3, 0xee, 0xf7, 0x12, 0xc7, 0x2e, 0xbb, 0x5a, 0x11, 0xa7,
		0xd2, 0x43, 0x2b, 0xb4, 0x63, 0x65, 0xbe, 0xf9, 0xf5, 0x02,
	}
	saltDraft29 = [saltLen]byte{
		0xaf, 0xbf, 0xec, 0x28, 0x99, 0x93, 0xd2, 0x4c, 0x9e, 0x97,
		0x86, 0xf1, 0x9c, 0x61, 0x11, 0xe0, 0x43, 0x90, 0xa8, 0x99,
	}
	saltV1 = [saltLen]byte{
		0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
		0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
	}
	saltQ050 = [saltLen]byte{
		0x50, 0x45, 0x74, 0xef, 0xd0, 0x66, 0xfe, 0x2f, 0x9d, 0x94,
		0x5c, 0xfc, 0xdb, 0xd3, 0xa7, 0xf0, 0xd3, 0xb5, 0x6b, 0x45,
	}
	saltT050 = [saltLen]byte{
		0x7f, 0xf5, 0x79, 0xe5, 0xac, 0xd0, 0x72, 0x91, 0x55, 0x80,
		0x30, 0x4c, 0x43, 0xa2, 0x36, 0x7c, 0x60, 0x48, 0x83, 0x10,
	}
	saltT051 = [saltLen]byte{
		0x7a, 0x4e, 0xde, 0xf4, 0xe7, 0xcc, 0xee, 0x5f, 0xa4, 0x50,
		0x6c, 0x19, 0x12, 0x4f, 0xc8, 0xcc, 0xda, 0x6e, 0x03, 0x3d,
	}
)

// Google QUIC version tags.
const (
	versionQ050 = 0x51303530
	versionT050 = 0x54303530
	versionT051 = 0x54303531
)

// draftVersion maps a version value to its draft number, or 0 for unknown.
// Versions with 0xff0000 in the top 24 bits carry the draft number in the
// low byte; a few vendor versions map to fixed drafts; v1 counts as 33.
func draftVersion(version uint32) uint8 {
	if version>>8 == 0xff0000 {
		return uint8(version)
	}
	switch version {
	case 0xfaceb001:
		return 22
	case 0xfaceb002, 0xfaceb00e, versionQ050, versionT050, versionT051:
		return 27
	case 0x0a0a0a0a & 0x0f0f0f0f:
		return 29
	case 0x00000001:
		return 33
	default:
		return 0
	}
}

func versionAtMost(version uint32, maxDraft uint8) bool {
	d := draftVersion(version)
	return d != 0 && d <= maxDraft
}

// selectSalt picks the initial salt for a version and reports whether the
// version is a Google QUIC dialect (whose Initial payload carries no
// standard CRYPTO framing).
func selectSalt(version uint32) (salt [saltLen]byte, google bool) {
	switch {
	case version == versionQ050:
		return saltQ050, true
	case version == versionT050:
		return saltT050, true
	case version == versionT051:
		return saltT051, true
	case versionAtMost(version, 22):
		return saltDraft22, false
	case versionAtMost(version, 28):
		return saltDraft23, false
	case versionAtMost(version, 32):
		return saltDraft29, false
	default:
		return saltV1, false
	}
}

// initialSecrets holds the per-direction Initial protection material.
type initialSecrets struct {
	key [keyLen]byte
	iv  [ivLen]byte
	hp  [hpLen]byte
}

// hkdfLabel builds the TLS 1.3 HkdfLabel structure: big-endian output
// length, length-prefixed "tls13 "+label, empty context.
func hkdfLabel(label string, length int) []byte {
	full := tls13Pfx + label
	out := make([]byte, 0, 2+1+len(full)+1)
	out = append(out, byte(length>>8), byte(length))
	out = append(out, byte(len(full)))
	out = append(out, full...)
	out = append(out, 0)
	return out
}

// expandLabel is HKDF-Expand-Label(secret, label, "", n) with SHA-256.
func expandLabel(secret []byte, label string, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.Expand(sha256.New, secret, hkdfLabel(label, n))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveInitialSecrets runs the Initial key schedule for one direction:
// HKDF-Extract(salt, connection id), then "client in"/"server in", then the
// quic key/iv/hp expansions.
func deriveInitialSecrets(salt [saltLen]byte, connID []byte, label string) (s initialSecrets, err error) {
	prk := hkdf.Extract(sha256.New, connID, salt[:])
	secret, err := expandLabel(prk, label, hashLen)
	if err != nil {
		return s, err
	}
	key, err := expandLabel(secret, "quic key", keyLen)
	if err != nil {
		return s, err
	}
	iv, err := expandLabel(secret, "quic iv", ivLen)
	if err != nil {
		return s, err
	}
	hp, err := expandLabel(secret, "quic hp", hpLen)
	if err != nil {
		return s, err
	}
	copy(s.key[:], key)
	copy(s.iv[:], iv)
	copy(s.hp[:], hp)
	return s, nil
}
