package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

const gcmTagLen = 16

// unmaskHeader removes the header protection of an Initial packet. It
// returns the decrypted header bytes (associated data for the payload AEAD),
// the plaintext packet number and the offset where the protected payload
// begins, all without touching the borrowed packet buffer.
func unmaskHeader(h *initialHeader, secrets *initialSecrets) (header []byte, packetNumber uint32, payloadOff, payloadLen int, ok bool) {
	block, err := aes.NewCipher(secrets.hp[:])
	if err != nil {
		return nil, 0, 0, 0, false
	}
	var maskBlock [sampleLength]byte
	block.Encrypt(maskBlock[:], h.sample)
	mask := maskBlock[:5]

	// Long header: low 4 bits of the first byte are masked.
	firstByte := h.data[0] ^ (mask[0] & 0x0f)
	pknLen := int(firstByte&0x03) + 1

	if h.pknOff+pknLen > len(h.data) || pknLen >= h.payloadLen {
		return nil, 0, 0, 0, false
	}

	headerLen := h.pknOff + pknLen
	header = make([]byte, headerLen)
	copy(header, h.data[:headerLen])
	header[0] = firstByte

	for i := 0; i < pknLen; i++ {
		plain := h.data[h.pknOff+i] ^ mask[1+i]
		header[h.pknOff+i] = plain
		packetNumber |= uint32(plain) << (8 * (pknLen - 1 - i))
	}

	payloadOff = h.pknOff + pknLen
	payloadLen = h.payloadLen - pknLen
	if payloadOff+payloadLen > len(h.data) {
		return nil, 0, 0, 0, false
	}
	return header, packetNumber, payloadOff, payloadLen, true
}

// decryptPayload opens the Initial payload with AES-128-GCM. The nonce is
// the IV with the packet number XOR-ed into its low 64 bits; the decrypted
// header is the associated data. Returns nil on tag mismatch.
func decryptPayload(h *initialHeader, secrets *initialSecrets, header []byte, packetNumber uint32, payloadOff, payloadLen int) []byte {
	if payloadLen <= gcmTagLen {
		return nil
	}
	var nonce [ivLen]byte
	copy(nonce[:], secrets.iv[:])
	low := binary.BigEndian.Uint64(nonce[ivLen-8:])
	binary.BigEndian.PutUint64(nonce[ivLen-8:], low^uint64(packetNumber))

	block, err := aes.NewCipher(secrets.key[:])
	if err != nil {
		return nil
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}
	plain, err := aead.Open(nil, nonce[:], h.data[payloadOff:payloadOff+payloadLen], header)
	if err != nil {
		return nil
	}
	return plain
}

// Frame types recognized inside Initial packets.
const (
	framePadding    = 0x00
	framePing       = 0x01
	frameACK        = 0x02
	frameACKECN     = 0x03
	frameCrypto     = 0x06
	frameConnClose  = 0x1c
)

// assembleCrypto reassembles CRYPTO frames at their offsets into a buffer
// whose first 4 bytes are reserved for a synthesized TLS record header.
// PADDING, PING, ACK and CONNECTION_CLOSE bytes are skipped one at a time;
// ACK and CONNECTION_CLOSE actually carry variable payloads, so packets with
// non-trivial ACK frames are not handled — the skip rules are kept exactly
// as shipped, see the package doc. Any other byte aborts.
func assembleCrypto(plain []byte) []byte {
	out := make([]byte, 4+len(plain))
	out[0] = frameCrypto

	off := 0
	for off < len(plain) {
		switch plain[off] {
		case frameCrypto:
			off++
			frameOff, next, ok := readVarint(plain, off)
			if !ok {
				return nil
			}
			length, next, ok := readVarint(plain, next)
			if !ok {
				return nil
			}
			off = next
			dst := 4 + int(frameOff)
			if dst >= len(out) || off+int(length) > len(plain) || dst+int(length) > len(out) {
				return nil
			}
			copy(out[dst:], plain[off:off+int(length)])
			off += int(length)
		case framePadding, framePing, frameACK, frameACKECN, frameConnClose:
			off++
		default:
			return nil
		}
	}
	return out
}
