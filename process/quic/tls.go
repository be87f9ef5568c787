package quic

import (
	"encoding/binary"
)

// TLS handshake constants used by the embedded ClientHello parse.
const (
	tlsHandshakeClientHello = 0x01
	tlsHandshakeServerHello = 0x02

	tlsExtServerName               = 0x0000
	tlsExtQUICTransportParams      = 0xffa5
	tlsExtQUICTransportParamsV1    = 0x0039
	tlsExtQUICTransportParamsV2    = 0x39fa
	tlsExtGoogleUserAgentParam     = 0x3129
)

// payloadReader is a cursor over the reassembled handshake bytes.
type payloadReader struct {
	data []byte
	off  int
	end  int
}

func (r *payloadReader) remaining() int { return r.end - r.off }

// parseHandshakeHeader consumes the handshake header up to the extensions
// length field and positions the reader at the first extension. The reader's
// end is clamped to the extensions block.
func parseHandshakeHeader(r *payloadReader) bool {
	// type(1) + length(3) + version(2)
	if r.remaining() < 6 {
		return false
	}
	hsType := r.data[r.off]
	if hsType != tlsHandshakeClientHello && hsType != tlsHandshakeServerHello {
		return false
	}
	major := r.data[r.off+4]
	minor := r.data[r.off+5]
	// type + length + version + random + sessionid + ciphers + compression + ext-len
	if r.remaining() < 44 || major != 3 || minor < 1 || minor > 3 {
		return false
	}
	r.off += 6

	r.off += 32 // random

	sess := int(r.data[r.off])
	if r.off+sess+2 > r.end {
		return false
	}
	r.off += sess + 1

	if hsType == tlsHandshakeClientHello {
		if r.off+2 > r.end {
			return false
		}
		r.off += int(binary.BigEndian.Uint16(r.data[r.off:])) + 2 // cipher suites
		if r.off >= r.end {
			return false
		}
		comp := int(r.data[r.off])
		if r.off+comp+3 > r.end {
			return false
		}
		r.off += comp + 1
	} else {
		r.off += 2 // cipher suite
		r.off += 1 // compression method
	}

	if r.off+2 > r.end {
		return false
	}
	extEnd := r.off + int(binary.BigEndian.Uint16(r.data[r.off:])) + 2
	r.off += 2
	if extEnd <= r.end {
		r.end = extEnd
	}
	return true
}

// parseServerName extracts the first HostName of a server_name extension.
func parseServerName(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data))
	if 2+listLen > len(data) {
		return "", false
	}
	off := 2
	listEnd := 2 + listLen
	for off+3 < listEnd {
		// name type(1) + name length(2)
		nameLen := int(binary.BigEndian.Uint16(data[off+1:]))
		off += 3
		if off+nameLen > listEnd {
			break
		}
		return truncate(data[off:off+nameLen], maxFieldLen), true
	}
	return "", false
}

// parseTransportParams walks (varint id, varint length, value) tuples and
// returns the Google user-agent parameter when present.
func parseTransportParams(data []byte) (string, bool) {
	off := 0
	for off < len(data) {
		id, next, ok := readVarint(data, off)
		if !ok {
			return "", false
		}
		length, next, ok := readVarint(data, next)
		if !ok {
			return "", false
		}
		off = next
		if off+int(length) > len(data) {
			return "", false
		}
		if id == tlsExtGoogleUserAgentParam {
			return truncate(data[off:off+int(length)], maxFieldLen), true
		}
		off += int(length)
	}
	return "", false
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// parseClientHello extracts SNI and user agent from a reassembled Initial
// handshake. The buffer starts with the synthesized 4-byte record prefix.
func parseClientHello(assembled []byte, rec *RecordExt) bool {
	if len(assembled) < 4 || assembled[0] != frameCrypto {
		return false
	}
	r := &payloadReader{data: assembled, off: 4, end: len(assembled)}
	if !parseHandshakeHeader(r) {
		return false
	}

	sniParsed, uaParsed := false, false
	for r.off+4 <= r.end {
		extType := binary.BigEndian.Uint16(r.data[r.off:])
		extLen := int(binary.BigEndian.Uint16(r.data[r.off+2:]))
		r.off += 4
		if r.off+extLen > r.end {
			break
		}
		body := r.data[r.off : r.off+extLen]
		switch extType {
		case tlsExtServerName:
			if rec.SNI == "" {
				if sni, ok := parseServerName(body); ok {
					rec.SNI = sni
					sniParsed = true
				}
			}
		case tlsExtQUICTransportParams, tlsExtQUICTransportParamsV1, tlsExtQUICTransportParamsV2:
			if ua, ok := parseTransportParams(body); ok {
				rec.UserAgent = ua
				uaParsed = true
			}
		}
		r.off += extLen
	}
	return sniParsed || uaParsed
}
