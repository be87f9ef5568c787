package quic

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReadVarint(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint64
		n    int
		ok   bool
	}{
		{[]byte{0x25}, 37, 1, true},
		{[]byte{0x40, 0x25}, 37, 2, true},
		{[]byte{0x7b, 0xbd}, 15293, 2, true},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333, 4, true},
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652, 8, true},
		{[]byte{0x40}, 0, 0, false},
		{[]byte{0x80, 0x01}, 0, 0, false},
		{[]byte{0xc0, 0x01, 0x02, 0x03}, 0, 0, false},
		{nil, 0, 0, false},
	}
	for _, tt := range tests {
		got, next, ok := readVarint(tt.in, 0)
		if ok != tt.ok {
			t.Errorf("varint % x: ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if got != tt.want || next != tt.n {
			t.Errorf("varint % x = %d (next %d), want %d (next %d)", tt.in, got, next, tt.want, tt.n)
		}
	}
}

func TestHkdfLabelLayout(t *testing.T) {
	label := hkdfLabel("quic key", 16)
	want := append([]byte{0x00, 0x10, 0x0e}, []byte("tls13 quic key")...)
	want = append(want, 0x00)
	if !bytes.Equal(label, want) {
		t.Errorf("hkdf label = % x, want % x", label, want)
	}
}

// Initial secret vectors from the QUIC-TLS specification for connection id
// 8394c8f03e515708.
func TestDeriveInitialSecretsVectors(t *testing.T) {
	dcid := unhex(t, "8394c8f03e515708")

	client, err := deriveInitialSecrets(saltV1, dcid, "client in")
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(client.key[:]); got != "1f369613dd76d5467730efcbe3b1a22d" {
		t.Errorf("client key = %s", got)
	}
	if got := hex.EncodeToString(client.iv[:]); got != "fa044b2f42a3fd3b46fb255c" {
		t.Errorf("client iv = %s", got)
	}
	if got := hex.EncodeToString(client.hp[:]); got != "9f50449e04a0e810283a1e9933adedd2" {
		t.Errorf("client hp = %s", got)
	}

	server, err := deriveInitialSecrets(saltV1, dcid, "server in")
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(server.key[:]); got != "cf3a5331653c364c88f0f379b6067e37" {
		t.Errorf("server key = %s", got)
	}
	if got := hex.EncodeToString(server.iv[:]); got != "0ac1493ca1905853b0bba03e" {
		t.Errorf("server iv = %s", got)
	}
	if got := hex.EncodeToString(server.hp[:]); got != "c206b8d9b9f0f37644430b490eeaa314" {
		t.Errorf("server hp = %s", got)
	}
}

func TestDraftVersionAndSalts(t *testing.T) {
	if d := draftVersion(0xff00001d); d != 29 {
		t.Errorf("draft of 0xff00001d = %d", d)
	}
	if d := draftVersion(0x00000001); d != 33 {
		t.Errorf("draft of v1 = %d", d)
	}
	if d := draftVersion(0xdeadbeef); d != 0 {
		t.Errorf("unknown version mapped to draft %d", d)
	}

	if salt, google := selectSalt(versionQ050); !google || salt != saltQ050 {
		t.Error("Q050 must select the Google Q050 salt")
	}
	if salt, google := selectSalt(0xff000016); google || salt != saltDraft22 {
		t.Error("draft 22 must select the draft-22 salt")
	}
	if salt, google := selectSalt(0xff00001d); google || salt != saltDraft29 {
		t.Error("draft 29 must select the draft-29 salt")
	}
	if salt, google := selectSalt(0x00000001); google || salt != saltV1 {
		t.Error("v1 must select the v1 salt")
	}
}

func TestIsInitial(t *testing.T) {
	if !isInitial(0xc3) {
		t.Error("0xc3 is a long-header Initial")
	}
	if isInitial(0x43) {
		t.Error("short header accepted")
	}
	if isInitial(0xe0) {
		t.Error("handshake packet accepted")
	}
}

// buildClientHello assembles a minimal ClientHello with the given SNI and,
// optionally, a QUIC transport parameters extension carrying the Google
// user-agent parameter.
func buildClientHello(sni, userAgent string) []byte {
	var ext bytes.Buffer
	if sni != "" {
		var body bytes.Buffer
		listLen := 3 + len(sni)
		binary.Write(&body, binary.BigEndian, uint16(listLen))
		body.WriteByte(0) // host_name
		binary.Write(&body, binary.BigEndian, uint16(len(sni)))
		body.WriteString(sni)
		binary.Write(&ext, binary.BigEndian, uint16(tlsExtServerName))
		binary.Write(&ext, binary.BigEndian, uint16(body.Len()))
		ext.Write(body.Bytes())
	}
	if userAgent != "" {
		var body bytes.Buffer
		body.Write([]byte{0x71, 0x29}) // varint 0x3129
		body.WriteByte(byte(len(userAgent)))
		body.WriteString(userAgent)
		binary.Write(&ext, binary.BigEndian, uint16(tlsExtQUICTransportParamsV1))
		binary.Write(&ext, binary.BigEndian, uint16(body.Len()))
		ext.Write(body.Bytes())
	}

	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03})     // legacy version
	body.Write(make([]byte, 32))       // random
	body.WriteByte(0)                  // session id
	body.Write([]byte{0x00, 0x02, 0x13, 0x01}) // cipher suites
	body.Write([]byte{0x01, 0x00})     // compression methods
	binary.Write(&body, binary.BigEndian, uint16(ext.Len()))
	body.Write(ext.Bytes())

	var hs bytes.Buffer
	hs.WriteByte(tlsHandshakeClientHello)
	l := body.Len()
	hs.Write([]byte{byte(l >> 16), byte(l >> 8), byte(l)})
	hs.Write(body.Bytes())
	return hs.Bytes()
}

// buildInitial encrypts a CRYPTO frame holding payload into a v1 Initial
// packet protected with the keys for the given direction.
func buildInitial(t *testing.T, dcid, scid []byte, cryptoPayload []byte, label string) []byte {
	t.Helper()

	var plain bytes.Buffer
	plain.WriteByte(frameCrypto)
	plain.WriteByte(0x00) // offset
	plain.Write([]byte{0x40 | byte(len(cryptoPayload)>>8), byte(len(cryptoPayload))})
	plain.Write(cryptoPayload)
	plain.WriteByte(framePadding)
	plain.WriteByte(framePadding)

	const pknLen = 4
	pkn := uint32(2)

	var hdr bytes.Buffer
	hdr.WriteByte(0xc0 | byte(pknLen-1)) // long header, Initial, 4-byte pkn
	binary.Write(&hdr, binary.BigEndian, uint32(1))
	hdr.WriteByte(byte(len(dcid)))
	hdr.Write(dcid)
	hdr.WriteByte(byte(len(scid)))
	hdr.Write(scid)
	hdr.WriteByte(0x00) // token length
	length := pknLen + plain.Len() + gcmTagLen
	hdr.Write([]byte{0x40 | byte(length>>8), byte(length)})
	pknOff := hdr.Len()
	binary.Write(&hdr, binary.BigEndian, pkn)

	connID := dcid
	if label == "server in" {
		connID = scid
	}
	secrets, err := deriveInitialSecrets(saltV1, connID, label)
	if err != nil {
		t.Fatal(err)
	}

	var nonce [ivLen]byte
	copy(nonce[:], secrets.iv[:])
	low := binary.BigEndian.Uint64(nonce[ivLen-8:])
	binary.BigEndian.PutUint64(nonce[ivLen-8:], low^uint64(pkn))

	block, err := aes.NewCipher(secrets.key[:])
	if err != nil {
		t.Fatal(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	sealed := aead.Seal(nil, nonce[:], plain.Bytes(), hdr.Bytes())

	// apply header protection
	hpBlock, err := aes.NewCipher(secrets.hp[:])
	if err != nil {
		t.Fatal(err)
	}
	var mask [sampleLength]byte
	hpBlock.Encrypt(mask[:], sealed[:sampleLength])

	out := append([]byte(nil), hdr.Bytes()...)
	out[0] ^= mask[0] & 0x0f
	for i := 0; i < pknLen; i++ {
		out[pknOff+i] ^= mask[1+i]
	}
	return append(out, sealed...)
}

func quicPacket(payload []byte, toServer bool) *packet.Packet {
	pkt := &packet.Packet{
		IPVersion: packet.IPv4,
		Proto:     packet.ProtoUDP,
		Payload:   payload,
	}
	if toServer {
		pkt.SrcPort = 50000
		pkt.DstPort = 443
	} else {
		pkt.SrcPort = 443
		pkt.DstPort = 50000
	}
	return pkt
}

func TestExtractSNIFromInitial(t *testing.T) {
	dcid := unhex(t, "8394c8f03e515708")
	ch := buildClientHello("example.com", "test-agent/1.0")
	data := buildInitial(t, dcid, nil, ch, "client in")

	plugin := NewPlugin()
	ext := &RecordExt{}
	if !plugin.processQUIC(ext, quicPacket(data, true)) {
		t.Fatal("expected successful extraction")
	}
	if ext.SNI != "example.com" {
		t.Errorf("sni = %q", ext.SNI)
	}
	if ext.UserAgent != "test-agent/1.0" {
		t.Errorf("user agent = %q", ext.UserAgent)
	}
	if ext.Version != 0x00000001 {
		t.Errorf("version = %#x", ext.Version)
	}
}

func TestExtractServerDirection(t *testing.T) {
	scid := unhex(t, "f067a5502a4262b5")
	ch := buildClientHello("example.org", "")
	data := buildInitial(t, nil, scid, ch, "server in")

	plugin := NewPlugin()
	ext := &RecordExt{}
	if !plugin.processQUIC(ext, quicPacket(data, false)) {
		t.Fatal("expected successful extraction on the server direction")
	}
	if ext.SNI != "example.org" {
		t.Errorf("sni = %q", ext.SNI)
	}
}

func TestCorruptedTagYieldsNoExtension(t *testing.T) {
	dcid := unhex(t, "8394c8f03e515708")
	ch := buildClientHello("example.com", "")
	data := buildInitial(t, dcid, nil, ch, "client in")
	data[len(data)-1] ^= 0xff

	plugin := NewPlugin()
	ext := &RecordExt{}
	if plugin.processQUIC(ext, quicPacket(data, true)) {
		t.Fatal("corrupted tag must abort extraction")
	}
}

func TestPostCreateWithoutInitialLeavesFlowAlone(t *testing.T) {
	plugin := NewPlugin()
	pl := flows.NewPipeline(plugin)
	rec := flows.NewFlowRecord(pl.ExtCount())
	pkt := quicPacket([]byte{0x40, 0x00, 0x00}, true)
	rec.Create(pkt, 1)
	if got := plugin.PostCreate(rec, pkt); got != flows.ActionOK {
		t.Errorf("non-Initial packet must not request cache actions, got %v", got)
	}
	if rec.Extension(plugin.ExtID()) != nil {
		t.Error("no extension may be attached without a decrypted Initial")
	}
}

func TestParseInitialRejects(t *testing.T) {
	if _, ok := parseInitial([]byte{0xc3, 0x00, 0x00, 0x00, 0x00, 0x00}); ok {
		t.Error("zero version must be rejected")
	}
	if _, ok := parseInitial([]byte{0xc3, 0x00}); ok {
		t.Error("truncated header must be rejected")
	}
	long := append([]byte{0xc3, 0x00, 0x00, 0x00, 0x01, 0xff}, make([]byte, 8)...)
	if _, ok := parseInitial(long); ok {
		t.Error("connection id past the packet end must be rejected")
	}
}

func TestAssembleCryptoReordersFrames(t *testing.T) {
	var plain bytes.Buffer
	// second half first: CRYPTO offset 5 "World"
	plain.WriteByte(frameCrypto)
	plain.WriteByte(0x05)
	plain.WriteByte(0x05)
	plain.WriteString("World")
	plain.WriteByte(framePing)
	// first half: CRYPTO offset 0 "Hello"
	plain.WriteByte(frameCrypto)
	plain.WriteByte(0x00)
	plain.WriteByte(0x05)
	plain.WriteString("Hello")
	plain.WriteByte(framePadding)
	plain.WriteByte(framePadding)

	out := assembleCrypto(plain.Bytes())
	if out == nil {
		t.Fatal("reassembly failed")
	}
	if out[0] != frameCrypto {
		t.Errorf("reassembly must synthesize a crypto prefix, got %#x", out[0])
	}
	if got := string(out[4:14]); got != "HelloWorld" {
		t.Errorf("reassembled payload = %q", got)
	}
}

func TestAssembleCryptoRejectsUnknownFrame(t *testing.T) {
	if out := assembleCrypto([]byte{0x10, 0x00}); out != nil {
		t.Error("unknown frame type must abort reassembly")
	}
}

func TestParseClientHelloDirect(t *testing.T) {
	ch := buildClientHello("host.test", "agent")
	assembled := append([]byte{frameCrypto, 0, 0, 0}, ch...)
	ext := &RecordExt{}
	if !parseClientHello(assembled, ext) {
		t.Fatal("parse failed")
	}
	if ext.SNI != "host.test" || ext.UserAgent != "agent" {
		t.Errorf("parsed %q/%q", ext.SNI, ext.UserAgent)
	}
}
