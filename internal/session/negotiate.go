package session

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// helloFrame is the plaintext preamble exchanged before either side can
// encrypt anything: an ephemeral public key plus the sender's preferred
// compression suite. It intentionally does not reuse protocol.Message's
// tag envelope — spec.md §4.4 calls it out as the one frame sent before a
// tag scheme even applies.
type helloFrame struct {
	Public      [32]byte
	Compression string
}

func encodeHello(h helloFrame) []byte {
	buf := make([]byte, 0, 32+1+len(h.Compression))
	buf = append(buf, h.Public[:]...)
	buf = append(buf, byte(len(h.Compression)))
	buf = append(buf, h.Compression...)
	return buf
}

func decodeHello(b []byte) (helloFrame, error) {
	if len(b) < 33 {
		return helloFrame{}, fmt.Errorf("session: truncated hello frame")
	}
	var h helloFrame
	copy(h.Public[:], b[:32])
	n := int(b[32])
	if len(b) < 33+n {
		return helloFrame{}, fmt.Errorf("session: truncated hello compression suite")
	}
	h.Compression = string(b[33 : 33+n])
	return h, nil
}

// negotiateCompression picks zlib only if both sides offered it; "none"
// otherwise.
func negotiateCompression(a, b string) string {
	if a == "zlib" && b == "zlib" {
		return "zlib"
	}
	return "none"
}

// ServerHandshake drives the server side of spec.md §4.4's HANDSHAKING
// state: read the client's plaintext hello, derive the session key, reply
// with the server's own hello, install the cipher and transition to
// READY. Any failure leaves conn in HANDSHAKING for the caller to Close
// with a protocol-error reason.
func ServerHandshake(conn *Conn, preferredCompression string) error {
	conn.setState(StateHandshaking)

	_, raw, err := conn.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: read client hello: %w", err)
	}
	clientHello, err := decodeHello(raw)
	if err != nil {
		return err
	}

	kp, err := GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}
	compression := negotiateCompression(preferredCompression, clientHello.Compression)
	serverHello := helloFrame{Public: kp.Public, Compression: compression}
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, encodeHello(serverHello)); err != nil {
		return fmt.Errorf("session: write server hello: %w", err)
	}

	secret, err := kp.SharedSecret(clientHello.Public)
	if err != nil {
		return err
	}
	salt := append(append([]byte{}, clientHello.Public[:]...), kp.Public[:]...)
	key, err := DeriveSessionKey(secret, salt)
	if err != nil {
		return err
	}
	fc, err := NewFrameCipher(key)
	if err != nil {
		return err
	}
	conn.SetCipher(fc, compression)
	return nil
}

// ClientHandshake drives the client side: send the client's hello, read
// the server's reply, derive the matching session key.
func ClientHandshake(conn *Conn, preferredCompression string) error {
	conn.setState(StateHandshaking)

	kp, err := GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}
	clientHello := helloFrame{Public: kp.Public, Compression: preferredCompression}
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, encodeHello(clientHello)); err != nil {
		return fmt.Errorf("session: write client hello: %w", err)
	}

	_, raw, err := conn.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: read server hello: %w", err)
	}
	serverHello, err := decodeHello(raw)
	if err != nil {
		return err
	}

	secret, err := kp.SharedSecret(serverHello.Public)
	if err != nil {
		return err
	}
	salt := append(append([]byte{}, kp.Public[:]...), serverHello.Public[:]...)
	key, err := DeriveSessionKey(secret, salt)
	if err != nil {
		return err
	}
	fc, err := NewFrameCipher(key)
	if err != nil {
		return err
	}
	conn.SetCipher(fc, serverHello.Compression)
	return nil
}

func compressFrame(compression string, plaintext []byte) ([]byte, error) {
	if compression != "zlib" {
		return plaintext, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressFrame(compression string, data []byte) ([]byte, error) {
	if compression != "zlib" {
		return data, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
