package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
)

// defaultCipherSuite mirrors _examples/Atsika-aznet/crypto.go's choice: the
// lightest Noise suite that still gives a sensor appliance confidentiality
// without carrying a full X.509 chain.
var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// serverNoiseHandshake runs the NN-pattern Noise handshake as the responder
// over conn's existing (already-established) byte stream, and returns a
// net.Conn that transparently encrypts/decrypts application data.
func serverNoiseHandshake(conn net.Conn) (net.Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: noise server init: %w", err)
	}

	msg1, err := readFramed(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: noise server read msg1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("transport: noise server handshake msg1: %w", err)
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: noise server handshake msg2: %w", err)
	}
	if err := writeFramed(conn, msg2); err != nil {
		return nil, fmt.Errorf("transport: noise server write msg2: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("transport: noise server handshake did not complete after msg2")
	}

	// Responder: cs2 encrypts, cs1 decrypts (cs1 carries initiator-to-responder
	// traffic, cs2 the reverse direction).
	return &noiseConn{Conn: conn, send: cs2, recv: cs1}, nil
}

// clientNoiseHandshake runs the NN-pattern Noise handshake as the initiator.
func clientNoiseHandshake(conn net.Conn) (net.Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: noise client init: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: noise client handshake msg1: %w", err)
	}
	if err := writeFramed(conn, msg1); err != nil {
		return nil, fmt.Errorf("transport: noise client write msg1: %w", err)
	}

	msg2, err := readFramed(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: noise client read msg2: %w", err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("transport: noise client handshake msg2: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("transport: noise client handshake did not complete after msg2")
	}

	// Initiator: cs1 encrypts, cs2 decrypts.
	return &noiseConn{Conn: conn, send: cs1, recv: cs2}, nil
}

// noiseConn wraps a net.Conn with a completed Noise session, encrypting
// every Write and decrypting every Read as one length-prefixed ciphertext
// chunk per call, following the SealData/UnsealData shape of
// _examples/Atsika-aznet/crypto.go.
type noiseConn struct {
	net.Conn
	send *noise.CipherState
	recv *noise.CipherState

	leftover []byte // decrypted bytes not yet consumed by the caller
}

func (n *noiseConn) Read(p []byte) (int, error) {
	if len(n.leftover) == 0 {
		ciphertext, err := readFramed(n.Conn)
		if err != nil {
			return 0, err
		}
		plaintext, err := n.recv.Decrypt(nil, nil, ciphertext)
		if err != nil {
			return 0, fmt.Errorf("transport: noise decrypt: %w", err)
		}
		n.leftover = plaintext
	}
	c := copy(p, n.leftover)
	n.leftover = n.leftover[c:]
	return c, nil
}

func (n *noiseConn) Write(p []byte) (int, error) {
	ciphertext, err := n.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("transport: noise encrypt: %w", err)
	}
	if err := writeFramed(n.Conn, ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}

func writeFramed(w io.Writer, data []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(data)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
