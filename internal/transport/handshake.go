package transport

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/preludemgr/manager-core/internal/wire"
)

// Config controls how a listening side negotiates new connections.
// TLSConfig, when non-nil, is offered alongside (or instead of) Noise; if
// both are nil the transport falls back to plaintext, matching
// original_source/src/server-generic.c's setup_connection which tolerates a
// manager built without GnuTLS support.
type Config struct {
	TLSConfig    *tls.Config
	NoiseEnabled bool
}

// Negotiated is the result of a completed handshake: a wire.ByteStream ready
// to be handed to internal/sensor, the credential the peer declared, and
// whether encryption was negotiated. Encrypted is false iff Stream is the
// original net.Conn unchanged — in that case the caller is expected to pull
// the raw fd out of Conn and register it with the epoll pool directly
// rather than drive Stream's Read/Write itself; Stream is still populated
// for callers (tests, non-Linux builds) that want to use it as-is.
type Negotiated struct {
	Conn       net.Conn
	Stream     wire.ByteStream
	Encrypted  bool
	Credential Credential
}

// NegotiateServer runs the accept-side handshake over a freshly accepted
// connection: exchange the "ssl=supported|unsupported;" line, branch into
// TLS, Noise, or plaintext accordingly, then read the peer's credential
// line.
func NegotiateServer(conn net.Conn, cfg *Config) (*Negotiated, error) {
	offerEncryption := cfg != nil && (cfg.TLSConfig != nil || cfg.NoiseEnabled)

	if offerEncryption {
		if err := writeLine(conn, "ssl=supported;"); err != nil {
			return nil, err
		}
	} else {
		if err := writeLine(conn, "ssl=unsupported;"); err != nil {
			return nil, err
		}
	}

	reply, err := readLine(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: server negotiation: %w", err)
	}

	var stream net.Conn
	encrypted := false
	switch {
	case offerEncryption && reply == "use_ssl=yes;" && cfg.TLSConfig != nil:
		tlsConn := tls.Server(conn, cfg.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("transport: server tls handshake: %w", err)
		}
		stream = tlsConn
		encrypted = true
	case offerEncryption && reply == "use_noise=yes;" && cfg.NoiseEnabled:
		noiseStream, err := serverNoiseHandshake(conn)
		if err != nil {
			return nil, err
		}
		stream = noiseStream
		encrypted = true
	default:
		stream = conn
	}

	cred, err := readCredentialLine(stream)
	if err != nil {
		return nil, err
	}

	return negotiatedResult(conn, stream, encrypted, cred), nil
}

// NegotiateClient runs the connect-side handshake: read the peer's
// ssl=supported|unsupported offer, decide whether to use TLS, Noise, or
// plaintext, then send our own credential line.
func NegotiateClient(conn net.Conn, cfg *Config, cred Credential) (*Negotiated, error) {
	offer, err := readLine(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: client negotiation: %w", err)
	}

	wantsEncryption := cfg != nil && (cfg.TLSConfig != nil || cfg.NoiseEnabled) && offer == "ssl=supported;"

	var stream net.Conn
	encrypted := false
	switch {
	case wantsEncryption && cfg.TLSConfig != nil:
		if err := writeLine(conn, "use_ssl=yes;"); err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, cfg.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("transport: client tls handshake: %w", err)
		}
		stream = tlsConn
		encrypted = true
	case wantsEncryption && cfg.NoiseEnabled:
		if err := writeLine(conn, "use_noise=yes;"); err != nil {
			return nil, err
		}
		noiseStream, err := clientNoiseHandshake(conn)
		if err != nil {
			return nil, err
		}
		stream = noiseStream
		encrypted = true
	default:
		if err := writeLine(conn, "use_ssl=no;"); err != nil {
			return nil, err
		}
		stream = conn
	}

	if err := writeCredentialLine(stream, cred); err != nil {
		return nil, err
	}

	return negotiatedResult(conn, stream, encrypted, cred), nil
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("transport: write negotiation line: %w", err)
	}
	return nil
}

// negotiatedResult builds the Negotiated value. Encrypted streams (TLS,
// Noise) get a StreamAdapter so a driving goroutine can poll them with the
// same ErrWouldBlock contract the epoll reactor uses; the plaintext branch
// leaves Stream as the raw conn; the accept loop discards it in favor of
// extracting conn's fd and registering it with internal/netpoll directly.
func negotiatedResult(conn net.Conn, stream net.Conn, encrypted bool, cred Credential) *Negotiated {
	n := &Negotiated{Conn: conn, Encrypted: encrypted, Credential: cred}
	if encrypted {
		n.Stream = NewStreamAdapter(stream)
	} else {
		n.Stream = stream
	}
	return n
}
