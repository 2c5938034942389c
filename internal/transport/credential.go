package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/preludemgr/manager-core/internal/wire"
)

// readLine reads one newline-delimited, semicolon-terminated negotiation
// line, e.g. "ssl=supported;\n" or "use_ssl=yes;\n", matching
// original_source/src/server-generic.c's setup_connection framing.
func readLine(r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("transport: read negotiation line: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Credential is what the peer declares itself as, exchanged once the
// transport (plaintext, TLS, or Noise) is established: its analyzer id and
// the capability mask it is entitled to. The wire form is a single
// newline-terminated "analyzer-id=N;permission=M;" line, M being the
// decimal encoding of the wire.Capability bitmask.
type Credential struct {
	AnalyzerID uint64
	Permission wire.Capability
}

func writeCredentialLine(w io.Writer, cred Credential) error {
	line := fmt.Sprintf("analyzer-id=%d;permission=%d;\n", cred.AnalyzerID, uint8(cred.Permission))
	_, err := io.WriteString(w, line)
	if err != nil {
		return fmt.Errorf("transport: write credential line: %w", err)
	}
	return nil
}

func readCredentialLine(r io.Reader) (Credential, error) {
	line, err := readLine(r)
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	for _, field := range strings.Split(line, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "analyzer-id":
			id, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return Credential{}, fmt.Errorf("transport: invalid analyzer-id %q: %w", kv[1], err)
			}
			cred.AnalyzerID = id
		case "permission":
			mask, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil {
				return Credential{}, fmt.Errorf("transport: invalid permission %q: %w", kv[1], err)
			}
			cred.Permission = wire.Capability(mask)
		}
	}
	return cred, nil
}
