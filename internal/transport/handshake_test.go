package transport

import (
	"net"
	"sync"
	"testing"

	"github.com/preludemgr/manager-core/internal/wire"
)

func TestNegotiatePlaintextExchangesCredential(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	var serverResult *Negotiated
	var serverErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverResult, serverErr = NegotiateServer(serverConn, &Config{})
	}()

	clientResult, err := NegotiateClient(clientConn, &Config{}, Credential{AnalyzerID: 42, Permission: wire.IDMEFRead})
	if err != nil {
		t.Fatalf("NegotiateClient: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("NegotiateServer: %v", serverErr)
	}

	if serverResult.Credential.AnalyzerID != 42 {
		t.Fatalf("server saw analyzer id %d, want 42", serverResult.Credential.AnalyzerID)
	}
	if serverResult.Credential.Permission != wire.IDMEFRead {
		t.Fatalf("server saw permission %v, want IDMEFRead", serverResult.Credential.Permission)
	}
	if clientResult.Credential.AnalyzerID != 42 {
		t.Fatalf("client echoes analyzer id %d, want 42", clientResult.Credential.AnalyzerID)
	}
}

func TestNegotiateNoiseEncryptsCredentialExchange(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	serverCfg := &Config{NoiseEnabled: true}
	clientCfg := &Config{NoiseEnabled: true}

	var serverResult *Negotiated
	var serverErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverResult, serverErr = NegotiateServer(serverConn, serverCfg)
	}()

	clientResult, err := NegotiateClient(clientConn, clientCfg, Credential{AnalyzerID: 7, Permission: wire.AdminRead | wire.AdminWrite})
	if err != nil {
		t.Fatalf("NegotiateClient: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("NegotiateServer: %v", serverErr)
	}

	if serverResult.Credential.AnalyzerID != 7 {
		t.Fatalf("server saw analyzer id %d, want 7", serverResult.Credential.AnalyzerID)
	}
	if serverResult.Credential.Permission != clientResult.Credential.Permission {
		t.Fatalf("permission mismatch: server=%v client=%v", serverResult.Credential.Permission, clientResult.Credential.Permission)
	}
}

func TestNegotiateServerFallsBackToPlaintextWhenClientDeclines(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	serverCfg := &Config{NoiseEnabled: true}

	var serverResult *Negotiated
	var serverErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverResult, serverErr = NegotiateServer(serverConn, serverCfg)
	}()

	// Client has no encryption configured, so it declines even though the
	// server offered ssl=supported.
	_, err := NegotiateClient(clientConn, &Config{}, Credential{AnalyzerID: 1})
	if err != nil {
		t.Fatalf("NegotiateClient: %v", err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("NegotiateServer: %v", serverErr)
	}
	if serverResult.Credential.AnalyzerID != 1 {
		t.Fatalf("server saw analyzer id %d, want 1", serverResult.Credential.AnalyzerID)
	}
}
