package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/warp-endpoint-scanner/internal/config"
	"golang.org/x/crypto/curve25519"
)

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(priv)
	if err != nil || len(privBytes) != 32 {
		t.Fatalf("private key: len=%d err=%v", len(privBytes), err)
	}
	if privBytes[0]&7 != 0 || privBytes[31]&128 != 0 || privBytes[31]&64 == 0 {
		t.Fatalf("private key not clamped: %x", privBytes)
	}
	derived, err := curve25519.X25519(privBytes, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	if base64.StdEncoding.EncodeToString(derived) != pub {
		t.Fatal("public key does not match private key")
	}
}

func TestWARPProviderFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != "insomnia/8.6.1" {
			t.Errorf("user agent = %q", ua)
		}
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Key == "" || req.Type != "Android" || !req.WarpEnabled {
			t.Errorf("unexpected payload: %+v", req)
		}
		w.Write([]byte(`{"config": {
			"client_id": "AQID",
			"interface": {"addresses": {"v4": "172.16.0.2", "v6": "2606:4700:110:8a36::1"}},
			"peers": [{"public_key": "peer-key"}]
		}}`))
	}))
	defer srv.Close()

	p := NewWARPProvider(config.CredentialConfig{RegisterURL: srv.URL, UserAgent: "insomnia/8.6.1", TimeoutSeconds: 5})
	cred, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cred.TunnelAddress != "2606:4700:110:8a36::1/128" {
		t.Fatalf("tunnel address = %q", cred.TunnelAddress)
	}
	if cred.PeerPublicKey != "peer-key" {
		t.Fatalf("peer key = %q", cred.PeerPublicKey)
	}
	if len(cred.Reserved) != 3 || cred.Reserved[0] != 1 || cred.Reserved[2] != 3 {
		t.Fatalf("reserved = %v", cred.Reserved)
	}
	if cred.PrivateKey == "" {
		t.Fatal("missing private key")
	}
}

func TestParseRegistrationErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no v6", `{"config": {"client_id": "AQID", "peers": [{"public_key": "k"}]}}`},
		{"bad client id", `{"config": {"client_id": "%%%", "interface": {"addresses": {"v6": "::1/128"}}, "peers": [{"public_key": "k"}]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseRegistration([]byte(tc.body), "priv"); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := parseRegistration([]byte(`{"config": {"client_id": "AQID", "interface": {"addresses": {"v6": "::1/128"}}, "peers": []}}`), "priv")
	if !errors.Is(err, ErrNoPeers) {
		t.Fatalf("err = %v, want ErrNoPeers", err)
	}
}

func TestWARPProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewWARPProvider(config.CredentialConfig{RegisterURL: srv.URL, TimeoutSeconds: 5})
	if _, err := p.Fetch(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 429")
	}
}
