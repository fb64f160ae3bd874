package credential

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/config"
	"golang.org/x/crypto/curve25519"
)

var ErrNoPeers = errors.New("no peers in registration response")

// Credential is the tunnel credential bundle consumed by the daemon config builder
type Credential struct {
	PrivateKey    string `json:"private_key"`
	TunnelAddress string `json:"tunnel_address"`
	PeerPublicKey string `json:"peer_public_key"`
	Reserved      []int  `json:"reserved"`
}

type Provider interface {
	Fetch(ctx context.Context) (*Credential, error)
}

// GenerateKeyPair returns base64 public and private keys for a clamped curve25519 key
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv[:]), nil
}

// WARPProvider registers a fresh key with the registration API
type WARPProvider struct {
	config config.CredentialConfig
	client *http.Client
	now    func() time.Time
}

func NewWARPProvider(cfg config.CredentialConfig) *WARPProvider {
	return &WARPProvider{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		now:    time.Now,
	}
}

type registerRequest struct {
	InstallID   string `json:"install_id"`
	FCMToken    string `json:"fcm_token"`
	TOS         string `json:"tos"`
	Type        string `json:"type"`
	Model       string `json:"model"`
	Locale      string `json:"locale"`
	WarpEnabled bool   `json:"warp_enabled"`
	Key         string `json:"key"`
}

type registerResponse struct {
	Config struct {
		ClientID  string `json:"client_id"`
		Interface struct {
			Addresses struct {
				V4 string `json:"v4"`
				V6 string `json:"v6"`
			} `json:"addresses"`
		} `json:"interface"`
		Peers []struct {
			PublicKey string `json:"public_key"`
		} `json:"peers"`
	} `json:"config"`
}

func (p *WARPProvider) Fetch(ctx context.Context) (*Credential, error) {
	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	log.Infof("Generated WireGuard keys. Client public key: %s...", publicKey[:20])

	payload := registerRequest{
		TOS:         p.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:        "Android",
		Model:       "PC",
		Locale:      "en_US",
		WarpEnabled: true,
		Key:         publicKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.RegisterURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.config.UserAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("register: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	cred, err := parseRegistration(data, privateKey)
	if err != nil {
		return nil, err
	}

	log.Infof("Fetched tunnel credential (client IPv6: %s)", cred.TunnelAddress)
	return cred, nil
}

func parseRegistration(data []byte, privateKey string) (*Credential, error) {
	var r registerResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse response JSON: %w", err)
	}

	v6 := r.Config.Interface.Addresses.V6
	if v6 == "" {
		return nil, fmt.Errorf("registration response missing interface v6 address")
	}
	if !strings.HasSuffix(v6, "/128") {
		v6 += "/128"
	}

	clientID, err := base64.StdEncoding.DecodeString(r.Config.ClientID)
	if err != nil {
		return nil, fmt.Errorf("decode client_id: %w", err)
	}
	reserved := make([]int, len(clientID))
	for i, b := range clientID {
		reserved[i] = int(b)
	}

	if len(r.Config.Peers) == 0 {
		return nil, ErrNoPeers
	}

	return &Credential{
		PrivateKey:    privateKey,
		TunnelAddress: v6,
		PeerPublicKey: r.Config.Peers[0].PublicKey,
		Reserved:      reserved,
	}, nil
}
