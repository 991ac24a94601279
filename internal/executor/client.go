package executor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultpilot/vaultpilot/internal/config"
)

// Instruction is one vault-to-vault transfer handed to the relayer.
type Instruction struct {
	Address   string
	FromVault string
	ToVault   string
	Amount    decimal.Decimal
}

// Receipt identifies an accepted transfer on the relayer.
type Receipt struct {
	ID     string `json:"receipt_id"`
	Status string `json:"status"`
}

// Client submits signed transfer instructions to the execution relayer.
// Every instruction is signed with the user's delegated session key so the
// relayer can verify the agent held a grant for this user.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg config.ExecutorConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}
}

type transferPayload struct {
	User       string `json:"user"`
	FromVault  string `json:"from_vault"`
	ToVault    string `json:"to_vault"`
	Amount     string `json:"amount"`
	Nonce      string `json:"nonce"`
	SessionKey string `json:"session_key"`
	Signature  string `json:"signature"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// SigningMessage is the canonical text the session key signs for a transfer.
// The relayer rebuilds the same string to verify the signature.
func SigningMessage(user, fromVault, toVault, amount, nonce string) []byte {
	return []byte(fmt.Sprintf("vaultpilot-transfer|%s|%s|%s|%s|%s",
		strings.ToLower(user), strings.ToLower(fromVault), strings.ToLower(toVault), amount, nonce))
}

// Execute signs and submits one transfer. The session key never leaves the
// process; only the EIP-191 signature travels.
func (c *Client) Execute(ctx context.Context, inst Instruction, sessionKey *ecdsa.PrivateKey) (*Receipt, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("executor base url not configured")
	}
	if sessionKey == nil {
		return nil, fmt.Errorf("session key required")
	}

	nonce := uuid.NewString()
	amount := inst.Amount.String()
	digest := accounts.TextHash(SigningMessage(inst.Address, inst.FromVault, inst.ToVault, amount, nonce))
	sig, err := crypto.Sign(digest, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("signing transfer: %w", err)
	}

	payload := transferPayload{
		User:       strings.ToLower(inst.Address),
		FromVault:  strings.ToLower(inst.FromVault),
		ToVault:    strings.ToLower(inst.ToVault),
		Amount:     amount,
		Nonce:      nonce,
		SessionKey: crypto.PubkeyToAddress(sessionKey.PublicKey).Hex(),
		Signature:  hexutil.Encode(sig),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var receipt Receipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return nil, fmt.Errorf("decoding receipt: %w", err)
		}
		if receipt.ID == "" {
			return nil, fmt.Errorf("relayer accepted without receipt id")
		}
		return &receipt, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("relayer rejected transfer: %s", readError(resp.Body))
	default:
		return nil, fmt.Errorf("relayer returned %d: %s", resp.StatusCode, readError(resp.Body))
	}
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(data))
}
