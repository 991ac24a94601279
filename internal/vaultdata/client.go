package vaultdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/model"
)

const vaultsQuery = `query Vaults($chainId: Int!, $asset: String!) {
  vaults(chainId: $chainId, asset: $asset) {
    address
    name
    netApy
    totalAssets
    liquidityRatio
    curatorFlagged
    warnings
  }
}`

const positionsQuery = `query Positions($chainId: Int!, $user: String!) {
  positions(chainId: $chainId, user: $user) {
    vaultAddress
    vaultName
    netApy
    shares
    assetValue
  }
}`

// Client fetches vault and position state from the indexer's GraphQL API.
// Outbound calls share a token-bucket limiter so cycle fan-out cannot
// exceed the provider's rate plan.
type Client struct {
	endpoint string
	apiKey   string
	chainID  int64
	asset    string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewClient(cfg config.VaultDataConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	qps := cfg.QPS
	if qps <= 0 {
		qps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		endpoint: strings.TrimSpace(cfg.Endpoint),
		apiKey:   cfg.APIKey,
		chainID:  cfg.ChainID,
		asset:    strings.ToLower(strings.TrimSpace(cfg.Asset)),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

type vaultRaw struct {
	Address        string   `json:"address"`
	Name           string   `json:"name"`
	NetAPY         string   `json:"netApy"`
	TotalAssets    string   `json:"totalAssets"`
	LiquidityRatio string   `json:"liquidityRatio"`
	CuratorFlagged bool     `json:"curatorFlagged"`
	Warnings       []string `json:"warnings"`
}

type positionRaw struct {
	VaultAddress string `json:"vaultAddress"`
	VaultName    string `json:"vaultName"`
	NetAPY       string `json:"netApy"`
	Shares       string `json:"shares"`
	AssetValue   string `json:"assetValue"`
}

// Vaults returns every vault for the configured chain and asset.
func (c *Client) Vaults(ctx context.Context) ([]model.Vault, error) {
	var payload struct {
		Vaults []vaultRaw `json:"vaults"`
	}
	vars := map[string]any{"chainId": c.chainID, "asset": c.asset}
	if err := c.query(ctx, vaultsQuery, vars, &payload); err != nil {
		return nil, err
	}

	vaults := make([]model.Vault, 0, len(payload.Vaults))
	for _, raw := range payload.Vaults {
		apy, err := parseDecimal("netApy", raw.NetAPY)
		if err != nil {
			return nil, err
		}
		assets, err := parseDecimal("totalAssets", raw.TotalAssets)
		if err != nil {
			return nil, err
		}
		liquidity, err := parseDecimal("liquidityRatio", raw.LiquidityRatio)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, model.Vault{
			Address:        strings.ToLower(raw.Address),
			Name:           raw.Name,
			NetAPY:         apy,
			TotalAssets:    assets,
			LiquidityRatio: liquidity,
			CuratorFlagged: raw.CuratorFlagged,
			Warnings:       raw.Warnings,
		})
	}
	return vaults, nil
}

// Positions returns the user's vault positions, largest first not guaranteed.
func (c *Client) Positions(ctx context.Context, address string) ([]model.Position, error) {
	var payload struct {
		Positions []positionRaw `json:"positions"`
	}
	vars := map[string]any{"chainId": c.chainID, "user": strings.ToLower(address)}
	if err := c.query(ctx, positionsQuery, vars, &payload); err != nil {
		return nil, err
	}

	positions := make([]model.Position, 0, len(payload.Positions))
	for _, raw := range payload.Positions {
		apy, err := parseDecimal("netApy", raw.NetAPY)
		if err != nil {
			return nil, err
		}
		shares, err := parseDecimal("shares", raw.Shares)
		if err != nil {
			return nil, err
		}
		value, err := parseDecimal("assetValue", raw.AssetValue)
		if err != nil {
			return nil, err
		}
		positions = append(positions, model.Position{
			VaultAddress: strings.ToLower(raw.VaultAddress),
			VaultName:    raw.VaultName,
			NetAPY:       apy,
			Shares:       shares,
			AssetValue:   value,
		})
	}
	return positions, nil
}

func (c *Client) query(ctx context.Context, query string, variables map[string]any, out any) error {
	if c.endpoint == "" {
		return fmt.Errorf("vault data endpoint not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graphql endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var envelope gqlEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding graphql data: %w", err)
	}
	return nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	return d, nil
}
