package vaultdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vaultpilot/vaultpilot/internal/config"
)

func testConfig(endpoint string) config.VaultDataConfig {
	return config.VaultDataConfig{
		Endpoint: endpoint,
		APIKey:   "test-key",
		ChainID:  8453,
		Asset:    "USDC",
		QPS:      100,
		Burst:    100,
	}
}

func TestVaultsParsesDecimals(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Variables["asset"] != "usdc" {
			t.Fatalf("asset not lowercased: %v", req.Variables["asset"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"vaults":[
			{"address":"0xAbC0000000000000000000000000000000000001","name":"Steakhouse USDC","netApy":"0.0512","totalAssets":"1250000.5","liquidityRatio":"0.92","curatorFlagged":false,"warnings":[]},
			{"address":"0xabc0000000000000000000000000000000000002","name":"Degen USDC","netApy":"0.21","totalAssets":"90000","liquidityRatio":"0.4","curatorFlagged":true,"warnings":["unverified_curator","new_market"]}
		]}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	vaults, err := client.Vaults(context.Background())
	if err != nil {
		t.Fatalf("Vaults: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("missing bearer auth, got %q", gotAuth)
	}
	if len(vaults) != 2 {
		t.Fatalf("expected 2 vaults, got %d", len(vaults))
	}
	if vaults[0].Address != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("address not lowercased: %s", vaults[0].Address)
	}
	if vaults[0].NetAPY.String() != "0.0512" {
		t.Fatalf("netApy parsed wrong: %s", vaults[0].NetAPY)
	}
	if vaults[1].RiskScore() != 4 {
		t.Fatalf("expected risk score 4, got %d", vaults[1].RiskScore())
	}
}

func TestPositionsParsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"positions":[
			{"vaultAddress":"0xabc0000000000000000000000000000000000001","vaultName":"Steakhouse USDC","netApy":"0.03","shares":"10000000000","assetValue":"10000"}
		]}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	positions, err := client.Positions(context.Background(), "0xDEAD00000000000000000000000000000000BEEF")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].AssetValue.String() != "10000" {
		t.Fatalf("assetValue parsed wrong: %s", positions[0].AssetValue)
	}
}

func TestQuerySurfacesGraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors":[{"message":"rate limited"}]}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	if _, err := client.Vaults(context.Background()); err == nil {
		t.Fatal("expected graphql error to surface")
	}
}

func TestQueryRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	if _, err := client.Positions(context.Background(), "0x1"); err == nil {
		t.Fatal("expected error on 502")
	}
}
