// Command inspector is an operator tool for poking at a running VaultPilot
// deployment: generate seal identities, read the price gate, dump the vault
// universe and inspect per-user state without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/oracle"
	"github.com/vaultpilot/vaultpilot/internal/repository"
	"github.com/vaultpilot/vaultpilot/internal/seal"
	"github.com/vaultpilot/vaultpilot/internal/service"
	"github.com/vaultpilot/vaultpilot/internal/vaultdata"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

var rootCmd = &cobra.Command{
	Use:   "inspector",
	Short: "VaultPilot operator tool",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new seal identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := seal.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("generating identity: %w", err)
		}

		fmt.Println(identity)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Store this in VAULTPILOT_SESSION_SEAL_IDENTITY (or a file referenced")
		fmt.Fprintln(os.Stderr, "by session.seal_identity). Losing it invalidates every issued session.")
		return nil
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Read the price feed and report the safety gate verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		feed, err := oracle.NewChainlinkFeed(cfg.Chain.RPCURL, cfg.Chain.PriceFeed, cfg.Chain.OracleTimeout(), cfg.Chain.OracleRetries)
		if err != nil {
			return fmt.Errorf("initializing feed: %w", err)
		}

		gate := service.NewSafetyGate(feed, cfg.Chain)
		res := gate.Check(context.Background())

		fmt.Printf("Feed:     %s\n", cfg.Chain.PriceFeed)
		fmt.Printf("Status:   %s\n", res.Status)
		if !res.ObservedAt.IsZero() {
			fmt.Printf("Price:    %s\n", res.Price)
			fmt.Printf("Observed: %s (%s ago)\n",
				res.ObservedAt.Format("2006-01-02 15:04:05 MST"),
				time.Since(res.ObservedAt).Truncate(time.Second),
			)
		}
		if res.Detail != "" {
			fmt.Printf("Detail:   %s\n", res.Detail)
		}
		return nil
	},
}

var vaultsCmd = &cobra.Command{
	Use:   "vaults",
	Short: "Dump the current vault universe",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := vaultdata.NewClient(cfg.VaultData)
		vaults, err := client.Vaults(context.Background())
		if err != nil {
			return err
		}

		if len(vaults) == 0 {
			fmt.Println("No vaults returned.")
			return nil
		}

		for _, v := range vaults {
			flag := " "
			if v.CuratorFlagged {
				flag = "!"
			}
			fmt.Printf("%s %-44s %-24s apy:%-8s tvl:%-14s risk:%d\n",
				flag,
				v.Address,
				v.Name,
				v.NetAPY.String(),
				v.TotalAssets.StringFixed(0),
				v.RiskScore(),
			)
		}
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session ADDRESS",
	Short: "Inspect a stored session authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := repository.NewDB(cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}

		address := strings.ToLower(args[0])
		auth, err := repository.NewSessionRepo(db).GetByAddress(context.Background(), address)
		if err != nil {
			return err
		}
		if auth == nil {
			fmt.Printf("No session authorization for %s\n", address)
			return nil
		}

		credential := "sealed"
		if len(auth.SealedCredential) == 0 {
			credential = "cleared (revoked)"
		}
		expires := time.Unix(auth.ExpiresAt, 0).UTC()

		fmt.Printf("Address:     %s\n", auth.Address)
		fmt.Printf("Kind:        %s\n", auth.Kind)
		fmt.Printf("Key ID:      %s\n", auth.SessionKeyID)
		fmt.Printf("Key address: %s\n", auth.SessionKeyAddress)
		fmt.Printf("Credential:  %s\n", credential)
		fmt.Printf("Issued:      %s\n", auth.IssuedAt.UTC().Format("2006-01-02 15:04:05"))
		fmt.Printf("Expires:     %s (expired: %t)\n", expires.Format("2006-01-02 15:04:05"), auth.Expired(time.Now()))
		if len(auth.ApprovedVaults) > 0 {
			fmt.Printf("Approved:    %s\n", string(auth.ApprovedVaults))
		}
		return nil
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions ADDRESS",
	Short: "List recent ledger records for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		kind, _ := cmd.Flags().GetString("kind")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := repository.NewDB(cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}

		address := strings.ToLower(args[0])
		records, err := repository.NewActionLedger(db).ListByAddress(context.Background(), address, model.ActionKind(kind), limit)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No ledger records.")
			return nil
		}

		for _, rec := range records {
			route := ""
			if rec.FromVault != "" || rec.ToVault != "" {
				route = fmt.Sprintf("  %s -> %s  %s", rec.FromVault, rec.ToVault, rec.Amount.String())
			}
			fmt.Printf("%s  %-14s %-8s%s\n",
				rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
				rec.Kind,
				rec.Status,
				route,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(priceCmd)
	rootCmd.AddCommand(vaultsCmd)
	rootCmd.AddCommand(sessionCmd)
	actionsCmd.Flags().IntP("limit", "n", 50, "Maximum number of records to show")
	actionsCmd.Flags().String("kind", "", "Filter by record kind (rebalance, session_event)")
	rootCmd.AddCommand(actionsCmd)
}
