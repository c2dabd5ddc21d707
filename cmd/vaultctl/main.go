package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"treasuryvault/cmd/internal/passphrase"
	"treasuryvault/native/vault"
	"treasuryvault/services/vaultd"
	"treasuryvault/services/vaultd/audit"
	"treasuryvault/storage"
)

const (
	tokenCommand     = "token"
	exportCommand    = "export"
	paymentIDCommand = "payment-id"
	defaultSecretEnv = "VAULTD_JWT_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:])
	case exportCommand:
		err = runExport(os.Args[2:])
	case paymentIDCommand:
		err = runPaymentID(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the vaultd config; when empty the secret is read from -secret-env or the terminal")
	subject := fs.String("sub", "", "Caller address placed in the token subject")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HS256 secret")
	issuer := fs.String("issuer", "", "Issuer claim when no config is given")
	audience := fs.String("audience", "", "Comma separated audience when no config is given")
	fs.Parse(args)

	if !common.IsHexAddress(strings.TrimSpace(*subject)) {
		return fmt.Errorf("-sub must be a hex address")
	}

	var authCfg vaultd.AuthConfig
	if *configPath != "" {
		cfg, err := vaultd.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		authCfg = cfg.Auth
	} else {
		secret, err := passphrase.NewSource(*secretEnv, "jwt secret").Get()
		if err != nil {
			return err
		}
		authCfg = vaultd.AuthConfig{HSSecret: secret, Issuer: *issuer}
		for _, aud := range strings.Split(*audience, ",") {
			if aud = strings.TrimSpace(aud); aud != "" {
				authCfg.Audience = append(authCfg.Audience, aud)
			}
		}
	}

	auth, err := vaultd.NewAuthenticator(authCfg)
	if err != nil {
		return err
	}
	token, err := auth.Issue(common.HexToAddress(*subject), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	configPath := fs.String("config", "vaultd.yaml", "Path to the vaultd config")
	outDir := fs.String("out", "audit", "Directory receiving records.csv and records.parquet")
	after := fs.Uint64("after", 0, "Export records with a sequence above this value")
	fs.Parse(args)

	cfg, err := vaultd.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := audit.Export(ctx, store, *outDir, *after)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d records (%s %s, last sequence %d)\n",
		report.Count, audit.FormatUnits(report.Total, report.Asset.Decimals), report.Asset.Code, report.LastSeq)
	fmt.Printf("  %s\n  %s\n", report.CSVPath, report.ParquetPath)
	return nil
}

func runPaymentID(args []string) error {
	fs := flag.NewFlagSet(paymentIDCommand, flag.ExitOnError)
	scope := fs.String("context", "", "Context the identifier is scoped to, e.g. the destination account")
	isHex := fs.Bool("hex", false, "Decode -context as hex bytes instead of text")
	seq := fs.Uint64("seq", 0, "Sequence number of the payment within the context")
	fs.Parse(args)

	id, err := derivePaymentID(*scope, *isHex, *seq)
	if err != nil {
		return err
	}
	fmt.Println(id.Hex())
	return nil
}

func derivePaymentID(scope string, isHex bool, seq uint64) (vault.PaymentID, error) {
	if scope == "" {
		return vault.PaymentID{}, fmt.Errorf("-context is required")
	}
	raw := []byte(scope)
	if isHex {
		decoded, err := hexutil.Decode(ensureHexPrefix(scope))
		if err != nil {
			return vault.PaymentID{}, fmt.Errorf("decode -context: %w", err)
		}
		raw = decoded
	}
	return vault.DerivePaymentID(raw, seq), nil
}

func ensureHexPrefix(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return value
	}
	return "0x" + value
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  vaultctl %s -sub <address> [-config path] [-ttl 1h]\n", tokenCommand)
	fmt.Fprintf(os.Stderr, "  vaultctl %s [-config path] [-out dir] [-after seq]\n", exportCommand)
	fmt.Fprintf(os.Stderr, "  vaultctl %s -context <text> [-hex] [-seq n]\n", paymentIDCommand)
}
