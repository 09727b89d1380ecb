package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vaultlend/cmd/internal/passphrase"
	"vaultlend/config"
	"vaultlend/crypto"
	"vaultlend/services/lendingd/server"
)

const (
	keygenCommand     = "keygen"
	tokenCommand      = "token"
	initConfigCommand = "init-config"
	custodyCommand    = "custody"

	defaultPassEnv   = "LENDCTL_KEYSTORE_PASS"
	defaultSecretEnv = "LENDINGD_JWT_SECRET"
	defaultConfig    = "./config.toml"
	defaultKeystore  = "owner.keystore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case initConfigCommand:
		err = runInitConfig(os.Args[2:], os.Stdout)
	case custodyCommand:
		err = runCustody(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	path := fs.String("out", defaultKeystore, "Output path for the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	addr, err := generateKeystore(*path, passphrase.NewSource(*passEnv, "keystore"), *force)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote keystore for %s to %s\n", addr, *path)
	return nil
}

func generateKeystore(path string, pass *passphrase.Source, force bool) (crypto.Address, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return crypto.Address{}, fmt.Errorf("keystore file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return crypto.Address{}, err
		}
	}
	secret, err := pass.Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		return crypto.Address{}, fmt.Errorf("failed to write keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

type tokenOptions struct {
	subject   string
	keystore  string
	passEnv   string
	secretEnv string
	scopes    string
	issuer    string
	audience  string
	ttl       time.Duration
}

func runToken(args []string, out io.Writer) error {
	var opts tokenOptions
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	fs.StringVar(&opts.subject, "subject", "", "Borrower or owner address the token acts as")
	fs.StringVar(&opts.keystore, "keystore", "", "Derive the subject from this keystore instead of --subject")
	fs.StringVar(&opts.passEnv, "pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.StringVar(&opts.secretEnv, "secret-env", defaultSecretEnv, "Environment variable containing the lendingd HMAC secret")
	fs.StringVar(&opts.scopes, "scope", "", "Comma separated scopes, e.g. admin")
	fs.StringVar(&opts.issuer, "issuer", "", "Token issuer")
	fs.StringVar(&opts.audience, "audience", "", "Token audience")
	fs.DurationVar(&opts.ttl, "ttl", time.Hour, "Token lifetime")
	fs.Parse(args)

	token, err := issueToken(opts, os.LookupEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func issueToken(opts tokenOptions, lookup func(string) (string, bool)) (string, error) {
	secret, ok := lookup(opts.secretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("environment variable %s is not set", opts.secretEnv)
	}
	subject, err := resolveSubject(opts)
	if err != nil {
		return "", err
	}
	var scopes []string
	for _, scope := range strings.Split(opts.scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return server.IssueToken(secret, server.TokenRequest{
		Subject:  subject,
		Scopes:   scopes,
		Issuer:   opts.issuer,
		Audience: opts.audience,
		TTL:      opts.ttl,
	})
}

func resolveSubject(opts tokenOptions) (crypto.Address, error) {
	switch {
	case opts.subject != "" && opts.keystore != "":
		return crypto.Address{}, errors.New("use either --subject or --keystore")
	case opts.subject != "":
		return crypto.DecodeAddress(opts.subject)
	case opts.keystore != "":
		secret, err := passphrase.NewSource(opts.passEnv, "keystore").Get()
		if err != nil {
			return crypto.Address{}, err
		}
		key, err := crypto.LoadFromKeystore(opts.keystore, secret)
		if err != nil {
			return crypto.Address{}, err
		}
		return key.PubKey().Address(), nil
	default:
		return crypto.Address{}, errors.New("--subject or --keystore required")
	}
}

func runInitConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(initConfigCommand, flag.ExitOnError)
	path := fs.String("path", defaultConfig, "Where to write the engine config")
	keystore := fs.String("keystore", "", "Owner keystore path (defaults next to the config)")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	backend := fs.String("backend", config.BackendLevelDB, "Storage backend: leveldb, bolt or memory")
	dataDir := fs.String("data-dir", "", "Data directory for the storage backend")
	force := fs.Bool("force", false, "Overwrite existing files")
	fs.Parse(args)

	cfg, err := initConfig(*path, *keystore, *backend, *dataDir, passphrase.NewSource(*passEnv, "owner keystore"), *force)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s (owner %s, custody %s)\n", *path, cfg.Lending.Owner, cfg.Lending.Custody)
	return nil
}

func initConfig(path, keystore, backend, dataDir string, pass *passphrase.Source, force bool) (*config.Config, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
	}
	if keystore == "" {
		keystore = filepath.Join(filepath.Dir(path), defaultKeystore)
	}
	owner, err := generateKeystore(keystore, pass, force)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.OwnerKeystorePath = keystore
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(backend))
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Lending.Owner = owner.String()
	cfg.Lending.Custody = crypto.ModuleAddress(config.DefaultCustodyModule).String()
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := config.Write(path, cfg); err != nil {
		return nil, err
	}
	if _, err := config.Load(path); err != nil {
		return nil, fmt.Errorf("verification failed after write: %w", err)
	}
	return cfg, nil
}

func runCustody(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(custodyCommand, flag.ExitOnError)
	module := fs.String("module", config.DefaultCustodyModule, "Module name the custody account derives from")
	fs.Parse(args)
	fmt.Fprintln(out, crypto.ModuleAddress(*module).String())
	return nil
}

func usage() {
	fmt.Println("lendctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s         Generate an encrypted owner or borrower keystore\n", keygenCommand)
	fmt.Printf("  %s          Mint a lendingd bearer token\n", tokenCommand)
	fmt.Printf("  %s    Write an engine config with a fresh owner keystore\n", initConfigCommand)
	fmt.Printf("  %s        Print the custody module address\n", custodyCommand)
}
