package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/authblock/software"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/session"
	"github.com/jmcleod/latchkey/stash"
	bboltstorage "github.com/jmcleod/latchkey/storage/bbolt"
	"github.com/jmcleod/latchkey/verifier"
)

var (
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "latchkey",
	Short: "Latchkey is a device-local credential store",
	Long: `An authentication-session engine managing per-user credential factors,
their encrypted secret stash, and migration from the legacy keyset format.
Complete documentation is available at https://github.com/jmcleod/latchkey`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

// openEngine opens the on-disk store and builds a session manager over it.
// The returned closer must be called before exit.
func openEngine() (*session.Manager, func(), error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, "latchkey.db"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential storage: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	b := &session.Backends{
		Blocks:    software.New(),
		Factors:   factor.NewStore(repo),
		Keysets:   keyset.NewStore(repo),
		Stash:     stash.NewManager(repo),
		Verifiers: verifier.NewForwarder(),
		Repo:      repo,
	}
	mgr := session.NewManager(b, session.WithLogger(log))
	closer := func() {
		if err := repo.Close(); err != nil {
			log.Warn("closing storage failed", "error", err)
		}
	}
	return mgr, closer, nil
}

// parseFactorType maps the CLI type name to a factor type. Only the
// software-backed types are reachable from the command line.
func parseFactorType(s string) (factor.Type, error) {
	switch strings.ToLower(s) {
	case "password":
		return factor.TypePassword, nil
	case "pin":
		return factor.TypePIN, nil
	case "kiosk":
		return factor.TypeKiosk, nil
	}
	return factor.TypeUnspecified, fmt.Errorf("unsupported factor type %q (expected password, pin or kiosk)", s)
}

func parseIntent(s string) (factor.Intent, error) {
	switch strings.ToLower(s) {
	case "", "decrypt":
		return factor.IntentDecrypt, nil
	case "verify-only":
		return factor.IntentVerifyOnly, nil
	case "webauthn":
		return factor.IntentWebAuthn, nil
	}
	return factor.IntentUnspecified, fmt.Errorf("unknown intent %q (expected decrypt, verify-only or webauthn)", s)
}

// readSecret returns the flag value when set, otherwise prompts on stderr
// and reads one line from stdin.
func readSecret(prompt, flagValue string) ([]byte, error) {
	if flagValue != "" {
		return []byte(flagValue), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
