package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/session"
)

var (
	authUser   string
	authLabel  string
	authSecret string
	authIntent string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate a factor and report the granted intents",
	RunE:  runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.Flags().StringVarP(&authUser, "user", "u", "", "Username to authenticate")
	authCmd.Flags().StringVarP(&authLabel, "label", "l", "", "Factor label")
	authCmd.Flags().StringVar(&authSecret, "secret", "", "Factor secret (prompted when omitted)")
	authCmd.Flags().StringVar(&authIntent, "intent", "decrypt", "Requested intent (decrypt, verify-only, webauthn)")
	_ = authCmd.MarkFlagRequired("user")
	_ = authCmd.MarkFlagRequired("label")
}

func runAuth(cmd *cobra.Command, args []string) error {
	intent, err := parseIntent(authIntent)
	if err != nil {
		return err
	}

	mgr, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx := cmd.Context()
	s, err := mgr.CreateSession(ctx, session.Params{Username: authUser})
	if err != nil {
		return err
	}
	defer s.Close()

	authType := factorTypeOf(s, authLabel)
	secret, err := readSecret(fmt.Sprintf("Secret for %q: ", authLabel), authSecret)
	if err != nil {
		return err
	}

	res, err := s.AuthenticateAuthFactor(ctx, &session.AuthenticateRequest{
		Type:   authType,
		Labels: []string{authLabel},
		Secret: secret,
		Intent: intent,
	})
	if err != nil {
		var locked *session.LockedOutError
		if errors.As(err, &locked) {
			if locked.AvailableIn >= keyset.IndefiniteDelay {
				return fmt.Errorf("factor %q is locked out until reset", locked.Label)
			}
			return fmt.Errorf("factor %q is locked out; next attempt in %s", locked.Label, locked.AvailableIn)
		}
		return fmt.Errorf("authentication failed: %w", err)
	}

	mode := "full"
	if res.LightAuth {
		mode = "light"
	}
	fmt.Printf("Authenticated %q (%s auth)\n", authLabel, mode)
	fmt.Print("Granted intents:")
	for _, i := range res.Intents {
		fmt.Printf(" %s", i)
	}
	fmt.Println()
	return nil
}

// factorTypeOf resolves a label to its enrolled factor type, or
// Unspecified when the label is unknown (the engine rejects it then).
func factorTypeOf(s *session.Session, label string) factor.Type {
	for _, info := range s.ListAuthFactors() {
		if info.Label == label {
			return info.Type
		}
	}
	return factor.TypeUnspecified
}
