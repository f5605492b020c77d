package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/session"
)

var (
	enrollUser        string
	enrollType        string
	enrollLabel       string
	enrollDisplayName string
	enrollSecret      string
	enrollAuthWith    string
	enrollAuthSecret  string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a new auth factor for a user",
	Long: `Adds a credential factor. The first factor for a user creates their
secret stash; adding further factors requires authenticating with an
already-enrolled one via --auth-with.`,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.Flags().StringVarP(&enrollUser, "user", "u", "", "Username to enroll for")
	enrollCmd.Flags().StringVarP(&enrollType, "type", "t", "password", "Factor type (password, pin, kiosk)")
	enrollCmd.Flags().StringVarP(&enrollLabel, "label", "l", "", "Factor label")
	enrollCmd.Flags().StringVar(&enrollDisplayName, "display-name", "", "User-visible factor name")
	enrollCmd.Flags().StringVar(&enrollSecret, "secret", "", "Factor secret (prompted when omitted)")
	enrollCmd.Flags().StringVar(&enrollAuthWith, "auth-with", "", "Label of an existing factor to authenticate with")
	enrollCmd.Flags().StringVar(&enrollAuthSecret, "auth-secret", "", "Secret for the --auth-with factor (prompted when omitted)")
	_ = enrollCmd.MarkFlagRequired("user")
	_ = enrollCmd.MarkFlagRequired("label")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	t, err := parseFactorType(enrollType)
	if err != nil {
		return err
	}

	mgr, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx := cmd.Context()
	s, err := mgr.CreateSession(ctx, session.Params{Username: enrollUser, NewUser: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if len(s.ListAuthFactors()) > 0 {
		if err := authenticateWith(cmd, s, enrollAuthWith, enrollAuthSecret); err != nil {
			return err
		}
	}

	secret, err := readSecret(fmt.Sprintf("Secret for %q: ", enrollLabel), enrollSecret)
	if err != nil {
		return err
	}

	req := &session.AddFactorRequest{
		Type:     t,
		Label:    enrollLabel,
		Secret:   secret,
		Common:   factor.CommonMetadata{DisplayName: enrollDisplayName},
		Metadata: factor.DefaultMetadata(t),
	}
	if err := s.AddAuthFactor(ctx, req); err != nil {
		return fmt.Errorf("enrolling factor %q: %w", enrollLabel, err)
	}
	fmt.Printf("Enrolled %s factor %q for %s\n", t, enrollLabel, enrollUser)
	return nil
}

// authenticateWith performs a full authentication against an existing
// factor so stash-mutating operations are permitted.
func authenticateWith(cmd *cobra.Command, s *session.Session, label, secretFlag string) error {
	if label == "" {
		return fmt.Errorf("user already has factors enrolled; pass --auth-with to authenticate")
	}
	var authType factor.Type
	found := false
	for _, info := range s.ListAuthFactors() {
		if info.Label == label {
			authType = info.Type
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no enrolled factor with label %q", label)
	}

	secret, err := readSecret(fmt.Sprintf("Secret for %q: ", label), secretFlag)
	if err != nil {
		return err
	}
	_, err = s.AuthenticateAuthFactor(cmd.Context(), &session.AuthenticateRequest{
		Type:   authType,
		Labels: []string{label},
		Secret: secret,
		Intent: factor.IntentDecrypt,
	})
	if err != nil {
		return fmt.Errorf("authenticating with %q: %w", label, err)
	}
	return nil
}
