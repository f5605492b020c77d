package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/session"
)

var (
	removeUser       string
	removeLabel      string
	removeAuthWith   string
	removeAuthSecret string
)

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove an enrolled auth factor",
	Long: `Removes a factor after authenticating with a different one. The last
remaining factor cannot be removed.`,
	RunE: runRemove,
}

func init() {
	rootCmd.AddCommand(removeCmd)
	removeCmd.Flags().StringVarP(&removeUser, "user", "u", "", "Username")
	removeCmd.Flags().StringVarP(&removeLabel, "label", "l", "", "Label of the factor to remove")
	removeCmd.Flags().StringVar(&removeAuthWith, "auth-with", "", "Label of a different factor to authenticate with")
	removeCmd.Flags().StringVar(&removeAuthSecret, "auth-secret", "", "Secret for the --auth-with factor (prompted when omitted)")
	_ = removeCmd.MarkFlagRequired("user")
	_ = removeCmd.MarkFlagRequired("label")
	_ = removeCmd.MarkFlagRequired("auth-with")
}

func runRemove(cmd *cobra.Command, args []string) error {
	if removeAuthWith == removeLabel {
		return fmt.Errorf("--auth-with must name a different factor than the one being removed")
	}

	mgr, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx := cmd.Context()
	s, err := mgr.CreateSession(ctx, session.Params{Username: removeUser})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := authenticateWith(cmd, s, removeAuthWith, removeAuthSecret); err != nil {
		return err
	}
	if err := s.RemoveAuthFactor(ctx, removeLabel); err != nil {
		return fmt.Errorf("removing factor %q: %w", removeLabel, err)
	}
	fmt.Printf("Removed factor %q for %s\n", removeLabel, removeUser)
	return nil
}
