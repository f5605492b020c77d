package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/session"
)

var factorsUser string

var factorsCmd = &cobra.Command{
	Use:   "factors",
	Short: "List a user's enrolled auth factors",
	RunE:  runFactors,
}

func init() {
	rootCmd.AddCommand(factorsCmd)
	factorsCmd.Flags().StringVarP(&factorsUser, "user", "u", "", "Username to list factors for")
	_ = factorsCmd.MarkFlagRequired("user")
}

func runFactors(cmd *cobra.Command, args []string) error {
	mgr, closer, err := openEngine()
	if err != nil {
		return err
	}
	defer closer()

	ctx := cmd.Context()
	s, err := mgr.CreateSession(ctx, session.Params{Username: factorsUser})
	if err != nil {
		return err
	}
	defer s.Close()

	infos := s.ListAuthFactors()
	if len(infos) == 0 {
		fmt.Println("No factors enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tTYPE\tBACKEND\tDISPLAY NAME\tLOCKOUT")
	for _, info := range infos {
		lockout := "-"
		if st, serr := s.GetAuthFactorStatus(ctx, info.Label); serr == nil && st.AvailableIn > 0 {
			lockout = st.AvailableIn.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.Label, info.Type, info.Backend, info.DisplayName, lockout)
	}
	return w.Flush()
}
