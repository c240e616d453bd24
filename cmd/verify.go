package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stateofplay-edge/internal/access"
	"github.com/JakeFAU/stateofplay-edge/internal/clock/system"
	"github.com/JakeFAU/stateofplay-edge/internal/cms"
)

// newVerifyCmd looks a member up once, the same way each reconciliation
// attempt does, and prints what access they would get.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <email>",
		Short: "Look up a member in the CMS and print their effective access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.CMS.AdminKey == "" {
				return errors.New("cms.admin_key is required to verify members")
			}
			clock := system.New()
			client, err := cms.New(cms.Config{
				BaseURL:    rt.cfg.CMS.URL,
				ContentKey: rt.cfg.CMS.ContentKey,
				AdminKey:   rt.cfg.CMS.AdminKey,
				UserAgent:  rt.cfg.CMS.UserAgent,
				Timeout:    rt.cfg.CMSTimeout(),
			}, clock, rt.logger)
			if err != nil {
				return fmt.Errorf("cms client: %w", err)
			}

			v, err := client.VerifyMember(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("verify member: %w", err)
			}
			status := access.EffectiveStatus(v.Record, clock.Now())
			out := map[string]any{
				"exists":           v.Exists,
				"member":           v.Record,
				"effective_status": status,
				"paying":           status.Paying(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
}
