package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stateofplay-edge/internal/clock/system"
	"github.com/JakeFAU/stateofplay-edge/internal/cms"
	"github.com/JakeFAU/stateofplay-edge/internal/ogmeta"
)

// newPreviewCmd renders the document a link-preview crawler would receive.
func newPreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <slug>",
		Short: "Print the Open Graph document served to crawlers for a slug",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			clock := system.New()
			client, err := cms.New(cms.Config{
				BaseURL:    rt.cfg.CMS.URL,
				ContentKey: rt.cfg.CMS.ContentKey,
				UserAgent:  rt.cfg.CMS.UserAgent,
				Timeout:    rt.cfg.CMSTimeout(),
			}, clock, rt.logger)
			if err != nil {
				return fmt.Errorf("cms client: %w", err)
			}
			synth := ogmeta.New(client, clock, ogmeta.Config{
				SiteName:        rt.cfg.Site.Name,
				SiteDescription: rt.cfg.Site.Description,
				BaseURL:         rt.cfg.Site.BaseURL,
				DefaultImage:    rt.cfg.Site.DefaultImage,
			})
			doc, err := synth.Synthesize(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("synthesize %q: %w", args[0], err)
			}
			if _, err := cmd.OutOrStdout().Write(doc.Body); err != nil {
				return fmt.Errorf("write document: %w", err)
			}
			return nil
		},
	}
}
