package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/service"
)

func TokenCmd() *cobra.Command {
	var subject, tenantID string
	var manage bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" || tenantID == "" {
				return errors.New("--sub and --tenant are required")
			}
			cfg := load()

			principal := &model.Principal{ID: subject, TenantID: tenantID}
			if manage {
				principal.Capabilities = []string{model.CapabilityManageDownloads}
			}

			token, err := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry).GenerateJWT(principal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "principal id")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().BoolVar(&manage, "manage", false, "grant "+model.CapabilityManageDownloads)
	return cmd
}
