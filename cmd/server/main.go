// Package main 是应用程序的入口点。
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"travel-vault/internal/config"
	"travel-vault/pkg/token"
)

const rootLongDesc = `Travel Vault serves a personal knowledge vault: users upload travel
guides and notes, and ask questions answered only from their own documents.

Examples:
  travel-vault --config ./configs/config.yaml
  travel-vault token --user alice`

func main() {
	// .env 中的密钥（API key 等）通过 VAULT_ 环境变量覆盖配置
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "travel-vault",
		Short:        "Run the knowledge vault HTTP service",
		Long:         rootLongDesc,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "Path to YAML config file")
	cmd.AddCommand(newTokenCmd(&configPath))
	return cmd
}

// newTokenCmd 为指定用户签发一个访问 token，用于启用了 jwt.secret 的部署。
func newTokenCmd(configPath *string) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured; authentication is disabled")
			}
			signed, err := token.NewJWTManager(cfg.JWT.Secret, ttl).GenerateToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", token.DefaultTokenDuration, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
