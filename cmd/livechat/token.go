package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"sudooom.im.livechat/internal/auth"
	"sudooom.im.livechat/internal/config"
)

var (
	tokenDevice   string
	tokenPlatform string
)

// tokenCmd 本地联调用，按当前配置的 jwt_secret 签发 token
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an access/refresh token pair for a user (jwt auth mode only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Auth.Mode != config.AuthModeJWT {
			return errors.New("auth.mode is not jwt; tokens are issued by the login service")
		}
		pair, err := newJWTService(cfg).GenerateTokenPair(args[0], tokenDevice, auth.Platform(tokenPlatform))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(pair)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "cli", "device id embedded in the token")
	tokenCmd.Flags().StringVar(&tokenPlatform, "platform", string(auth.PlatformDesktop), "platform embedded in the token")
	rootCmd.AddCommand(tokenCmd)
}
