package main

import (
	"fmt"

	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/spf13/cobra"
)

// loginCmd logs in and persists the session
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in once and persist the session",
	Long: `Run the browser login and store the resulting cookies in the session
file (or Redis when configured). A later run reuses them until the API
rejects them.`,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	auth, err := browserAuthenticator(cfg)
	if err != nil {
		return err
	}
	manager, err := session.NewManager(session.Config{
		Authenticator: auth,
		Store:         sessionStore(cfg, rdb),
		Credentials:   credentials(cfg),
		LoginTimeout:  cfg.GetLoginTimeout(),
	})
	if err != nil {
		return err
	}

	// Refresh bypasses any persisted session.
	s, err := manager.Refresh(ctx, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d cookies\n", s.ID, len(s.Cookies))
	return nil
}
