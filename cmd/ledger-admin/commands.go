package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"investment-ledger/internal/admin"
	"investment-ledger/internal/auth"
	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/payments"
	"investment-ledger/internal/vault"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(createAdminCmd)
	rootCmd.AddCommand(issueTokenCmd)
	rootCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(pushSecretsCmd)

	reconcileCmd.Flags().String("user", "", "Check a single user instead of every balance")
	reconcileCmd.Flags().Bool("fix", false, "Rebuild the user's balance from entries (requires --user, --admin and --reason)")
	reconcileCmd.Flags().String("admin", "", "Admin ID recorded in the audit log for --fix")
	reconcileCmd.Flags().String("reason", "", "Reason recorded in the audit log for --fix")

	auditCmd.Flags().String("user", "", "Only actions affecting this user")
	auditCmd.Flags().String("admin", "", "Only actions taken by this admin")
	auditCmd.Flags().String("action", "", "Only this action type")
	auditCmd.Flags().Int("limit", 50, "Page size")
	auditCmd.Flags().Int("offset", 0, "Page offset")

	createAdminCmd.Flags().String("role", string(database.RoleAdmin), "superadmin, admin, moderator or analyst")

	issueTokenCmd.Flags().Bool("admin", false, "Issue an admin token")
	issueTokenCmd.Flags().String("email", "", "Email claim")
	issueTokenCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to the configured access token duration)")

	hashTokenCmd.Flags().Int("cost", auth.DefaultBcryptCost, "bcrypt cost")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if cfg.DatabaseConfig.Driver == "memory" {
			return fmt.Errorf("the memory driver has no schema to migrate")
		}
		_, closeStore, err := database.Open(ctx, cfg.DatabaseConfig, true, logger)
		if err != nil {
			return err
		}
		closeStore()
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare stored balances with their ledger entries",
	Long: `Folds every user's entries and compares the result with the stored
balance. Drift is reported, never silently patched. With --fix a single
user's balance is rebuilt through the audited admin path.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, _ := cmd.Flags().GetString("user")
	fix, _ := cmd.Flags().GetBool("fix")

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	projector := balance.NewProjector(e.store, e.logger)

	if fix {
		adminID, _ := cmd.Flags().GetString("admin")
		reason, _ := cmd.Flags().GetString("reason")
		if userID == "" || adminID == "" || strings.TrimSpace(reason) == "" {
			return fmt.Errorf("--fix requires --user, --admin and --reason")
		}
		tracker := payments.NewTracker(projector, payments.PolicyFromConfig(e.cfg.LedgerConfig), e.logger)
		svc := admin.NewService(projector, tracker, nil, nil, e.logger)
		res, err := svc.Reconcile(ctx, adminID, userID, reason, admin.Origin{UserAgent: "ledger-admin"})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}

	if userID != "" {
		report, err := projector.Verify(ctx, userID)
		if report == nil {
			return err
		}
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
		return err
	}

	reconciler := balance.NewReconciler(e.store, nil, nil, balance.ReconcilerConfig{
		MaxConcurrent: e.cfg.JobsConfig.ReconcileConcurrency,
	}, e.logger)
	drifting, err := reconciler.RunOnce(ctx)
	if err != nil {
		return err
	}
	if len(drifting) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "all balances match their entries")
		return nil
	}
	if err := printJSON(cmd.OutOrStdout(), drifting); err != nil {
		return err
	}
	return fmt.Errorf("%d balances drifted", len(drifting))
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Page through the admin audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		q := admin.AuditQuery{}
		q.UserID, _ = cmd.Flags().GetString("user")
		q.AdminID, _ = cmd.Flags().GetString("admin")
		q.ActionType, _ = cmd.Flags().GetString("action")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.Offset, _ = cmd.Flags().GetInt("offset")

		projector := balance.NewProjector(e.store, e.logger)
		tracker := payments.NewTracker(projector, payments.PolicyFromConfig(e.cfg.LedgerConfig), e.logger)
		page, err := admin.NewService(projector, tracker, nil, nil, e.logger).AuditTrail(ctx, q)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), page)
	},
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin USER_ID",
	Short: "Grant a platform user an admin role",
	Long: `Creates or updates the admin profile of USER_ID. The profile is keyed by
the user ID so the subject of that user's access token resolves to it.
Capabilities follow from the role.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		role, _ := cmd.Flags().GetString("role")

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		now := time.Now().UTC()
		a := &database.AdminUser{
			ID:        args[0],
			UserID:    args[0],
			Role:      database.AdminRole(strings.ToLower(role)),
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, err := e.store.GetAdminUser(ctx, a.ID); err == nil {
			a.CreatedAt = existing.CreatedAt
		}
		if err := admin.ApplyRole(a); err != nil {
			return err
		}
		if err := e.store.SaveAdminUser(ctx, a); err != nil {
			return fmt.Errorf("save admin: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token USER_ID",
	Short: "Sign an API access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if cfg.AuthConfig.JWTSecret == "" {
			return fmt.Errorf("no jwt secret configured")
		}
		isAdmin, _ := cmd.Flags().GetBool("admin")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		m := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, cfg.AuthConfig.AccessTokenDuration)
		if ttl <= 0 {
			ttl = time.Duration(m.GetAccessTokenDuration()) * time.Second
		}
		token, err := m.GenerateTokenWithTTL(auth.UserClaims{UserID: args[0], Email: email, IsAdmin: isAdmin}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token TOKEN",
	Short: "Hash a gateway callback token for gateway.token_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, _ := cmd.Flags().GetInt("cost")
		hash, err := auth.HashToken(args[0], cost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var pushSecretsCmd = &cobra.Command{
	Use:   "push-secrets",
	Short: "Write the configured credentials into Vault",
	Long: `Copies the JWT secret, database and Redis passwords and the gateway token
hash from the config file and environment into the Vault KV path the
server reads at startup. Empty values are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		cfg, _, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return err
		}
		err = vc.StoreSecrets(ctx, vault.ServiceSecrets{
			JWTSecret:        cfg.AuthConfig.JWTSecret,
			DBPassword:       cfg.DatabaseConfig.Password,
			RedisPassword:    cfg.RedisConfig.Password,
			GatewayTokenHash: cfg.GatewayConfig.TokenHash,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "secrets stored")
		return nil
	},
}
