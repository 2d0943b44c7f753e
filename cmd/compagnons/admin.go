package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"compagnons/internal/app"
	"compagnons/internal/config"
	"compagnons/internal/engine/auth"
	"compagnons/internal/seed"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Session tokens"}
	var (
		save bool
		ttl  time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Sign a session token for a directory user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			u, ok := seed.FindUser(args[0])
			if !ok {
				return fmt.Errorf("unknown user %s", args[0])
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, exp, err := auth.IssueToken(u, cfg.Auth.TokenSecret, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			if save {
				if err := setEnvValue(".env", "COMPAGNONS_TOKEN", token); err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "user_id": u.ID, "role": u.Role, "expires_at": exp})
			}
			fmt.Println(token)
			if save {
				fmt.Fprintln(os.Stderr, "saved as COMPAGNONS_TOKEN in .env")
			}
			return nil
		},
	}
	issue.Flags().BoolVar(&save, "save", false, "store the token in ./.env")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	cmd.AddCommand(issue)

	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the actor resolved from flags or token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := identity(cfg)
			if err != nil {
				return err
			}
			actor, err := auth.Require(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printDone(actor, "%s (%s)", actor.ID, actor.Role)
		},
	})
	return cmd
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the user directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			users := seed.Users()
			return printJSONOrTable(users, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Name", "City", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.DisplayName(), u.City, u.Role})
				}
			})
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify cross-entity invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				violations := s.Engine.CheckInvariants(ctx)
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"ok": len(violations) == 0, "violations": violations}); err != nil {
						return err
					}
				} else if len(violations) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Rule", "Entity", "Detail"})
					for _, v := range violations {
						tw.AppendRow(table.Row{v.Rule, v.EntityID, v.Detail})
					}
					tw.Render()
				}
				if len(violations) > 0 {
					return fmt.Errorf("%d invariant violation(s)", len(violations))
				}
				if !viper.GetBool("json") {
					fmt.Println("store OK")
				}
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump every collection in its persistence format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				snap, err := s.Store.Snapshot()
				if err != nil {
					return err
				}
				if out == "" {
					return printJSON(snap)
				}
				data, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				return os.WriteFile(out, append(data, '\n'), 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func storageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show the schema version and persisted keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				entries, err := s.Entries(ctx)
				if err != nil {
					return err
				}
				schema, err := s.Schema()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"driver": s.Config.Storage.Driver, "schema": schema, "entries": entries})
				}
				if n := len(schema); n > 0 {
					fmt.Printf("%s schema version %d (%s)\n", s.Config.Storage.Driver, schema[n-1].Version, schema[n-1].Name)
				}
				return printJSONOrTable(entries, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Key", "Bytes", "Updated"})
					for _, e := range entries {
						tw.AppendRow(table.Row{e.Key, e.Size, e.UpdatedAt})
					}
				})
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "compagnons.yml in the workspace selects the storage backend, seed data, workflow options, token signing and logging. Every key is optional.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.TokenSecret != "" {
				c.Auth.TokenSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default compagnons.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}
