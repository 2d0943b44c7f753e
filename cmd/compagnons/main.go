package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"compagnons/internal/app"
	"compagnons/internal/config"
	"compagnons/internal/domain"
	"compagnons/internal/engine/auth"
	"compagnons/internal/platform/logger"
	"compagnons/internal/seed"
)

var rootCmd = &cobra.Command{
	Use:   "compagnons",
	Short: "Compagnons renovation marketplace CLI",
	Long: `Compagnons connects private owners with certified craftsmen (cadres).
- Announcement: a renovation request posted by an owner (particulier).
- Quote: a priced proposal from a craftsman; the owner accepts or refuses it.
- Project: the work record created when a quote is accepted; the craftsman finalizes it.
- Review: the owner's rating of a finished project, once per project.
- Notifications: every transition tells the other party.
Act as a user with --actor-id (role looked up in the directory) or --token.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// a missing .env is fine
	_ = godotenv.Load()
	viper.SetEnvPrefix("COMPAGNONS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "act as this user id")
	flags.String("role", "", "actor role (particulier|cadre); defaults to the directory role")
	flags.String("token", "", "signed session token")
	flags.String("log-level", "", "override log level")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "token", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(announcementCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(storageCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("storage-driver"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := viper.GetString("database-url"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := viper.GetString("token-secret"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

func identity(cfg *config.Config) (auth.Provider, error) {
	var chain auth.Chain
	if token := viper.GetString("token"); token != "" {
		if _, err := auth.Authenticate(token, cfg.Auth.TokenSecret, nil); err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		chain = append(chain, auth.Token{Raw: token, Secret: cfg.Auth.TokenSecret})
	}
	if id := viper.GetString("actor-id"); id != "" {
		role := domain.Role(viper.GetString("role"))
		if role == "" {
			u, ok := seed.FindUser(id)
			if !ok {
				return nil, fmt.Errorf("unknown user %s; pass --role", id)
			}
			role = u.Role
		}
		if role != domain.RoleParticulier && role != domain.RoleCadre {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		chain = append(chain, auth.NewStatic(id, role))
	}
	return chain, nil
}

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	id, err := identity(cfg)
	if err != nil {
		return err
	}
	s, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Identity:  id,
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil {
			log.Warn("close session", zap.Error(cerr))
		}
	}()
	return fn(ctx, s)
}

// currentActor resolves the actor for read commands that are scoped to a user.
func currentActor(ctx context.Context, s *app.Session) (domain.Actor, error) {
	return auth.Require(ctx, s.Engine.Identity)
}

func printJSONOrTable(v any, render func(tw table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDone(v any, format string, args ...any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf(format+"\n", args...)
	return nil
}

func shortDate(v interface{ Format(string) string }) string {
	return v.Format("2006-01-02")
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
