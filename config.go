package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	adminToken     string
	bind           string
	database       string
	maxMembers     int
	memberTimeout  time.Duration
	minMembers     int
	placesAPIKey   string
	placesURL      string
	port           int
	prefix         string
	profile        bool
	roundTimer     time.Duration
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxMembers < 1 {
		return fmt.Errorf("invalid max members (must be at least 1): %d", c.maxMembers)
	}
	if c.minMembers < 1 || c.minMembers > c.maxMembers {
		return fmt.Errorf("invalid min members (must be between 1-%d inclusive): %d", c.maxMembers, c.minMembers)
	}
	if c.roundTimer < time.Second {
		return fmt.Errorf("invalid round timer (must be at least 1s): %s", c.roundTimer)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WAYFINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "wayfinder",
		Short:         "A compass-based landmark guessing game, playable solo or in code-joined lobbies.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.adminToken, "admin-token", "", "token authorizing edits to built-in location packs (env: WAYFINDER_ADMIN_TOKEN)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: WAYFINDER_BIND)")
	fs.StringVar(&cfg.database, "database", "wayfinder.db", "path to the catalog database (env: WAYFINDER_DATABASE)")
	fs.IntVar(&cfg.maxMembers, "max-members", 8, "maximum players per lobby (env: WAYFINDER_MAX_MEMBERS)")
	fs.DurationVar(&cfg.memberTimeout, "member-timeout", 2*time.Minute, "time before disconnected players are removed from their lobby (env: WAYFINDER_MEMBER_TIMEOUT)")
	fs.IntVar(&cfg.minMembers, "min-members", 1, "minimum players required to start a lobby game (env: WAYFINDER_MIN_MEMBERS)")
	fs.StringVar(&cfg.placesAPIKey, "places-api-key", "", "api key for the nearby place search service (env: WAYFINDER_PLACES_API_KEY)")
	fs.StringVar(&cfg.placesURL, "places-url", "", "base url of the nearby place search service (env: WAYFINDER_PLACES_URL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: WAYFINDER_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: WAYFINDER_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: WAYFINDER_PROFILE)")
	fs.DurationVar(&cfg.roundTimer, "round-timer", 15*time.Second, "countdown per solo round before the current heading is auto-submitted (env: WAYFINDER_ROUND_TIMER)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle lobbies are ended (env: WAYFINDER_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: WAYFINDER_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: WAYFINDER_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: WAYFINDER_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: WAYFINDER_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("wayfinder v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
