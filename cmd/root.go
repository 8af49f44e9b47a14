package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jthomas-dd/datadog-mcp/internal/agent"
)

const (
	// defaultEndpoint is the Datadog MCP server endpoint
	defaultEndpoint = "https://mcp.datadoghq.com/api/unstable/mcp-server/mcp"

	// envPrefix is the prefix for environment variable configuration,
	// e.g. DATADOG_SITE, DATADOG_CLIENT_ID
	envPrefix = "DATADOG"
)

var (
	version      string
	endpoint     string
	site         string
	clientID     string
	clientSecret string
	redirectURL  string
	cacheFile    string
	timeout      time.Duration
	oauthTimeout time.Duration
	verbose      bool
	noColor      bool
	jsonRPC      bool
	repl         bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "datadog-mcp",
	Short: "OAuth-authenticated client for the Datadog MCP server",
	Long: `datadog-mcp connects to the Datadog MCP (Model Context Protocol) server
and handles the complete OAuth 2.1 authorization lifecycle for you:
authorization server discovery, dynamic client registration, browser-based
authorization with PKCE, token caching, and transparent refresh.

On first run a browser window opens for you to approve access; tokens are
cached locally so subsequent runs connect without any interaction until the
refresh token expires.

The tool supports two modes:
- Normal mode (default): Connect and wait for notifications
- REPL mode (--repl): Interactive exploration and execution

In REPL mode, you can:
- List available tools and resources
- Get detailed information about specific items
- Execute tools interactively with JSON arguments
- View resources and retrieve their contents
- Inspect token state and force re-authentication

Configuration can also come from the environment: DATADOG_SITE,
DATADOG_CLIENT_ID, DATADOG_CLIENT_SECRET, and DATADOG_REDIRECT_URL
correspond to the --site, --client-id, --client-secret, and
--redirect-url flags.`,
	RunE: runAgent,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.Flags().StringVar(&endpoint, "endpoint", defaultEndpoint, "MCP endpoint URL")
	rootCmd.Flags().StringVar(&site, "site", "datadoghq.com", "Datadog site (e.g. datadoghq.com, datadoghq.eu, us5.datadoghq.com)")
	rootCmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID (optional - Dynamic Client Registration is used if not provided)")
	rootCmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret (optional)")
	rootCmd.Flags().StringVar(&redirectURL, "redirect-url", "http://localhost:8080/callback", "OAuth redirect URL for the local callback listener")
	rootCmd.Flags().StringVar(&cacheFile, "cache-file", "", "Token cache file path (default ~/.datadog-mcp/oauth_tokens.json)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Timeout for waiting for notifications in normal mode")
	rootCmd.Flags().DurationVar(&oauthTimeout, "oauth-timeout", 5*time.Minute, "Maximum time to wait for browser authorization")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.Flags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")
	rootCmd.Flags().BoolVar(&repl, "repl", false, "Start interactive REPL mode")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Flags take precedence over environment variables.
	for _, name := range []string{"site", "client-id", "client-secret", "redirect-url", "cache-file"} {
		if err := viper.BindPFlag(name, rootCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}

	rootCmd.AddCommand(newSelfUpdateCmd())
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()
}

// buildOAuthConfig creates an OAuth configuration from flags and environment
func buildOAuthConfig(cmd *cobra.Command, logger *agent.Logger) *agent.OAuthConfig {
	if viper.GetString("client-secret") != "" && cmd.Flags().Changed("client-secret") {
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export DATADOG_CLIENT_SECRET=\"...\"")
	}

	config := &agent.OAuthConfig{
		ClientID:             viper.GetString("client-id"),
		ClientSecret:         viper.GetString("client-secret"),
		RedirectURL:          viper.GetString("redirect-url"),
		Site:                 viper.GetString("site"),
		CachePath:            viper.GetString("cache-file"),
		AuthorizationTimeout: oauthTimeout,
	}

	if config.CachePath == "" {
		config.CachePath = agent.DefaultOAuthConfig().CachePath
	}

	if config.ClientID == "" {
		logger.InfoVerbose("No client ID configured - will attempt Dynamic Client Registration")
	} else {
		logger.InfoVerbose("Using configured client ID: %s", config.ClientID)
	}

	return config
}

// runNormalMode runs the client in normal (listen) mode
func runNormalMode(ctx context.Context, client *agent.Client, logger *agent.Logger) error {
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	if err := client.Listen(timeoutCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Info("Timeout reached after %v", timeout)
			return nil
		}
		return fmt.Errorf("client error: %w", err)
	}
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel)

	logger := agent.NewLogger(verbose, !noColor, jsonRPC)

	oauthConfig := buildOAuthConfig(cmd, logger)

	session, err := agent.NewSession(endpoint, oauthConfig, logger)
	if err != nil {
		return err
	}

	client := agent.NewClient(agent.ClientConfig{
		Endpoint: endpoint,
		Logger:   logger,
		Session:  session,
		Version:  version,
	})
	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("failed to connect client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if repl {
		replHandler := agent.NewREPL(client, logger)
		if err := replHandler.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}

	return runNormalMode(ctx, client, logger)
}
