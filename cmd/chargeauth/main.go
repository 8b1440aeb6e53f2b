// file: cmd/chargeauth/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dkoosis/chargeauth/internal/auth"
	"github.com/dkoosis/chargeauth/internal/config"
	"github.com/dkoosis/chargeauth/internal/identity"
	"github.com/dkoosis/chargeauth/internal/identity/securetoken"
	"github.com/dkoosis/chargeauth/internal/identity/tokenstore"
	"github.com/dkoosis/chargeauth/internal/logging"
	"github.com/dkoosis/chargeauth/internal/metrics"
	"github.com/dkoosis/chargeauth/internal/profilestore"
)

// Version information - should be set during build via ldflags.
var (
	Version    = "0.1.0-dev" // Default development version
	commitHash = "unknown"   //nolint:unused // Set via ldflags during build
	buildDate  = "unknown"   //nolint:unused // Set via ldflags during build
)

func main() {
	// Check if we have a subcommand.
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Process subcommands.
	switch os.Args[1] {
	case "watch":
		watchCmd := flag.NewFlagSet("watch", flag.ExitOnError)
		watchConfigPath := watchCmd.String("config", "", "Path to configuration file.")
		metricsAddr := watchCmd.String("metrics-addr", "", "Address to expose Prometheus metrics on (empty disables).")
		debug := watchCmd.Bool("debug", false, "Enable debug logging.")

		if err := watchCmd.Parse(os.Args[2:]); err != nil {
			log.Fatalf("Failed to parse watch command flags: %+v", err)
		}

		if *debug {
			logging.SetupDefaultLogger("debug")
		} else {
			logging.SetupDefaultLogger("info")
		}

		if err := runWatch(*watchConfigPath, *metricsAddr, *debug); err != nil {
			logger := logging.GetLogger("main")
			logger.Error("Watch failed.", "error", fmt.Sprintf("%+v", err))
			os.Exit(1)
		}

	case "check-profile":
		checkCmd := flag.NewFlagSet("check-profile", flag.ExitOnError)
		checkConfigPath := checkCmd.String("config", "", "Path to configuration file.")
		uid := checkCmd.String("uid", "", "UID of the profile to inspect.")

		if err := checkCmd.Parse(os.Args[2:]); err != nil {
			log.Fatalf("Failed to parse check-profile command flags: %+v", err)
		}
		if *uid == "" {
			log.Fatal("check-profile requires -uid")
		}

		logging.SetupDefaultLogger("warn")
		if err := runCheckProfile(*checkConfigPath, *uid); err != nil {
			log.Fatalf("Profile check failed: %+v", err)
		}

	case "diagnose-keystore":
		diagnoseCmd := flag.NewFlagSet("diagnose-keystore", flag.ExitOnError)
		diagnoseConfigPath := diagnoseCmd.String("config", "", "Path to configuration file.")

		if err := diagnoseCmd.Parse(os.Args[2:]); err != nil {
			log.Fatalf("Failed to parse diagnose-keystore command flags: %+v", err)
		}

		runKeystoreDiagnostics(*diagnoseConfigPath)

	case "version":
		fmt.Printf("chargeauth %s\n", Version)

	default:
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints usage information for the command.
func printUsage() {
	// Use standard log package for initial usage/errors before logger setup
	log.Println("Usage:")
	log.Println("  chargeauth watch [options]              - Watch the authentication lifecycle and print events")
	log.Println("  chargeauth check-profile -uid U [opts]  - Fetch and validate a stored user profile")
	log.Println("  chargeauth diagnose-keystore [options]  - Test refresh-token storage tiers")
	log.Println("  chargeauth version                      - Print the version")
	log.Println("\nRun 'chargeauth <command> -h' for help on a specific command.")
}

// runWatch wires the full authentication stack, prints every lifecycle event
// to stdout, and runs until interrupted.
func runWatch(configPath, metricsAddr string, debug bool) error {
	logger := logging.GetLogger("main")

	cfg, err := config.LoadConfig(configPath, logger)
	if err != nil {
		return err
	}
	if !debug {
		logging.SetupDefaultLogger(cfg.Logging.Level)
		logger = logging.GetLogger("main")
	}

	collector := metrics.NewCollector()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			logger.Info("Serving metrics.", "addr", metricsAddr)
			srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server stopped.", "error", err)
			}
		}()
	}

	store, err := tokenstore.NewStore(cfg.Identity.TokenPath, logger)
	if err != nil {
		return err
	}

	backend, err := securetoken.NewBackend(securetoken.Options{
		APIKey:        cfg.Identity.APIKey,
		TokenEndpoint: cfg.Identity.TokenEndpoint,
		Timeout:       cfg.Identity.RequestTimeout,
		Store:         store,
	}, logger)
	if err != nil {
		return err
	}

	profiles, err := buildProfileStore(cfg, logger)
	if err != nil {
		return err
	}

	// Silent reauthentication re-runs the refresh-token exchange from the
	// persisted token; providers whose grants are revoked fail here and fall
	// through to the interactive path.
	silentReauth := func(ctx context.Context, _ identity.Provider) error {
		return backend.ReauthenticateSilently(ctx)
	}

	tokens := auth.NewTokenManager(cfg.Auth.RefreshThreshold, cfg.Auth.CheckInterval, collector, logger)
	recovery := auth.NewRecoveryService(cfg.Auth.MaxRecoveryAttempts, cfg.Auth.RecoveryBaseDelay, silentReauth, collector, logger)
	profileManager := auth.NewProfileManager(profiles, cfg.ProfileStore.CacheTTL, collector, logger)
	coordinator := auth.NewCoordinator(backend, tokens, recovery, profileManager, collector, logger)

	coordinator.AddAuthListener(printEvent)
	coordinator.Initialize()
	defer coordinator.Cleanup()

	fmt.Println("Watching authentication lifecycle events. Press Ctrl+C to stop.")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logger.Info("Shutting down.")
	return nil
}

// printEvent renders one lifecycle event per line.
func printEvent(event auth.Event) {
	line := fmt.Sprintf("%s  %-22s", event.Timestamp.Format(time.RFC3339), event.Type)
	if event.User != nil {
		line += fmt.Sprintf("  uid=%s", event.User.UID)
	}
	if event.Provider != "" {
		line += fmt.Sprintf("  provider=%s", event.Provider)
	}
	if event.RequiresReauth {
		line += "  requires_reauth=true"
	}
	if event.Err != nil {
		line += fmt.Sprintf("  error=%v", event.Err)
	}
	fmt.Println(line)
}

// runCheckProfile fetches a stored profile record, prints it, and reports
// schema violations.
func runCheckProfile(configPath, uid string) error {
	logger := logging.GetLogger("check_profile")

	cfg, err := config.LoadConfig(configPath, logger)
	if err != nil {
		return err
	}

	store, err := buildProfileStore(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProfileStore.RequestTimeout)
	defer cancel()

	record, err := store.GetProfile(ctx, uid)
	if err != nil {
		return err
	}
	if record == nil {
		fmt.Printf("No profile found for uid %s.\n", uid)
		return nil
	}

	rendered, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(rendered))

	if violations := profilestore.ValidateRecord(*record); len(violations) > 0 {
		fmt.Println("\nSchema violations:")
		for _, violation := range violations {
			fmt.Printf("  - %s\n", violation)
		}
		os.Exit(1)
	}
	fmt.Println("\nProfile is valid.")
	return nil
}

// buildProfileStore returns the REST client when a base URL is configured,
// otherwise an in-memory store so the stack still runs end to end.
func buildProfileStore(cfg *config.Config, logger logging.Logger) (profilestore.Store, error) {
	if cfg.ProfileStore.BaseURL == "" {
		logger.Warn("No profile store base URL configured, using an in-memory store.")
		return profilestore.NewMemoryStore(), nil
	}
	return profilestore.NewClient(cfg.ProfileStore.BaseURL, cfg.ProfileStore.RequestTimeout, logger)
}

// runKeystoreDiagnostics exercises both refresh-token storage tiers and
// prints troubleshooting output.
func runKeystoreDiagnostics(configPath string) {
	logging.SetupDefaultLogger("debug")
	logger := logging.GetLogger("keystore_diag")

	cfg, err := config.LoadConfig(configPath, logger)
	if err != nil {
		log.Fatalf("Could not load configuration: %+v", err)
	}

	fmt.Println("\n=== Refresh Token Storage Diagnostics ===")

	secure := tokenstore.NewSecureStore(logger)
	available := secure.IsAvailable()
	fmt.Printf("OS keyring available: %t\n", available)

	if available {
		fmt.Println("\nKeyring operations test:")
		reportKeystoreRoundTrip(secure)
	}

	fmt.Printf("\nFile fallback path: %s\n", cfg.Identity.TokenPath)
	fileStore, err := tokenstore.NewFileStore(filepath.Join(filepath.Dir(cfg.Identity.TokenPath), "diagnostic_token"), logger)
	if err != nil {
		fmt.Printf("File store creation failed: %v\n", err)
		return
	}
	fmt.Println("\nFile store operations test:")
	reportKeystoreRoundTrip(fileStore)

	if !available {
		fmt.Println("\nRecommendations:")
		fmt.Println("1. On Linux, ensure a Secret Service implementation (e.g. gnome-keyring) is running.")
		fmt.Println("2. On macOS, ensure the login keychain is unlocked.")
		fmt.Println("3. Until then, refresh tokens are stored in the fallback file with 0600 permissions.")
	}
}

func reportKeystoreRoundTrip(store tokenstore.Store) {
	probe := fmt.Sprintf("diagnostic-%d", time.Now().UnixNano())

	err := store.Save(probe, "diagnostic-uid", string(identity.ProviderGoogle))
	fmt.Printf("%-18s: %t\n", "Save Operation", err == nil)
	if err != nil {
		fmt.Printf("%-18s: %v\n", "Save Error", err)
		return
	}

	loaded, err := store.Load()
	fmt.Printf("%-18s: %t\n", "Load Operation", err == nil)
	if err != nil {
		fmt.Printf("%-18s: %v\n", "Load Error", err)
	} else {
		fmt.Printf("%-18s: %t\n", "Load Value Match", loaded == probe)
	}

	err = store.Delete()
	fmt.Printf("%-18s: %t\n", "Delete Operation", err == nil)
	if err != nil {
		fmt.Printf("%-18s: %v\n", "Delete Error", err)
	}
}
