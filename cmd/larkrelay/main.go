package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/larkrelay/pkg/bus"
	"github.com/dotsetgreg/larkrelay/pkg/config"
	"github.com/dotsetgreg/larkrelay/pkg/health"
	"github.com/dotsetgreg/larkrelay/pkg/lark"
	"github.com/dotsetgreg/larkrelay/pkg/logger"
	"github.com/dotsetgreg/larkrelay/pkg/probe"
	"github.com/dotsetgreg/larkrelay/pkg/providers"
	"github.com/dotsetgreg/larkrelay/pkg/relay"
	"github.com/dotsetgreg/larkrelay/pkg/service"
	"github.com/dotsetgreg/larkrelay/pkg/store"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "larkrelay"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".larkrelay", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func validateRuntimeConfig(cfg *config.Config, requireLark bool) error {
	configPath := getConfigPath()
	if requireLark {
		if strings.TrimSpace(cfg.Lark.AppID) == "" {
			return fmt.Errorf("lark.app_id is required in %s or LARKRELAY_LARK_APP_ID", configPath)
		}
		if strings.TrimSpace(cfg.Lark.AppSecret) == "" {
			return fmt.Errorf("lark.app_secret is required in %s or LARKRELAY_LARK_APP_SECRET", configPath)
		}
	}
	if err := providers.ValidateModeConfig(cfg); err != nil {
		return err
	}
	return nil
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Printf("Error reading input: %v\n", readErr)
			fmt.Println("Aborted.")
			return
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StorageDir(), 0755); err != nil {
		fmt.Printf("Error creating storage directory: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your Feishu/Lark app credentials to", configPath)
	fmt.Println("     (lark.app_id, lark.app_secret, lark.verification_token)")
	fmt.Println("  2. Add your OpenAI API key to providers.openai.api_key,")
	fmt.Println("     or set completion.mode to \"proxy\" and point")
	fmt.Println("     completion.proxy_base_url at a chat service")
	fmt.Println("  3. Chat locally: larkrelay chat -m \"Hello!\"")
	fmt.Println("  4. Run the webhook gateway: larkrelay gateway")
	fmt.Println("  5. Check readiness: larkrelay status")
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.SessionDBPath())
}

func chatCmd() {
	message := ""
	sessionKey := "cli:default"

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug", "-d":
			logger.SetLevel(logger.DEBUG)
			fmt.Println("🔍 Debug mode enabled")
		case "-m", "--message":
			if i+1 < len(args) {
				message = args[i+1]
				i++
			}
		case "-s", "--session":
			if i+1 < len(args) {
				sessionKey = args[i+1]
				i++
			}
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := validateRuntimeConfig(cfg, false); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	completer, err := providers.CreateCompleter(cfg)
	if err != nil {
		fmt.Printf("Error creating completion client: %v\n", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	relayer := relay.New(bus.NewMessageBus(), st, completer, cfg.Completion.SystemPrompt)

	if message != "" {
		response, err := relayer.ProcessDirect(context.Background(), sessionKey, message)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s %s\n", appName, response)
		return
	}

	fmt.Printf("%s Interactive mode (Ctrl+C to exit, /clear to reset)\n\n", appName)
	interactiveMode(relayer, sessionKey)
}

func interactiveMode(relayer *relay.Relay, sessionKey string) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".larkrelay_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(relayer, sessionKey)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		response, err := relayer.ProcessDirect(context.Background(), sessionKey, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, response)
	}
}

func simpleInteractiveMode(relayer *relay.Relay, sessionKey string) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		response, err := relayer.ProcessDirect(context.Background(), sessionKey, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, response)
	}
}

func gatewayCmd() {
	args := os.Args[2:]
	for _, arg := range args {
		if arg == "--debug" || arg == "-d" {
			logger.SetLevel(logger.DEBUG)
			fmt.Println("🔍 Debug mode enabled")
			break
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := validateRuntimeConfig(cfg, true); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	completer, err := providers.CreateCompleter(cfg)
	if err != nil {
		fmt.Printf("Error creating completion client: %v\n", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	msgBus := bus.NewMessageBus()
	relayer := relay.New(msgBus, st, completer, cfg.Completion.SystemPrompt)

	channelManager, err := lark.NewManager(cfg, msgBus)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}

	prober, err := probe.New(cfg.Probe, completer)
	if err != nil {
		fmt.Printf("Error configuring upstream probe: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Webhook listening on http://%s:%d%s\n", cfg.Gateway.Host, cfg.Gateway.Port, lark.WebhookPath)

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.HealthPort, func(ctx context.Context) error {
		if ch, ok := channelManager.GetChannel("lark"); !ok || !ch.IsRunning() {
			return fmt.Errorf("lark channel not running")
		}
		return nil
	})
	if err := healthServer.Start(); err != nil {
		fmt.Printf("Error starting health server: %v\n", err)
		channelManager.StopAll(ctx)
		os.Exit(1)
	}
	fmt.Printf("✓ Health endpoints at http://%s:%d/health and /ready\n", cfg.Gateway.Host, cfg.Gateway.HealthPort)

	if prober != nil {
		prober.Start(ctx)
		fmt.Println("✓ Upstream probe started")
	}

	relayDone := make(chan struct{})
	go func() {
		relayer.Run(ctx)
		close(relayDone)
	}()

	fmt.Printf("✓ Gateway started (completion mode: %s)\n", providers.ActiveMode(cfg))
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	healthServer.Stop(context.Background())
	prober.Stop()
	<-relayDone
	channelManager.StopAll(context.Background())
	fmt.Println("✓ Gateway stopped")
}

func serveCmd() {
	args := os.Args[2:]
	for _, arg := range args {
		if arg == "--debug" || arg == "-d" {
			logger.SetLevel(logger.DEBUG)
			fmt.Println("🔍 Debug mode enabled")
			break
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// The service is the upstream other relays proxy to, so it always
	// talks to the model directly.
	cfg.Completion.Mode = config.CompletionModeDirect
	if err := validateRuntimeConfig(cfg, false); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	completer, err := providers.CreateCompleter(cfg)
	if err != nil {
		fmt.Printf("Error creating completion client: %v\n", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := service.NewServer(cfg.Service.Host, cfg.Service.Port, st, completer, cfg.Completion.SystemPrompt, cfg.StorageDir())
	if err := srv.Start(); err != nil {
		fmt.Printf("Error starting chat service: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Chat service listening on http://%s:%d\n", cfg.Service.Host, cfg.Service.Port)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	srv.Stop(context.Background())
	fmt.Println("✓ Chat service stopped")
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗")
	}

	storageDir := cfg.StorageDir()
	if _, err := os.Stat(storageDir); err == nil {
		fmt.Println("Storage:", storageDir, "✓")
	} else {
		fmt.Println("Storage:", storageDir, "✗")
	}
	sessionDB := cfg.SessionDBPath()
	if _, err := os.Stat(sessionDB); err == nil {
		fmt.Println("Session DB:", sessionDB, "✓")
	} else {
		fmt.Println("Session DB:", sessionDB, "not initialized")
	}

	status := func(enabled bool) string {
		if enabled {
			return "✓"
		}
		return "not set"
	}

	mode, configured, detail, err := providers.CredentialStatus(cfg)
	if err != nil {
		fmt.Println("Completion mode:", err)
	} else {
		fmt.Printf("Completion mode: %s\n", mode)
		if detail != "" {
			fmt.Printf("Credentials: %s (%s)\n", status(configured), detail)
		} else {
			fmt.Println("Credentials:", status(configured))
		}
	}

	if configured {
		if completer, cerr := providers.CreateCompleter(cfg); cerr == nil {
			if checker, ok := completer.(providers.ConnectionChecker); ok {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if cerr := checker.CheckConnection(ctx); cerr != nil {
					fmt.Println("Upstream:", cerr)
				} else {
					fmt.Println("Upstream: reachable ✓")
				}
				cancel()
			}
		}
	}

	larkReady := strings.TrimSpace(cfg.Lark.AppID) != "" && strings.TrimSpace(cfg.Lark.AppSecret) != ""
	fmt.Println("Lark app credentials:", status(larkReady))
	fmt.Println("Chat ready:", status(configured))
	fmt.Println("Gateway ready:", status(configured && larkReady))
}

func clearCmd(sessionKey string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Clear(context.Background(), sessionKey); err != nil {
		fmt.Printf("Error clearing session: %v\n", err)
		os.Exit(1)
	}

	// Proxy upstreams hold their own session state; clear there too when
	// the client is configured.
	if providers.ActiveMode(cfg) == config.CompletionModeProxy {
		if completer, err := providers.CreateCompleter(cfg); err == nil {
			if clearer, ok := completer.(providers.SessionClearer); ok {
				if err := clearer.ClearSession(context.Background(), sessionKey); err != nil {
					fmt.Printf("Warning: upstream clear failed: %v\n", err)
				}
			}
		}
	}

	fmt.Printf("Session %s cleared\n", sessionKey)
}
