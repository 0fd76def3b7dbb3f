package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pliu/livechat/internal/aiclient"
	"github.com/pliu/livechat/internal/auth"
	"github.com/pliu/livechat/internal/config"
	"github.com/pliu/livechat/internal/conversation"
	"github.com/pliu/livechat/internal/logging"
	"github.com/pliu/livechat/internal/realtime"
	"github.com/pliu/livechat/internal/session"
	"github.com/pliu/livechat/internal/store/backends"
)

type options struct {
	configPath    string
	tokenURL      string
	room          string
	user          string
	backendURL    string
	model         string
	noAI          bool
	storageDriver string
	storageDSN    string
	logFile       string
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Join a livechat room from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&opts.tokenURL, "token-url", "", "token endpoint (default <backend>/token)")
	f.StringVarP(&opts.room, "room", "r", "lobby", "room to join")
	f.StringVarP(&opts.user, "user", "u", "", "your display name")
	f.StringVar(&opts.backendURL, "backend", "", "AI backend base url")
	f.StringVar(&opts.model, "model", "", "AI model to request")
	f.BoolVar(&opts.noAI, "no-ai", false, "only relay messages, never ask the AI")
	f.StringVar(&opts.storageDriver, "storage", "", "history storage: memory, file, sqlite3, postgres, redis")
	f.StringVar(&opts.storageDSN, "storage-dsn", "", "storage location for the chosen driver")
	f.StringVar(&opts.logFile, "log-file", "", "write logs here (discarded by default)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, cmd, opts)

	var logOut io.Writer = io.Discard
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		logOut = f
	}
	if err := logging.Setup(cfg.LogLevel, logOut); err != nil {
		return err
	}

	identity := strings.TrimSpace(opts.user)
	tokenURL := opts.tokenURL
	if tokenURL == "" {
		tokenURL = strings.TrimRight(cfg.Backend.URL, "/") + "/token"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	creds, err := auth.RequestToken(reqCtx, &http.Client{}, tokenURL, opts.room, identity)
	cancel()
	if err != nil {
		return errors.Wrap(err, "get room token")
	}
	serverURL := creds.URL
	if serverURL == "" {
		serverURL = cfg.LiveKit.Host
	}

	kv, err := backends.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer kv.Close()

	var replier session.Replier
	if !opts.noAI {
		replier = aiclient.New(cfg.Backend.URL,
			aiclient.WithModel(cfg.Backend.Provider, cfg.Backend.Model),
			aiclient.WithTimeout(cfg.Backend.AITimeout))
	}

	refreshToken := func(ctx context.Context) (string, error) {
		creds, err := auth.RequestToken(ctx, &http.Client{Timeout: 10 * time.Second}, tokenURL, opts.room, identity)
		if err != nil {
			return "", err
		}
		return creds.Token, nil
	}

	sess := session.New(
		realtime.NewClient(realtime.NewWebSocketTransport(), realtime.WithTokenRefresh(refreshToken)),
		conversation.NewStore(kv),
		replier,
		session.Config{
			Identity:  identity,
			URL:       serverURL,
			Token:     creds.Token,
			AITimeout: cfg.Backend.AITimeout,
		},
	)

	// history is ready before the first keystroke; only joining the room
	// happens in the background
	sess.LoadHistory(ctx)

	p := tea.NewProgram(newModel(sess, opts.room), tea.WithAltScreen(), tea.WithContext(ctx))
	uiCtx, stopUI := context.WithCancel(ctx)
	refresh := newRefresher()
	go refresh.run(uiCtx, p.Send)
	sess.OnChange(refresh.notify)

	go func() {
		if err := sess.Start(ctx); err != nil {
			log.Warn().Err(err).Str("url", serverURL).Msg("could not join room")
		}
	}()

	_, err = p.Run()
	stopUI()
	sess.OnChange(nil)
	sess.Leave()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// applyFlags lets explicit flags win over config and environment.
func applyFlags(cfg *config.Config, cmd *cobra.Command, opts options) {
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend.URL = opts.backendURL
	}
	if changed("model") {
		cfg.Backend.Model = opts.model
	}
	if changed("storage") {
		cfg.Storage.Driver = opts.storageDriver
	}
	if changed("storage-dsn") {
		cfg.Storage.DSN = opts.storageDSN
	}
	if changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	// keep history across runs unless told otherwise
	if !changed("storage") && os.Getenv("STORAGE_DRIVER") == "" && cfg.Storage.Driver == "memory" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.Storage.Driver = "file"
			cfg.Storage.DSN = filepath.Join(dir, "livechat")
		}
	}
}
