package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/codefionn/netcore/internal/admin"
	"github.com/codefionn/netcore/internal/auth"
	"github.com/codefionn/netcore/internal/codec"
	"github.com/codefionn/netcore/internal/config"
	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/dispatch"
	"github.com/codefionn/netcore/internal/logger"
	"github.com/codefionn/netcore/internal/pidfile"
	"github.com/codefionn/netcore/internal/securemem"
	"github.com/codefionn/netcore/internal/server"
	"github.com/codefionn/netcore/internal/service"
	"github.com/codefionn/netcore/internal/static"
)

const shutdownGrace = consts.Timeout10Seconds

type cliOptions struct {
	configPath   string
	logLevel     string
	logPath      string
	pidfile      string
	adminAddr    string
	hashPassword bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, parseErr := parseCLIArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	if opts.hashPassword {
		return printPasswordHash(os.Stdout)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags win over the environment, which wins over the config file.
	if envLevel := strings.TrimSpace(os.Getenv("NETCORE_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("NETCORE_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logPath != "" {
		cfg.LogPath = opts.logPath
	}
	if opts.pidfile != "" {
		cfg.Pidfile = opts.pidfile
	}
	if opts.adminAddr != "" {
		cfg.Admin.Addr = opts.adminAddr
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("netcore starting")
	logger.Debug("Configuration loaded: config=%s, log_level=%s, log_path=%s", opts.configPath, cfg.LogLevel, cfg.LogPath)

	if cfg.Pidfile != "" {
		pid := pidfile.New(cfg.Pidfile)
		if err := pid.Acquire(); err != nil {
			return err
		}
		defer func() {
			if releaseErr := pid.Release(); releaseErr != nil {
				logger.Warn("Failed to remove pidfile: %v", releaseErr)
			}
		}()
	}

	defer securemem.Purge()
	return serve(cfg)
}

func serve(cfg *config.Config) error {
	reg := service.NewRegistry(cfg.ServiceName)
	if err := service.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("failed to register operations: %w", err)
	}

	details, err := dispatch.ParseLogDetails(cfg.LogDetails)
	if err != nil {
		return fmt.Errorf("invalid log_details: %w", err)
	}

	var files *static.Cache
	if cfg.StaticRoot != "" {
		files, err = static.New(cfg.StaticRoot, cfg.IndexPage, 0)
		if err != nil {
			return fmt.Errorf("failed to open static root: %w", err)
		}
		defer files.Close()
		logger.Info("Serving static files from %s", files.Root())
	}

	dopts := dispatch.Options{
		Service:        reg,
		Static:         files,
		Codecs:         codec.Default(),
		RPCPath:        cfg.RPCPath,
		Compression:    cfg.Compression,
		AllowCORS:      cfg.AllowCORS,
		KeepAlive:      cfg.KeepAlive,
		SuppressStatus: cfg.SuppressHTTPStatus,
		RequestTimeout: cfg.RequestTimeoutDuration(),
		LogDetails:     details,
		Logger:         logger.Global(),
	}
	if cfg.Auth.Required || len(cfg.Auth.Tokens) > 0 || len(cfg.Auth.Users) > 0 {
		validator := auth.NewStatic(cfg.Auth.Tokens, cfg.Auth.Users, cfg.Auth.Required)
		defer validator.Close()
		dopts.Auth = validator
	}
	d, err := dispatch.New(dopts)
	if err != nil {
		return err
	}

	sopts := server.Options{
		PoolSize:  cfg.WorkerPoolSize,
		QueueSize: cfg.QueueSize,
		Factory:   d.Factory(),
		Logger:    logger.Global().WithPrefix("server"),
	}
	if cfg.TLS.CertFile != "" {
		keys, err := server.LoadKeyBundle(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		sopts.TLS = keys
	}
	srv, err := server.New(sopts)
	if err != nil {
		return err
	}
	for _, l := range cfg.Listeners {
		ct := server.ConnectionType{Name: l.Type, Secure: l.Secure}
		if _, err := srv.AddListener(ct, l.Port, l.Threads); err != nil {
			_ = srv.Stop(context.Background())
			return err
		}
	}

	diag := admin.NewHandler(admin.Config{
		Addr:        cfg.Admin.Addr,
		CPUProfile:  cfg.Admin.CPUProfile,
		HeapProfile: cfg.Admin.HeapProfile,
	}, admin.Collector(srv, d, files), logger.Global())
	if err := diag.Start(); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("netcore serving %s on ports %v", reg.Name(), srv.Ports())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadKeyBundle(srv, cfg.TLS)
				continue
			}
			logger.Info("Received %s, shutting down", sig)
			break wait
		case <-srv.Done():
			logger.Warn("Server stopped unexpectedly")
			break wait
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	stopErr := srv.Stop(stopCtx)
	if err := diag.Stop(stopCtx); err != nil {
		logger.Warn("Failed to stop admin endpoint: %v", err)
	}
	logger.Info("netcore stopped after %d requests", d.Requests())
	return stopErr
}

// reloadKeyBundle swaps in renewed certificates; connections already
// established keep their session
func reloadKeyBundle(srv *server.Server, tlsCfg config.TLSConfig) {
	if tlsCfg.CertFile == "" {
		return
	}
	keys, err := server.LoadKeyBundle(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		logger.Error("Failed to reload key bundle, keeping the previous one: %v", err)
		return
	}
	srv.SetKeyBundle(keys)
	logger.Info("Reloaded key bundle from %s", tlsCfg.CertFile)
}

func parseCLIArgs(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("netcore", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &cliOptions{}
	var showHelp bool

	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON or YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.StringVar(&opts.logPath, "log-path", "", "Log file path, stderr or stdout")
	fs.StringVar(&opts.pidfile, "pidfile", "", "Write the process ID to this file and refuse to start twice")
	fs.StringVar(&opts.adminAddr, "admin-addr", "", "Serve stats and pprof profiles on this address (e.g. 127.0.0.1:6060)")
	fs.BoolVar(&opts.hashPassword, "hash-password", false, "Read a password from stdin and print its bcrypt hash for auth.users")
	fs.BoolVar(&showHelp, "help", false, "Show usage information")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if showHelp {
		fs.Usage()
		return nil, flag.ErrHelp
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func printPasswordHash(w io.Writer) error {
	password, err := promptForPassword("Password: ")
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())

	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
