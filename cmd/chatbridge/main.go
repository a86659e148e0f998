// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/chatbridge/chatsync"
	"github.com/bureau-foundation/chatbridge/lib/accountstore"
	"github.com/bureau-foundation/chatbridge/lib/config"
	"github.com/bureau-foundation/chatbridge/lib/process"
	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/lib/sealed"
	"github.com/bureau-foundation/chatbridge/lib/secret"
	"github.com/bureau-foundation/chatbridge/lib/version"
	"github.com/bureau-foundation/chatbridge/messaging"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("chatbridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to chatbridge.yaml (default: $CHATBRIDGE_CONFIG)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Banner("chatbridge"))
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.State.Root, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	password, err := readPassword(cfg.Account.PasswordFile)
	if err != nil {
		return err
	}
	defer password.Close()
	credentials := messaging.Credentials{Username: cfg.Account.Username, Password: password}

	keyFile, err := openKeyFile(cfg.State)
	if err != nil {
		return err
	}
	if keyFile != nil {
		defer keyFile.Identity.Close()
	}

	database, err := accountstore.OpenDatabase(cfg.State.Database, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	watermarks, err := chatsync.LoadWatermarks(ctx, database.Account(cfg.Account.Username))
	if err != nil {
		return err
	}

	session, err := messaging.Dial(ctx, messaging.Config{
		SocketPath:    cfg.Backend.SocketPath,
		QueueCapacity: cfg.Backend.QueueCapacity,
		KeyFile:       keyFile,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	contacts := &chatsync.ContactBook{}
	terminal := newConsole(os.Stdout, contacts)

	engine, err := chatsync.NewEngine(chatsync.Config{
		Session:    session,
		Watermarks: watermarks,
		Echo: chatsync.NewEchoBuffer(chatsync.EchoConfig{
			Window:   cfg.Sync.EchoWindow,
			Capacity: cfg.Sync.EchoCapacity,
		}),
		Display:     terminal,
		Contacts:    contacts,
		Interval:    cfg.Sync.Interval,
		PageCap:     cfg.Sync.PageCap,
		Concurrency: cfg.Sync.Concurrency,
		Reauthenticate: func(ctx context.Context) error {
			return login(ctx, session, credentials, terminal, cfg.Account.LoginAttempts, logger)
		},
		Logger: logger,
	})
	if err != nil {
		session.Close()
		return err
	}

	runner := chatsync.Start(ctx, session, engine)
	defer runner.Close()

	inputDone := make(chan error, 1)
	go func() { inputDone <- terminal.readInput(ctx, os.Stdin, engine) }()

	logger.Info("chatbridge running",
		"username", cfg.Account.Username,
		"socket", cfg.Backend.SocketPath,
		"interval", cfg.Sync.Interval,
	)

	runDone := make(chan error, 1)
	go func() { runDone <- runner.Wait() }()
	select {
	case <-ctx.Done():
	case <-runDone:
	case err := <-inputDone:
		if err != nil {
			logger.Warn("reading input failed", "error", err)
		}
	}
	stop()

	if err := runner.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// login authenticates, prompting for a challenge code when the backend
// asks for one.
func login(ctx context.Context, session *messaging.Session, credentials messaging.Credentials, challenges messaging.ChallengeSource, attempts int, logger *slog.Logger) error {
	outcome, err := messaging.Login(ctx, session, credentials, challenges, attempts)
	if err != nil {
		return err
	}
	if outcome != schema.AuthSuccess {
		// An unresolved challenge leaves an unusable key behind; drop
		// it so the next tick tries again.
		session.ResetSessionKey()
		return fmt.Errorf("login as %s failed: %s", credentials.Username, outcome)
	}
	logger.Info("logged in", "username", credentials.Username)
	return nil
}

// newLogger picks a TextHandler for a terminal and a JSONHandler
// otherwise.
func newLogger(verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// readPassword reads the password from passwordFile, or prompts on the
// terminal with echo disabled when it is empty.
func readPassword(passwordFile string) (*secret.Buffer, error) {
	if passwordFile != "" {
		return secret.ReadFromPath(passwordFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, errors.New("no terminal available for password prompt (set account.password_file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	buffer, err := secret.NewFromBytes(passwordBytes)
	if err != nil {
		secret.Zero(passwordBytes)
		return nil, err
	}
	return buffer, nil
}

// openKeyFile returns the sealed session key file, generating the age
// identity on first use. Returns nil when persistence is disabled.
func openKeyFile(state config.StateConfig) (*sealed.KeyFile, error) {
	if state.SessionKey == "" {
		return nil, nil
	}

	identity, err := sealed.LoadIdentity(state.Identity)
	if errors.Is(err, os.ErrNotExist) {
		identity, err = sealed.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if err := sealed.WriteIdentity(state.Identity, identity); err != nil {
			identity.Close()
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return &sealed.KeyFile{Path: state.SessionKey, Identity: identity}, nil
}
