// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Chatbridge-mock-backend serves the chat backend protocol from memory
// on a Unix socket, for running chatbridge end to end without a real
// backend. Accounts, contacts, and history come from a YAML seed file
// (see mockbackend.Seed) or from the --username/--password flags.
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

	"github.com/bureau-foundation/chatbridge/lib/mockbackend"
	"github.com/bureau-foundation/chatbridge/lib/process"
	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/lib/version"
	"github.com/bureau-foundation/chatbridge/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath    string
		seedPath      string
		username      string
		password      string
		challengeCode string
		pageSize      int
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("chatbridge-mock-backend", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "Unix socket to listen on (required)")
	flagSet.StringVar(&seedPath, "seed", "", "YAML seed file with accounts, contacts, and history")
	flagSet.StringVar(&username, "username", "", "add one account with this username")
	flagSet.StringVar(&password, "password", "", "password for --username")
	flagSet.StringVar(&challengeCode, "challenge-code", "", "require this challenge code for --username")
	flagSet.IntVar(&pageSize, "page-size", mockbackend.DefaultPageSize, "messages per fetch_messages page")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Banner("chatbridge-mock-backend"))
		return nil
	}
	if socketPath == "" {
		return errors.New("--socket is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	backend := mockbackend.New(mockbackend.Config{PageSize: pageSize})
	if seedPath != "" {
		seed, err := mockbackend.LoadSeed(seedPath)
		if err != nil {
			return err
		}
		if err := seed.Apply(backend); err != nil {
			return err
		}
	}
	if username != "" {
		backend.AddAccount(username, password, challengeCode, schema.Contact{
			ID:          "self-" + username,
			DisplayName: username,
			Presence:    schema.PersonaOnline,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := transport.NewServer(socketPath, logger)
	backend.Register(server)

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
		logger.Info("mock backend running", "socket", socketPath, "page_size", pageSize)
	case err := <-serveDone:
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := <-serveDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
