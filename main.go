// clawdesk - conversation sync and delivery engine for the Gateway chat client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jeranaias/clawdesk/internal/config"
	"github.com/jeranaias/clawdesk/internal/conn"
	"github.com/jeranaias/clawdesk/internal/dispatch"
	"github.com/jeranaias/clawdesk/internal/gateway"
	"github.com/jeranaias/clawdesk/internal/history"
	"github.com/jeranaias/clawdesk/internal/store"
	"github.com/jeranaias/clawdesk/internal/stream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clawdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetPrefix("clawdesk ")

	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := config.ValidateGatewayURL(settings.GatewayURL); err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	archive, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer archive.Close()

	st := store.New(archive)
	if convs, err := archive.LoadAll(); err != nil {
		log.Printf("failed to restore history: %v", err)
	} else if len(convs) > 0 {
		st.LoadConversations(convs)
	} else {
		st.CreateConversation()
	}

	client := gateway.NewClient(gateway.ClientIdentity{
		ID:      "clawdesk",
		Version: Version,
		Mode:    "ui",
	})
	defer client.Close()

	assembler := stream.New(st)
	controller := dispatch.New(st, client)
	controller.SetOnStop(assembler.DiscardTail)
	supervisor := conn.New(st, client, assembler)
	supervisor.Configure(settings.GatewayURL, settings.GatewayToken)

	defaults := dispatch.SendOptions{
		Model:    settings.DefaultModel,
		Thinking: settings.DefaultThinking,
	}
	supervisor.SetOnReconnected(func(ctx context.Context) {
		controller.FlushQueued(ctx, defaults)
	})
	supervisor.SetPersistURL(func(url string) {
		settings.GatewayURL = url
		if err := config.Save(settings); err != nil {
			log.Printf("failed to persist upgraded URL: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go supervisor.Run(ctx)
	go supervisor.Connect(ctx)

	// Reload settings edited out-of-band (another instance, a text editor)
	// and reconnect when the endpoint changed.
	settingsPath, err := config.Path()
	if err == nil {
		go func() {
			err := config.Watch(ctx, settingsPath, func(next config.Settings) {
				if next.GatewayURL == settings.GatewayURL && next.GatewayToken == settings.GatewayToken {
					return
				}
				log.Printf("settings changed, reconnecting")
				settings = next
				supervisor.ApplySettings(ctx, next.GatewayURL, next.GatewayToken)
			})
			if err != nil {
				log.Printf("settings watcher stopped: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	supervisor.Disconnect()
	return nil
}
