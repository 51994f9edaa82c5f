// Command davi-card-agent shares local smart card readers and phone NFC
// radios with remote clients over a websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/buildinfo"
	"github.com/nedpals/davi-card-agent/smartcard"
)

func main() {
	cfg, err := parseArgs(os.Args[1:])
	switch {
	case errors.Is(err, errVersion):
		fmt.Println(buildinfo.Summary())
		return
	case errors.Is(err, flag.ErrHelp):
		return
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s: %v\n", buildinfo.Name, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: logger: %v\n", buildinfo.Name, err)
		os.Exit(2)
	}
	defer logger.Sync()
	smartcard.SetLogger(logger.Named("smartcard"))

	logger.Info("Starting", zap.String("build", buildinfo.Summary()))

	agent, err := NewAgent(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build agent", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Systray {
		app := NewSystrayApp(agent, logger)
		go func() {
			<-sigChan
			app.Quit()
		}()
		app.Run()
		return
	}

	defer agent.Close()
	if err := agent.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start agent", zap.Error(err))
	}

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case err := <-agent.Done():
		if err != nil {
			logger.Error("Server stopped", zap.Error(err))
		}
	}
}
