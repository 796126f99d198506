package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/purplefish-ai/factory-factory-sub006/internal/config"
	"github.com/purplefish-ai/factory-factory-sub006/internal/daemon"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default factoryd config file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(config.DefaultConfigPath),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := config.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	ConfigPath string `glazed.parameter:"config"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the orchestration daemon"),
			cmds.WithLong("Start the snapshot applier, reconciliation loop, and PR scheduler, and run until interrupted."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"config",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(config.DefaultConfigPath),
				),
			),
		),
	}, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runtime, err := daemon.NewRuntime(daemon.Options{ConfigPath: settings.ConfigPath})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("factoryd serving")
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}
