package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/purplefish-ai/factory-factory-sub006/internal/config"
	"github.com/purplefish-ai/factory-factory-sub006/internal/daemon"
	"github.com/purplefish-ai/factory-factory-sub006/internal/model"
	"github.com/purplefish-ai/factory-factory-sub006/internal/orchestrator"
	"github.com/purplefish-ai/factory-factory-sub006/internal/store"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/google/uuid"
)

const workspaceSelectorLayerSlug = "workspace-selector"

type workspaceSelectorSettings struct {
	WorkspaceID string `glazed.parameter:"workspace"`
	ConfigPath  string `glazed.parameter:"config"`
}

func newWorkspaceSelectorLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(workspaceSelectorLayerSlug, "Workspace selector")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"workspace",
			parameters.ParameterTypeString,
			parameters.WithHelp("Workspace identifier"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"config",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to config file"),
			parameters.WithDefault(config.DefaultConfigPath),
		),
	)
	return layer, nil
}

func newWorkspaceSelectorCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	selectorLayer, err := newWorkspaceSelectorLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(selectorLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeWorkspaceSelector(parsedLayers *layers.ParsedLayers) (*workspaceSelectorSettings, error) {
	settings := &workspaceSelectorSettings{}
	if err := parsedLayers.InitializeStruct(workspaceSelectorLayerSlug, settings); err != nil {
		return nil, err
	}
	if strings.TrimSpace(settings.WorkspaceID) == "" {
		return nil, fmt.Errorf("--workspace is required")
	}
	return settings, nil
}

func openRuntime(configPath string) (*daemon.Runtime, error) {
	return daemon.NewRuntime(daemon.Options{ConfigPath: configPath})
}

func openStore(configPath string) (*store.Store, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.DBPath)
}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	ConfigPath string `glazed.parameter:"config"`
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	return &statusGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Print workspace status"),
			cmds.WithLong("List all non-archived workspaces with their lifecycle status, branch, and pull request state."),
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

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	st, err := openStore(settings.ConfigPath)
	if err != nil {
		return err
	}
	workspaces, err := st.FindAllNonArchivedWithSessionsAndProject(ctx)
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		fmt.Println("No active workspaces.")
		return nil
	}
	for _, ws := range workspaces {
		line := fmt.Sprintf("%s  %-12s  %s", ws.ID, ws.Status, ws.Name)
		if ws.BranchName != "" {
			line += "  branch=" + ws.BranchName
		}
		if ws.PRURL != "" {
			line += fmt.Sprintf("  pr=#%d (%s/%s)", ws.PRNumber, ws.PRState, ws.PRCIStatus)
		}
		if len(ws.Sessions) > 0 {
			line += fmt.Sprintf("  sessions=%d", len(ws.Sessions))
		}
		fmt.Println(line)
	}
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type createGlazedCommand struct {
	*cmds.CommandDescription
}

type createSettings struct {
	ConfigPath string `glazed.parameter:"config"`
	Name       string `glazed.parameter:"name"`
	ProjectID  string `glazed.parameter:"project"`
	IssueID    string `glazed.parameter:"issue"`
}

func newCreateGlazedCommand() (*createGlazedCommand, error) {
	return &createGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"create",
			cmds.WithShort("Create a workspace record"),
			cmds.WithLong("Create a new workspace in the NEW state. Run 'factoryd init' afterwards to provision it."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"config",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(config.DefaultConfigPath),
				),
				parameters.NewParameterDefinition(
					"name",
					parameters.ParameterTypeString,
					parameters.WithHelp("Workspace name"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"project",
					parameters.ParameterTypeString,
					parameters.WithHelp("Project identifier"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"issue",
					parameters.ParameterTypeString,
					parameters.WithHelp("Linked issue identifier"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *createGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &createSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Name) == "" {
		return fmt.Errorf("--name is required")
	}
	if strings.TrimSpace(settings.ProjectID) == "" {
		return fmt.Errorf("--project is required")
	}
	st, err := openStore(settings.ConfigPath)
	if err != nil {
		return err
	}
	workspace := &model.Workspace{
		ID:            "ws-" + uuid.NewString(),
		Name:          settings.Name,
		Status:        model.WorkspaceStatusNew,
		ProjectID:     settings.ProjectID,
		LinkedIssueID: settings.IssueID,
	}
	if err := st.CreateWorkspace(ctx, workspace); err != nil {
		return err
	}
	fmt.Printf("Created workspace %s\n", workspace.ID)
	return nil
}

var _ cmds.BareCommand = &createGlazedCommand{}

type initGlazedCommand struct {
	*cmds.CommandDescription
}

type initSettings struct {
	BranchName        string `glazed.parameter:"branch"`
	UseExistingBranch bool   `glazed.parameter:"use-existing-branch"`
	BaseBranch        string `glazed.parameter:"base-branch"`
}

func newInitGlazedCommand() (*initGlazedCommand, error) {
	desc, err := newWorkspaceSelectorCommandDescription(
		"init",
		"Initialize a workspace",
		"Provision the selected workspace: create its worktree and branch, read the workspace config, start the agent session, and run the setup or startup script.",
		parameters.NewParameterDefinition(
			"branch",
			parameters.ParameterTypeString,
			parameters.WithHelp("Branch name (auto-generated when empty)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"use-existing-branch",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Check out an existing branch instead of creating one"),
			parameters.WithDefault(false),
		),
		parameters.NewParameterDefinition(
			"base-branch",
			parameters.ParameterTypeString,
			parameters.WithHelp("Base branch for the worktree (project default when empty)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &initGlazedCommand{CommandDescription: desc}, nil
}

func (c *initGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	selector, err := initializeWorkspaceSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &initSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runtime, err := openRuntime(selector.ConfigPath)
	if err != nil {
		return err
	}
	opts := orchestrator.InitOptions{
		BranchName: settings.BranchName,
		BaseBranch: settings.BaseBranch,
	}
	if settings.UseExistingBranch {
		useExisting := true
		opts.UseExistingBranch = &useExisting
	}
	if err := runtime.Orchestrator.Initialize(ctx, selector.WorkspaceID, opts); err != nil {
		return err
	}
	fmt.Printf("Workspace %s initialized.\n", selector.WorkspaceID)
	return nil
}

var _ cmds.BareCommand = &initGlazedCommand{}

type archiveGlazedCommand struct {
	*cmds.CommandDescription
}

type archiveSettings struct {
	CommitUncommitted bool `glazed.parameter:"commit-uncommitted"`
}

func newArchiveGlazedCommand() (*archiveGlazedCommand, error) {
	desc, err := newWorkspaceSelectorCommandDescription(
		"archive",
		"Archive a workspace",
		"Stop the selected workspace's sessions, terminals, and run script, remove its worktree, and mark it archived.",
		parameters.NewParameterDefinition(
			"commit-uncommitted",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Commit uncommitted changes before removing the worktree"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &archiveGlazedCommand{CommandDescription: desc}, nil
}

func (c *archiveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	selector, err := initializeWorkspaceSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &archiveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runtime, err := openRuntime(selector.ConfigPath)
	if err != nil {
		return err
	}
	workspace, err := runtime.Orchestrator.Archive(ctx, selector.WorkspaceID, orchestrator.ArchiveOptions{
		CommitUncommitted: settings.CommitUncommitted,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Workspace %s archived (status %s).\n", workspace.ID, workspace.Status)
	return nil
}

var _ cmds.BareCommand = &archiveGlazedCommand{}

type ratchetGlazedCommand struct {
	*cmds.CommandDescription
}

type ratchetSettings struct {
	Enabled bool `glazed.parameter:"enabled"`
}

func newRatchetGlazedCommand() (*ratchetGlazedCommand, error) {
	desc, err := newWorkspaceSelectorCommandDescription(
		"ratchet",
		"Enable or disable the CI ratchet",
		"Toggle automatic CI-failure follow-up prompts for the selected workspace.",
		parameters.NewParameterDefinition(
			"enabled",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Whether the ratchet should run"),
			parameters.WithDefault(true),
		),
	)
	if err != nil {
		return nil, err
	}
	return &ratchetGlazedCommand{CommandDescription: desc}, nil
}

func (c *ratchetGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	selector, err := initializeWorkspaceSelector(parsedLayers)
	if err != nil {
		return err
	}
	settings := &ratchetSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	runtime, err := openRuntime(selector.ConfigPath)
	if err != nil {
		return err
	}
	if err := runtime.Ratchet.SetEnabled(ctx, selector.WorkspaceID, settings.Enabled); err != nil {
		return err
	}
	state := "disabled"
	if settings.Enabled {
		state = "enabled"
	}
	fmt.Printf("Ratchet %s for workspace %s.\n", state, selector.WorkspaceID)
	return nil
}

var _ cmds.BareCommand = &ratchetGlazedCommand{}
