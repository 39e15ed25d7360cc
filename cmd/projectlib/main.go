package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/projectlib/projectlib/internal/config"
	"github.com/projectlib/projectlib/internal/detect"
	"github.com/projectlib/projectlib/internal/models"
	"github.com/projectlib/projectlib/internal/orchestrator"
	"github.com/projectlib/projectlib/internal/storage"
	"github.com/projectlib/projectlib/internal/term"
	"github.com/projectlib/projectlib/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "projectlib",
		Short: "Project launcher and process supervisor",
		Long:  "Projectlib keeps a library of local projects and runs them in managed terminal sessions.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newAddCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newProjectsCommand())
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// appEnv bundles the wiring every command needs: config, storage, the
// terminal registry, and the orchestrator with persisted state loaded.
type appEnv struct {
	cfg      *config.Config
	store    *storage.Storage
	registry *term.Registry
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger

	logFile *os.File
}

func openEnv() (*appEnv, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// The TUI owns stdout, so logs go to a file in the data dir.
	var logWriter *os.File
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "projectlib.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		logWriter = logFile
	} else {
		logWriter = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := term.NewRegistry(logger)
	registry.SetScrollback(cfg.Settings.ScrollbackBytes)
	registry.SetShell(cfg.Settings.Shell)

	orch := orchestrator.New(store, registry, logger)

	ctx := context.Background()
	projects, err := store.ListProjects(ctx)
	if err != nil {
		store.Close()
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	if err := orch.LoadPersistedStates(ctx, projects); err != nil {
		logger.Warn("failed to load persisted run states", "error", err)
	}

	return &appEnv{
		cfg:      cfg,
		store:    store,
		registry: registry,
		orch:     orch,
		logger:   logger,
		logFile:  logFile,
	}, nil
}

func (e *appEnv) Close() {
	e.store.Close()
	if e.logFile != nil {
		e.logFile.Close()
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	app := tui.NewApp(env.orch, env.registry, env.store, env.cfg.DetectorDir, env.logger)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Add a project to the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("path does not exist: %s", path)
			}
			if !info.IsDir() {
				return fmt.Errorf("path must point to a directory: %s", path)
			}
			if name == "" {
				name = filepath.Base(path)
			}

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			lang := ""
			if suggestions, err := detect.Detect(path); err == nil && len(suggestions) > 0 {
				lang = suggestions[0].Language
			}

			now := time.Now()
			project := models.Project{
				ID:           uuid.NewString(),
				Name:         name,
				Path:         path,
				DetectedLang: lang,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := env.store.SaveProject(cmd.Context(), project); err != nil {
				return fmt.Errorf("failed to save project: %w", err)
			}

			fmt.Printf("Added project %q (%s)\n", project.Name, project.Path)
			if lang != "" {
				fmt.Printf("Detected language: %s\n", lang)
			}
			return nil
		},
	}

	cmd.Flags().StringP("name", "n", "", "Project name (default: directory name)")
	return cmd
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project>",
		Short: "Remove a project and its saved runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			project, err := resolveProject(cmd.Context(), env.store, args[0])
			if err != nil {
				return err
			}

			if err := env.store.DeleteProject(cmd.Context(), project.ID); err != nil {
				return fmt.Errorf("failed to delete project: %w", err)
			}

			fmt.Printf("Removed project %q\n", project.Name)
			return nil
		},
	}
}

func newProjectsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects with their run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			projects, err := env.store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects. Add one with `projectlib add <path>`.")
				return nil
			}

			states := env.orch.States()
			for _, p := range projects {
				status := string(models.RunStatusIdle)
				if state, ok := states[p.ID]; ok {
					status = formatStateLine(state)
				}
				lang := p.DetectedLang
				if lang == "" {
					lang = "-"
				}
				fmt.Printf("%-24s %-20s %-8s %s\n", p.Name, status, lang, p.Path)
			}
			return nil
		},
	}
}

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect [path]",
		Short: "Suggest run commands for a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			root, err := filepath.Abs(root)
			if err != nil {
				return err
			}

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			suggestions, err := detect.Detect(root)
			if err != nil {
				return err
			}
			suggestions = append(suggestions, detect.RunUserDetectors(env.cfg.DetectorDir, root, env.logger)...)

			if len(suggestions) == 0 {
				fmt.Println("Nothing detected.")
				return nil
			}

			for _, s := range suggestions {
				invocation := s.Command
				if len(s.Args) > 0 {
					invocation += " " + strings.Join(s.Args, " ")
				}
				fmt.Printf("%-10s %-40s %s\n", s.Language, invocation, s.Reason)
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project> [-- command args...]",
		Short: "Run a project and wait for it to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remember, _ := cmd.Flags().GetBool("remember")

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			project, err := resolveProject(cmd.Context(), env.store, args[0])
			if err != nil {
				return err
			}

			ov := orchestrator.StartOverrides{Remember: remember}
			if len(args) > 1 {
				ov.Command = args[1]
				ov.Args = args[2:]
			}

			stateCh, cancelState := env.orch.Subscribe()
			defer cancelState()
			sessionCh, cancelSessions := env.registry.Subscribe()
			defer cancelSessions()

			sessionID, err := env.orch.Start(cmd.Context(), project, ov)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			// Stream session output until the run reaches a terminal
			// status. The first interrupt requests a stop; a second one
			// bails out immediately.
			printed := 0
			interrupted := false
			for {
				printed = printNewOutput(env.registry, sessionID, printed)

				state, ok := env.orch.State(project.ID)
				if ok && !state.Status.Active() {
					printed = printNewOutput(env.registry, sessionID, printed)
					fmt.Printf("\nRun finished: %s", state.Status)
					if state.LastExitCode != nil {
						fmt.Printf(" (exit code %d)", *state.LastExitCode)
					}
					fmt.Println()
					if state.Status == models.RunStatusFailed {
						return fmt.Errorf("run failed")
					}
					return nil
				}

				select {
				case <-stateCh:
				case <-sessionCh:
				case <-sigCh:
					if interrupted {
						return fmt.Errorf("interrupted")
					}
					interrupted = true
					fmt.Println("\nStopping...")
					env.orch.Stop(project.ID)
				}
			}
		},
	}

	cmd.Flags().Bool("remember", false, "Save the command as the project's run configuration")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project>",
		Short: "Request termination of a project's run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			project, err := resolveProject(cmd.Context(), env.store, args[0])
			if err != nil {
				return err
			}

			env.orch.Stop(project.ID)
			fmt.Printf("Stop requested for %q\n", project.Name)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show run status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if len(args) == 0 {
				states := env.orch.States()
				projects, err := env.store.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				for _, p := range projects {
					fmt.Printf("%-24s %s\n", p.Name, formatStateLine(states[p.ID]))
				}
				return nil
			}

			project, err := resolveProject(cmd.Context(), env.store, args[0])
			if err != nil {
				return err
			}

			state, ok := env.orch.State(project.ID)
			if !ok {
				fmt.Printf("%s: no run state\n", project.Name)
				return nil
			}

			fmt.Printf("Project: %s\n", project.Name)
			fmt.Printf("Status: %s\n", state.Status)
			if state.LastCommand != "" {
				invocation := state.LastCommand
				if len(state.LastArgs) > 0 {
					invocation += " " + strings.Join(state.LastArgs, " ")
				}
				fmt.Printf("Command: %s\n", invocation)
			}
			if state.LastExitCode != nil {
				fmt.Printf("Exit code: %d\n", *state.LastExitCode)
			}
			if state.StartedAt != nil {
				fmt.Printf("Started: %s\n", state.StartedAt.Format(time.RFC3339))
			}
			if state.FinishedAt != nil {
				fmt.Printf("Finished: %s\n", state.FinishedAt.Format(time.RFC3339))
			}

			configs, err := env.store.ListRunConfigurations(cmd.Context(), project.ID)
			if err != nil {
				return err
			}
			if len(configs) > 0 {
				fmt.Println("\nSaved configurations:")
				for _, c := range configs {
					invocation := c.Command
					if len(c.Args) > 0 {
						invocation += " " + strings.Join(c.Args, " ")
					}
					exit := ""
					if c.LastExitCode != nil {
						exit = fmt.Sprintf(" (last exit %d)", *c.LastExitCode)
					}
					fmt.Printf("  %s%s\n", invocation, exit)
				}
			}
			return nil
		},
	}
}

// resolveProject matches arg against project id, name, or path.
func resolveProject(ctx context.Context, store *storage.Storage, arg string) (models.Project, error) {
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return models.Project{}, err
	}

	abs, _ := filepath.Abs(arg)
	for _, p := range projects {
		if p.ID == arg || p.Name == arg || p.Path == abs {
			return p, nil
		}
	}
	return models.Project{}, fmt.Errorf("project %q not found", arg)
}

func formatStateLine(state models.RunState) string {
	s := string(state.Status)
	if s == "" {
		s = string(models.RunStatusIdle)
	}
	if state.Status == models.RunStatusFailed && state.LastExitCode != nil {
		s += fmt.Sprintf(" (exit %d)", *state.LastExitCode)
	}
	return s
}

func printNewOutput(registry *term.Registry, sessionID string, printed int) int {
	session, ok := registry.Session(sessionID)
	if !ok {
		return printed
	}
	output := session.Output()
	if len(output) > printed {
		fmt.Print(output[printed:])
		return len(output)
	}
	return printed
}
