package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChamsBouzaiene/kiwi/internal/config"
	"github.com/ChamsBouzaiene/kiwi/internal/history"
	"github.com/ChamsBouzaiene/kiwi/internal/log"
	logrusadapter "github.com/ChamsBouzaiene/kiwi/internal/log/logrus"
	"github.com/ChamsBouzaiene/kiwi/internal/prompts"
	"github.com/ChamsBouzaiene/kiwi/internal/providers"
	"github.com/ChamsBouzaiene/kiwi/internal/sandbox"
	"github.com/ChamsBouzaiene/kiwi/internal/task"
	"github.com/ChamsBouzaiene/kiwi/internal/tools"
	"github.com/ChamsBouzaiene/kiwi/internal/workspace"
)

// runtimeEnv holds everything a task run needs wired together: the model
// service, the tool registry, the workspace tracker and the history stores.
type runtimeEnv struct {
	WorkDir  string
	Logger   log.Logger
	Store    *history.Store
	Search   *history.SearchIndex
	Tracker  *workspace.Tracker
	Registry task.ToolRegistry
	Service  task.CompletionService
	Model    string
}

func (e *runtimeEnv) Close() {
	if e.Tracker != nil {
		if err := e.Tracker.Stop(); err != nil {
			e.Logger.Warningf("failed to stop workspace tracker: %v", err)
		}
	}
	if e.Search != nil {
		if err := e.Search.Close(); err != nil {
			e.Logger.Warningf("failed to close search index: %v", err)
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			e.Logger.Warningf("failed to close history store: %v", err)
		}
	}
}

func prepareRuntimeEnv(ctx context.Context, repoFlag string, debug bool) (*runtimeEnv, error) {
	workDir, err := resolveWorkDir(repoFlag)
	if err != nil {
		return nil, err
	}
	logger := logrusadapter.New(debug)
	logger.Infof("working directory: %s", workDir)

	env := &runtimeEnv{WorkDir: workDir, Logger: logger}
	if err := env.openHistory(ctx, logger); err != nil {
		return nil, err
	}

	// Per-repository settings override the user's global configuration.
	proj, err := workspace.LoadProjectConfig(workDir)
	if err != nil {
		logger.Warningf("ignoring project config: %v", err)
		proj = nil
	}
	if proj != nil {
		if proj.SandboxMode != "" {
			os.Setenv("KIWI_SANDBOX_MODE", proj.SandboxMode)
		}
		if proj.DockerImage != "" {
			os.Setenv("KIWI_DOCKER_IMAGE", proj.DockerImage)
		}
	}

	runner := sandbox.NewRunner(sandbox.ConfigFromEnv(logger), logger)

	var tracker *workspace.Tracker
	if proj == nil || !proj.TrackingOff {
		tracker, err = workspace.NewTracker(workDir, logger)
		if err == nil {
			err = tracker.Start()
		}
		if err != nil {
			logger.Warningf("workspace tracking disabled: %v", err)
			tracker = nil
		}
	}
	env.Tracker = tracker

	var marker tools.SelfWriteMarker
	if tracker != nil {
		marker = tracker
	}
	registry, err := tools.NewRegistry(tools.Options{
		WorkDir: workDir,
		Runner:  runner,
		Marker:  marker,
		Logger:  logger,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Registry = registry

	projectType := workspace.DetectProjectType(workDir)
	systemPrompt, err := prompts.AgentSystemPrompt(workDir, string(projectType))
	if err != nil {
		env.Close()
		return nil, err
	}
	if rules, err := workspace.LoadProjectRules(workDir); err != nil {
		logger.Warningf("ignoring project rules: %v", err)
	} else if rules != "" {
		systemPrompt += "\n\nRepository-specific rules:\n" + rules
	}

	service, model, err := providers.NewServiceFromEnv(providers.ServiceOptions{
		SystemPrompt: systemPrompt,
		Tools:        toolList(registry),
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Service = service
	env.Model = model
	logger.Infof("model: %s, project type: %s", model, projectType)

	return env, nil
}

// prepareHistoryEnv opens only the stores, for read-only history commands.
func prepareHistoryEnv(ctx context.Context, repoFlag string) (*runtimeEnv, error) {
	workDir, err := resolveWorkDir(repoFlag)
	if err != nil {
		return nil, err
	}
	logger := logrusadapter.New(false)
	env := &runtimeEnv{WorkDir: workDir, Logger: logger}
	if err := env.openHistory(ctx, logger); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *runtimeEnv) openHistory(ctx context.Context, logger log.Logger) error {
	manager, err := config.NewManager()
	if err != nil {
		return err
	}
	cfg, err := manager.Load()
	if err != nil {
		logger.Warningf("failed to load user config: %v", err)
		cfg = &config.Config{}
	}
	cfg.ApplyEnv()
	if err := manager.EnsureDirs(); err != nil {
		return err
	}

	store, err := history.Open(ctx, manager.HistoryDBPath())
	if err != nil {
		return err
	}
	search, err := history.OpenSearch(manager.SearchIndexPath())
	if err != nil {
		store.Close()
		return err
	}
	e.Store = store
	e.Search = search
	return nil
}

func (e *runtimeEnv) newTask() (*task.Task, error) {
	return e.newTaskWithID("")
}

func (e *runtimeEnv) newTaskWithID(id string) (*task.Task, error) {
	var tracker task.ChangeTracker
	if e.Tracker != nil {
		tracker = e.Tracker
	}
	return task.New(task.Options{
		ID:       id,
		Config:   task.Config{WorkDir: e.WorkDir},
		Service:  e.Service,
		Registry: e.Registry,
		Hooks:    task.Hooks{newConsoleHook(e.Logger)},
		Tracker:  tracker,
		Logger:   e.Logger,
	})
}

// persist records the task's final conversation and indexes it for search.
// Best effort: a persistence failure never masks the run outcome.
func (e *runtimeEnv) persist(ctx context.Context, tk *task.Task) {
	conv := tk.State().Conversation()
	if len(conv) == 0 {
		return
	}
	rec := history.Record{
		TaskID:       tk.ID(),
		Seq:          tk.Seq(),
		Title:        history.TitleFor(conv),
		WorkDir:      e.WorkDir,
		Status:       string(tk.State().Status()),
		Conversation: conv,
	}
	if err := e.Store.Save(ctx, rec); err != nil {
		e.Logger.Errorf("failed to save task history: %v", err)
		return
	}
	if err := e.Search.Index(rec); err != nil {
		e.Logger.Warningf("failed to index task for search: %v", err)
	}
}

func resolveWorkDir(repoFlag string) (string, error) {
	dir := repoFlag
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", fmt.Errorf("repository path is not a valid directory: %s", abs)
	}
	return abs, nil
}

// toolList flattens the registry into the stable order the providers
// advertise to the model.
func toolList(registry task.ToolRegistry) []task.Tool {
	names := registry.Names()
	sort.Strings(names)
	out := make([]task.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, registry[name])
	}
	return out
}
