// Command kiwi runs one autonomous coding task against a repository, resumes
// an interrupted task, or searches the task history.
//
//	kiwi [flags] <task text>
//	kiwi resume [flags] <task-id>
//	kiwi history [flags] [query]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

func main() {
	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	ctx := context.Background()
	args := os.Args[1:]

	var err error
	switch {
	case len(args) > 0 && args[0] == "resume":
		err = runResume(ctx, args[1:])
	case len(args) > 0 && args[0] == "history":
		err = runHistory(ctx, args[1:])
	default:
		err = runTask(ctx, args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiwi: %v\n", err)
		os.Exit(1)
	}
}

func runTask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("kiwi", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Print("task> ")
		s := bufio.NewScanner(os.Stdin)
		if !s.Scan() {
			return fmt.Errorf("no task given")
		}
		text = strings.TrimSpace(s.Text())
		if text == "" {
			return fmt.Errorf("no task given")
		}
	}

	env, err := prepareRuntimeEnv(ctx, *repoFlag, *debug)
	if err != nil {
		return err
	}
	defer env.Close()

	tk, err := env.newTask()
	if err != nil {
		return err
	}

	stop := abortOnInterrupt(ctx, tk, env)
	defer stop()

	runErr := tk.Start(ctx, text, nil, nil)
	env.persist(ctx, tk)
	return reportOutcome(env, tk, runErr)
}

func runResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: kiwi resume <task-id>")
	}
	taskID := fs.Arg(0)

	env, err := prepareRuntimeEnv(ctx, *repoFlag, *debug)
	if err != nil {
		return err
	}
	defer env.Close()

	rec, err := env.Store.Load(ctx, taskID)
	if err != nil {
		return err
	}
	env.Logger.Infof("resuming task %s: %s", rec.TaskID, rec.Title)

	tk, err := env.newTaskWithID(rec.TaskID)
	if err != nil {
		return err
	}

	stop := abortOnInterrupt(ctx, tk, env)
	defer stop()

	runErr := tk.ResumeFromHistory(ctx, rec.Item())
	env.persist(ctx, tk)
	return reportOutcome(env, tk, runErr)
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	repoFlag := fs.String("repo", "", "Path to repository root (default: current directory)")
	allRepos := fs.Bool("all", false, "Include tasks from every repository")
	limit := fs.Int("limit", 20, "Maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareHistoryEnv(ctx, *repoFlag)
	if err != nil {
		return err
	}
	defer env.Close()

	workDir := env.WorkDir
	if *allRepos {
		workDir = ""
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query != "" {
		hits, err := env.Search.Search(query, workDir, *limit)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("no matching tasks")
			return nil
		}
		for _, h := range hits {
			fmt.Printf("%-36s  %6.2f  %s\n", h.TaskID, h.Score, h.Title)
		}
		return nil
	}

	recs, err := env.Store.List(ctx, workDir, *limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no tasks recorded")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%-36s  %-9s  %s  %s\n",
			r.TaskID, r.Status, r.UpdatedAt.Format("2006-01-02 15:04"), r.Title)
	}
	return nil
}

// abortOnInterrupt wires SIGINT/SIGTERM to cooperative task abort. The
// returned stop function releases the signal handler.
func abortOnInterrupt(ctx context.Context, tk *task.Task, env *runtimeEnv) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		env.Logger.Warningf("interrupt received, aborting task")
		tk.Abort(ctx)
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

func reportOutcome(env *runtimeEnv, tk *task.Task, err error) error {
	status := tk.State().Status()
	switch {
	case err == nil && status == task.StatusCompleted:
		env.Logger.Infof("task %s completed", tk.ID())
		return nil
	case task.IsCancelled(err):
		env.Logger.Warningf("task %s cancelled", tk.ID())
		return nil
	case err != nil:
		return fmt.Errorf("task %s %s: %w", tk.ID(), status, err)
	default:
		return fmt.Errorf("task %s ended with status %s", tk.ID(), status)
	}
}
