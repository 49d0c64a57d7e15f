package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/msageha/stagehand/internal/audit"
	"github.com/msageha/stagehand/internal/doctor"
	"github.com/msageha/stagehand/internal/idle"
	"github.com/msageha/stagehand/internal/launcher"
	"github.com/msageha/stagehand/internal/lock"
	"github.com/msageha/stagehand/internal/logging"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/notify"
	"github.com/msageha/stagehand/internal/proc"
	"github.com/msageha/stagehand/internal/setup"
	"github.com/msageha/stagehand/internal/status"
	"github.com/msageha/stagehand/internal/store"
	"github.com/msageha/stagehand/internal/supervisor"
	"github.com/msageha/stagehand/internal/watcher"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "watcher":
		runWatcher(os.Args[2:])
	case "launcher":
		runLauncher(os.Args[2:])
	case "supervisor":
		runSupervisor(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "request":
		runRequest(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "doctor":
		runDoctor(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "version":
		fmt.Printf("stagehand %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: stagehand <command> [options]

commands:
  watcher     run the worker loop (--bounded for one cycle, --opportunistic for fast polling)
  launcher    run bounded workers while the host is idle
  supervisor  apply one pending maintenance request, if any
  submit      enqueue a task (--kind <kind> [--payload k=v]...)
  request     enqueue a maintenance request (update|update-with-deps|restart) [--identity <id>]
  status      show fleet status [--json]
  doctor      run preflight checks [--json] [--no-write-test]
  setup       provision store, scratch and config
  version     print version

common options:
  --config <path>   config file (default: config.yaml, then config.example.yaml)`)
}

// resolveConfig loads the config from an explicit --config value or the
// conventional fallbacks in the working directory.
func resolveConfig(path string) (model.Config, string, error) {
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.example.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return model.Config{}, "", fmt.Errorf("no config file found (looked for config.yaml, config.example.yaml; use --config)")
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return model.Config{}, "", err
	}
	return cfg, path, nil
}

// stringFlag consumes "--name value" at position i, returning the value
// and the new index.
func stringFlag(args []string, i int, name string) (string, int) {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[i+1], i + 1
}

func newLoggers(cfg model.Config, component string) (*logging.Logger, *audit.Logger) {
	level := logging.ParseLevel(cfg.Logging.Level)
	lg, err := logging.NewFile(cfg.Paths.LogsRoot, component+"_"+cfg.Identity.WatcherID, level)
	if err != nil {
		// A store that cannot take logs still gets a running worker.
		fmt.Fprintf(os.Stderr, "log file unavailable (%v), logging to stderr\n", err)
		lg = logging.New(os.Stderr, component, level)
	}

	auditPath := filepath.Join(cfg.Paths.LogsRoot, "audit", cfg.Identity.WatcherID+".jsonl")
	al, err := audit.New(auditPath, 0)
	if err != nil {
		lg.Error("audit_unavailable path=%s err=%v", auditPath, err)
		al = nil
	}
	return lg, al
}

// guardPath places the host-local single-instance lock in the scratch
// _tmp area when configured, the system temp directory otherwise.
func guardPath(cfg model.Config, component string) string {
	name := fmt.Sprintf("stagehand-%s-%s.lock", component, cfg.Identity.WatcherID)
	if cfg.Scratch.Root != "" {
		return filepath.Join(cfg.Scratch.Root, "_tmp", name)
	}
	return filepath.Join(os.TempDir(), name)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runWatcher(args []string) {
	var configPath string
	bounded := false
	opportunistic := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		case "--bounded":
			bounded = true
		case "--opportunistic":
			opportunistic = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand watcher [--config <path>] [--bounded] [--opportunistic]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watcher: %v\n", err)
		os.Exit(1)
	}

	lg, al := newLoggers(cfg, "watcher")
	defer lg.Close()
	if al != nil {
		defer al.Close()
	}

	mode := model.ModeContinuous
	if bounded {
		mode = model.ModeBounded
	}
	w, err := watcher.New(watcher.Options{
		Config:        cfg,
		Mode:          mode,
		Opportunistic: opportunistic,
		Registry:      watcher.DefaultRegistry(cfg.Scratch.Root),
		Logger:        lg,
		Audit:         al,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "watcher: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := w.Run(ctx); err != nil {
		lg.Error("watcher_failed err=%v", err)
		fmt.Fprintf(os.Stderr, "watcher: %v\n", err)
		os.Exit(1)
	}
}

// execRunner starts a bounded worker by re-executing this binary, so the
// launcher supervises exactly what production runs.
type execRunner struct {
	configPath string
	logPath    string
}

func (r execRunner) Start(_ context.Context) (*proc.Handle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return proc.Start(exe, []string{"watcher", "--config", r.configPath, "--bounded"}, "", r.logPath)
}

func childLogPath(cfg model.Config) string {
	if cfg.Scratch.Root == "" {
		return ""
	}
	return filepath.Join(cfg.Scratch.Root, "_logs", "worker_"+cfg.Identity.WatcherID+".out.log")
}

func runLauncher(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand launcher [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, cfgPath, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
		os.Exit(1)
	}

	guard := lock.NewFileLock(guardPath(cfg, "launcher"))
	if err := guard.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
		os.Exit(1)
	}
	defer guard.Unlock()

	lg, al := newLoggers(cfg, "launcher")
	defer lg.Close()
	if al != nil {
		defer al.Close()
	}

	l, err := launcher.New(launcher.Options{
		Config: cfg,
		Prober: idle.SystemProber{},
		Runner: execRunner{configPath: cfgPath, logPath: childLogPath(cfg)},
		Logger: lg,
		Audit:  al,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := l.Run(ctx); err != nil {
		lg.Error("launcher_failed err=%v", err)
		fmt.Fprintf(os.Stderr, "launcher: %v\n", err)
		os.Exit(1)
	}
}

// workerStarter restarts the continuous worker detached after a
// maintenance operation.
type workerStarter struct {
	configPath string
	logPath    string
}

func (s workerStarter) StartContinuous() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	h, err := proc.Start(exe, []string{"watcher", "--config", s.configPath}, "", s.logPath)
	if err != nil {
		return 0, err
	}
	return h.PID(), nil
}

func runSupervisor(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand supervisor [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, cfgPath, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}

	guard := lock.NewFileLock(guardPath(cfg, "supervisor"))
	if err := guard.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}
	defer guard.Unlock()

	lg, al := newLoggers(cfg, "supervisor")
	defer lg.Close()
	if al != nil {
		defer al.Close()
	}

	var notifier notify.Notifier
	if cfg.Supervisor.Notify {
		notifier = notify.Send
	}
	sup, err := supervisor.New(supervisor.Options{
		Config:  cfg,
		Starter: workerStarter{configPath: cfgPath, logPath: childLogPath(cfg)},
		Notify:  notifier,
		Logger:  lg,
		Audit:   al,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		lg.Error("supervisor_failed err=%v", err)
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	var configPath, kind string
	payload := make(map[string]string)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		case "--kind":
			kind, i = stringFlag(args, i, "--kind")
		case "--payload":
			var kv string
			kv, i = stringFlag(args, i, "--payload")
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				fmt.Fprintf(os.Stderr, "--payload expects key=value, got %q\n", kv)
				os.Exit(1)
			}
			payload[k] = v
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand submit --kind <kind> [--payload k=v]... [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}
	if kind == "" {
		fmt.Fprintln(os.Stderr, "submit: --kind is required")
		os.Exit(1)
	}

	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}

	clk := clock.New()
	lg := logging.New(os.Stderr, "submit", logging.ParseLevel(cfg.Logging.Level))
	st := store.New(cfg, lg, clk)
	if err := st.Layout().RequireLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
	if len(payload) == 0 {
		payload = nil
	}
	name, err := st.EnqueueTask(model.NewTask(kind, payload, clk.Now()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued %s\n", name)
}

func runRequest(args []string) {
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, "usage: stagehand request <update|update-with-deps|restart> [--identity <id>] [--config <path>]")
		os.Exit(1)
	}
	kind := model.ControlKind(args[0])
	if err := model.ValidateControlKind(kind); err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}

	var configPath, identity string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		case "--identity":
			identity, i = stringFlag(args, i, "--identity")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand request <kind> [--identity <id>] [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	if identity == "" {
		identity = cfg.Identity.WatcherID
	}

	clk := clock.New()
	lg := logging.New(os.Stderr, "request", logging.ParseLevel(cfg.Logging.Level))
	st := store.New(cfg, lg, clk)
	if err := st.Layout().RequireLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}

	host, _ := os.Hostname()
	req := model.NewControlRequest(kind, identity, host, clk.Now())
	name, err := st.EnqueueControl(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("requested %s for %s (%s)\n", kind, identity, name)
}

func runStatus(args []string) {
	var configPath string
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand status [--json] [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}

	report, err := status.Scan(cfg, clock.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		if err := status.WriteJSON(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		return
	}
	status.WriteTable(os.Stdout, report)
}

func runDoctor(args []string) {
	var configPath string
	jsonOutput := false
	opts := doctor.Options{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath, i = stringFlag(args, i, "--config")
		case "--json":
			jsonOutput = true
		case "--no-write-test":
			opts.SkipWriteTest = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand doctor [--json] [--no-write-test] [--config <path>]\n", args[i])
			os.Exit(1)
		}
	}

	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		os.Exit(doctor.CodeConfig)
	}

	summary, code := doctor.Run(cfg, opts)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		}
	} else {
		for _, c := range summary.Checks {
			fmt.Printf("ok   %s\n", c.Name)
		}
		if summary.Error != "" {
			fmt.Printf("FAIL %s\n", summary.Error)
		} else {
			fmt.Println("all checks passed")
		}
	}
	os.Exit(code)
}

func runSetup(args []string) {
	opts := setup.Options{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-root":
			opts.StateRoot, i = stringFlag(args, i, "--state-root")
		case "--scratch-root":
			opts.ScratchRoot, i = stringFlag(args, i, "--scratch-root")
		case "--watcher-id":
			opts.WatcherID, i = stringFlag(args, i, "--watcher-id")
		case "--out":
			opts.ConfigPath, i = stringFlag(args, i, "--out")
		case "--force":
			opts.Force = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand setup --state-root <dir> --watcher-id <id> [--scratch-root <dir>] [--out <config.yaml>] [--force]\n", args[i])
			os.Exit(1)
		}
	}

	lg := logging.New(os.Stderr, "setup", logging.LevelInfo)
	if err := setup.Run(opts, lg); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("provisioned store at %s\n", opts.StateRoot)
}
