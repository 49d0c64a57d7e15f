// Package doctor runs preflight checks before watchers or supervisors
// are scheduled on a host: scratch-disk contract, shared-store directory
// contract, and a write+delete probe that catches permission and mount
// problems early. Exit codes are stable so schedulers can alert on them.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/store"
)

// Exit codes consumed by the local scheduler.
const (
	CodeOK        = 0
	CodeConfig    = 2
	CodeScratch   = 3
	CodeStoreDirs = 4
	CodeWriteTest = 5
)

// RequiredScratchSubdirs is the local scratch-disk contract every
// processing host must provide.
var RequiredScratchSubdirs = []string{
	"_tmp",
	"_cache",
	"_staging",
	"_working",
	"_spool",
	"_logs",
	"_quarantine",
}

type Check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

type Summary struct {
	UTC      string  `json:"utc"`
	Hostname string  `json:"hostname"`
	OK       bool    `json:"ok"`
	Checks   []Check `json:"checks"`
	Error    string  `json:"error,omitempty"`
}

type Options struct {
	SkipWriteTest bool
}

// Run executes the checks in order and returns a summary plus the exit
// code for the first failure.
func Run(cfg model.Config, opts Options) (Summary, int) {
	host, _ := os.Hostname()
	summary := Summary{
		UTC:      time.Now().UTC().Format(time.RFC3339),
		Hostname: host,
	}

	if err := checkScratch(cfg.Scratch.Root); err != nil {
		summary.Error = err.Error()
		return summary, CodeScratch
	}
	summary.Checks = append(summary.Checks, Check{Name: "scratch_contract", OK: true})

	layout := store.NewLayout(cfg.Paths)
	if err := layout.RequireLayout(); err != nil {
		summary.Error = err.Error()
		return summary, CodeStoreDirs
	}
	summary.Checks = append(summary.Checks, Check{Name: "store_directories", OK: true})

	if !opts.SkipWriteTest {
		if err := writeTest(cfg.Paths.LogsRoot, host); err != nil {
			summary.Error = err.Error()
			return summary, CodeWriteTest
		}
		summary.Checks = append(summary.Checks, Check{Name: "store_write_test", OK: true})
	}

	summary.OK = true
	return summary, CodeOK
}

func checkScratch(root string) error {
	if root == "" {
		return fmt.Errorf("scratch.root is not configured")
	}
	if err := requireDir(root, "scratch root"); err != nil {
		return err
	}
	for _, sub := range RequiredScratchSubdirs {
		if err := requireDir(filepath.Join(root, sub), fmt.Sprintf("scratch subfolder %q", sub)); err != nil {
			return err
		}
	}
	return nil
}

func requireDir(path, label string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s does not exist: %s", label, path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %s", label, path)
	}
	return nil
}

// writeTest writes and deletes a small file on the store to validate
// permissions and share health.
func writeTest(logsRoot, host string) error {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(logsRoot, fmt.Sprintf("doctor_write_test_%s_%d_%s.txt", host, os.Getpid(), stamp))

	payload := fmt.Sprintf("stagehand doctor write test\nutc=%s\nhost=%s\npid=%d\n",
		time.Now().UTC().Format(time.RFC3339), host, os.Getpid())
	if err := os.WriteFile(path, []byte(payload), 0644); err != nil {
		return fmt.Errorf("store write test failed: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("store delete test failed: %w", err)
	}
	return nil
}
