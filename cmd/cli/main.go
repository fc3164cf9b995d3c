package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"runbox/internal/cli/config"
	httpclient "runbox/internal/cli/http"

	"github.com/google/uuid"
)

const defaultConfigPath = "configs/cli.yaml"

// Exit codes used when the program did not exit on its own.
const (
	exitClientError = 2
	exitTimedOut    = 124
	exitKilled      = 137
)

var extensions = map[string]string{
	".py":  "python",
	".cpp": "cpp",
	".cc":  "cpp",
	".cxx": "cpp",
	".js":  "javascript",
	".mjs": "javascript",
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 30s)")
	token := flag.String("token", "", "Override access token")
	lang := flag.String("lang", "", "Language (python, cpp, javascript); inferred from -file when empty")
	file := flag.String("file", "", "Source file to run")
	stdinPath := flag.String("stdin", "", "File passed to the program as stdin")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: cli -file main.py [-lang python] [-stdin input.txt]")
		return exitClientError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return exitClientError
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *token != "" {
		cfg.Token = *token
	}

	language := *lang
	if language == "" {
		language = extensions[strings.ToLower(filepath.Ext(*file))]
		if language == "" {
			fmt.Fprintf(os.Stderr, "cannot infer language of %s, pass -lang\n", *file)
			return exitClientError
		}
	}
	source, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read source failed: %v\n", err)
		return exitClientError
	}
	var stdin []byte
	if *stdinPath != "" {
		if stdin, err = os.ReadFile(*stdinPath); err != nil {
			fmt.Fprintf(os.Stderr, "read stdin failed: %v\n", err)
			return exitClientError
		}
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string { return cfg.Token })
	jobID := uuid.NewString()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Cancel(cancelCtx, jobID)
		}
	}()

	res, err := client.Run(context.WithoutCancel(ctx), httpclient.RunRequest{
		Language: language,
		Code:     string(source),
		Stdin:    string(stdin),
		JobID:    jobID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		return exitClientError
	}

	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "[output truncated]")
	}
	switch {
	case res.ExitCode != nil:
		return *res.ExitCode
	case res.TimedOut:
		return exitTimedOut
	case res.Killed:
		return exitKilled
	default:
		return 1
	}
}
