package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/carewire/telecall/internal/app"
	"github.com/carewire/telecall/internal/config"
)

const configFileName = "telecall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("telecall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "agent":
		runAgent(args[1:])

	case "init":
		runInit(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runAgent(args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	callID := fs.String("call", "", "Call ID to attach immediately")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: telecall agent [-call <id>] [-debug] <directory>")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fatalf("invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, configFileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	setupLogging(*debug || cfg.Status.Debug)
	zlog.Info().
		Str("version", appVersion).
		Str("dir", absDir).
		Str("user", cfg.Identity.UserID).
		Str("role", cfg.Identity.Role).
		Str("store", cfg.Store.Driver).
		Msg("telecall agent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		zlog.Info().Msg("shutting down gracefully")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		WorkDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		CallID:  *callID,
	}); err != nil {
		fatalf("agent failed: %v", err)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	user := fs.String("user", "", "User ID for this agent")
	role := fs.String("role", "", "Role: doctor or patient")
	fs.Parse(args)

	if fs.NArg() < 1 || *user == "" || *role == "" {
		fmt.Fprintln(os.Stderr, "Usage: telecall init -user <id> -role <doctor|patient> <directory>")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fatalf("invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fatalf("create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configFileName)
	_, created, err := config.Ensure(cfgPath, config.Identity{UserID: *user, Role: *role})
	if err != nil {
		fatalf("write config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists at %s\n", cfgPath)
	}
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("telecall - telehealth call agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  telecall agent [-call <id>] [-debug] <directory>")
	fmt.Println("        Run the call agent from the given directory.")
	fmt.Println("        The directory must contain a telecall.json configuration file.")
	fmt.Println("        With -call, a doctor starts that call immediately and a")
	fmt.Println("        patient waits on it; otherwise calls are driven over the")
	fmt.Println("        local status bridge.")
	fmt.Println()
	fmt.Println("  telecall init -user <id> -role <doctor|patient> <directory>")
	fmt.Println("        Create a default telecall.json in the directory.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version")
}
