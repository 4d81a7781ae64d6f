package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

const usage = `usage: tryonctl [-server URL] [-token JWT] <command> [flags]

commands:
  token     mint a development token (HS256)
  upload    upload a portrait photo
  status    show photo, generated results and quota
  quota     show the generation quota
  generate  generate one try-on
  first     generate try-ons for the first N catalog products in the background
  batch     ask the server to generate a list of products
  save      save a generated result to the gallery
  forget    delete the photo and all generated results
`

type globals struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "tryonctl:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tryonctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	g := globals{}
	fs.StringVar(&g.server, "server", envOr("TRYON_URL", "http://localhost:8080"), "service base URL")
	fs.StringVar(&g.token, "token", os.Getenv("TRYON_TOKEN"), "bearer token")
	fs.DurationVar(&g.timeout, "timeout", 2*time.Minute, "overall request timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}
	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "token" {
		return runToken(cmdArgs, out)
	}
	if strings.TrimSpace(g.token) == "" {
		return fmt.Errorf("%w: -token or TRYON_TOKEN is required", errUsage)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	switch cmd {
	case "upload":
		return runUpload(ctx, g, cmdArgs, out)
	case "status":
		return runStatus(ctx, g, out)
	case "quota":
		return runQuota(ctx, g, out)
	case "generate":
		return runGenerate(ctx, g, cmdArgs, out)
	case "first":
		return runFirst(ctx, g, cmdArgs, out)
	case "batch":
		return runBatch(ctx, g, cmdArgs, out)
	case "save":
		return runSave(ctx, g, cmdArgs, out)
	case "forget":
		return runForget(ctx, g, out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
