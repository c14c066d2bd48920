// Command bookferry runs the book acquisition pipeline and its admin tools.
//
// Usage:
//
//	bookferry serve   [-config bookferry.yaml]   # scheduler + admin HTTP API
//	bookferry run-once [-config bookferry.yaml]  # one cycle, report on stdout
//	bookferry dest add -name N -feed-key K -path P [-notify A]
//	bookferry dest update -id ID -name N -feed-key K -path P [-notify A]
//	bookferry dest list
//	bookferry book list [-status pending|downloaded|failed] [-limit N]
//	bookferry book reset -id ID
//
// SIGUSR1 starts a cycle on a running server unless one is in flight.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/bookferry/ferry"
)

const usage = `usage: bookferry <command> [flags]

commands:
  serve        run cycles on the schedule and serve the admin API
  run-once     run one cycle and print its report
  dest add     create a destination
  dest update  change a destination
  dest list    list destinations
  book list    list books
  book reset   re-queue a book
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := ferry.LoadDotEnv(".env", ".env.local"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("bookferry: fatal", "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return withService(ctx, "serve", rest, nil, serve)
	case "run-once":
		return withService(ctx, "run-once", rest, nil, runOnce)
	case "dest", "book":
		if len(rest) == 0 {
			return fmt.Errorf("%s: missing subcommand\n%s", cmd, usage)
		}
		return admin(ctx, cmd+" "+rest[0], rest[1:])
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

// withService parses the common -config flag plus extra, loads the
// configuration, sets up logging and opens the service for fn.
func withService(ctx context.Context, name string, args []string,
	extra func(*flag.FlagSet), fn func(context.Context, *ferry.Service, *ferry.Config, *slog.Logger) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("BOOKFERRY_CONFIG"), "path to bookferry.yaml")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := ferry.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	level, err := ferry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	svc, err := ferry.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc, cfg, logger)
}

func serve(ctx context.Context, svc *ferry.Service, cfg *ferry.Config, logger *slog.Logger) error {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	manual := make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-usr1:
				logger.Info("bookferry: SIGUSR1 received")
				select {
				case manual <- struct{}{}:
				default:
				}
			}
		}
	})
	g.Go(func() error {
		svc.Run(ctx, manual)
		return nil
	})

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("bookferry: admin api listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	err := g.Wait()
	logger.Info("bookferry: stopped")
	return err
}

func runOnce(ctx context.Context, svc *ferry.Service, _ *ferry.Config, _ *slog.Logger) error {
	ran, rep := svc.RunOnce(ctx)
	if !ran {
		return errors.New("a cycle is already running")
	}
	if err := printJSON(rep); err != nil {
		return err
	}
	if len(rep.Errors) > 0 || rep.Panic != "" {
		return fmt.Errorf("cycle finished with %d stage error(s)", len(rep.Errors))
	}
	return nil
}

func admin(ctx context.Context, cmd string, args []string) error {
	var (
		in     ferry.DestinationInput
		id     string
		status string
		limit  int
	)
	destFlags := func(fs *flag.FlagSet) {
		fs.StringVar(&in.Name, "name", "", "display name")
		fs.StringVar(&in.FeedKey, "feed-key", "", "key substituted into feed.url_template")
		fs.StringVar(&in.DeliveryPath, "path", "", "absolute directory or s3://bucket/prefix")
		fs.StringVar(&in.NotifyAddress, "notify", "", "address passed to the notifier")
	}

	var extra func(*flag.FlagSet)
	var fn func(context.Context, *ferry.Service) (any, error)
	switch cmd {
	case "dest add":
		extra = destFlags
		fn = func(ctx context.Context, s *ferry.Service) (any, error) { return s.AddDestination(ctx, in) }
	case "dest update":
		extra = func(fs *flag.FlagSet) {
			fs.StringVar(&id, "id", "", "destination id")
			destFlags(fs)
		}
		fn = func(ctx context.Context, s *ferry.Service) (any, error) { return s.UpdateDestination(ctx, id, in) }
	case "dest list":
		fn = func(ctx context.Context, s *ferry.Service) (any, error) { return s.ListDestinations(ctx) }
	case "book list":
		extra = func(fs *flag.FlagSet) {
			fs.StringVar(&status, "status", "", "pending, downloaded or failed (default all)")
			fs.IntVar(&limit, "limit", 100, "maximum rows")
		}
		fn = func(ctx context.Context, s *ferry.Service) (any, error) { return s.ListBooks(ctx, status, limit) }
	case "book reset":
		extra = func(fs *flag.FlagSet) { fs.StringVar(&id, "id", "", "book id") }
		fn = func(ctx context.Context, s *ferry.Service) (any, error) {
			if err := s.ResetBook(ctx, id); err != nil {
				return nil, err
			}
			return map[string]string{"id": id, "status": "pending"}, nil
		}
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	return withService(ctx, cmd, args, extra, func(ctx context.Context, s *ferry.Service, _ *ferry.Config, _ *slog.Logger) error {
		out, err := fn(ctx, s)
		if err != nil {
			return err
		}
		return printJSON(out)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
