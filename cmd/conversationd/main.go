// Command conversationd runs the conversation orchestrator service: the
// event log, turn state machine, subscription bus, and orchestrator
// (runtime/orchestrator), exposed over the wsrpc transport (runtime/
// transport/wsrpc), configured from CONVERSATIOND_* environment variables
// plus an optional YAML override file (internal/config).
//
// Graceful shutdown follows example/cmd/assistant's pattern: an error
// channel fed by both the OS signal handler and the HTTP server's
// ListenAndServe, a context canceled once either fires, and a WaitGroup the
// main goroutine blocks on before exiting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	cluelog "goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/concord-hq/concord/internal/config"
	"github.com/concord-hq/concord/internal/telemetry"
	"github.com/concord-hq/concord/runtime/attachment"
	attachmentinmem "github.com/concord-hq/concord/runtime/attachment/inmem"
	attachmentmongo "github.com/concord-hq/concord/runtime/attachment/mongo"
	attachmentmongoclient "github.com/concord-hq/concord/runtime/attachment/mongo/clients/mongo"
	"github.com/concord-hq/concord/runtime/bus"
	redisbus "github.com/concord-hq/concord/runtime/bus/redis"
	"github.com/concord-hq/concord/runtime/bus/redis/clients/pulse"
	"github.com/concord-hq/concord/runtime/log"
	loginmem "github.com/concord-hq/concord/runtime/log/inmem"
	logmongo "github.com/concord-hq/concord/runtime/log/mongo"
	logmongoclient "github.com/concord-hq/concord/runtime/log/mongo/clients/mongo"
	"github.com/concord-hq/concord/runtime/orchestrator"
	"github.com/concord-hq/concord/runtime/transport/wsrpc"
)

func main() {
	format := cluelog.FormatJSON
	if cluelog.IsTerminal() {
		format = cluelog.FormatTerminal
	}
	ctx := cluelog.Context(context.Background(), cluelog.WithFormat(format))

	if err := run(ctx); err != nil {
		cluelog.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tel := telemetry.NewClue()

	store, attachments, pingers, closeBackends, err := wireStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire storage: %w", err)
	}
	defer closeBackends()

	b, busPinger, err := wireBus(cfg, store, tel)
	if err != nil {
		return fmt.Errorf("wire bus: %w", err)
	}
	if busPinger != nil {
		pingers = append(pingers, busPinger)
	}

	svc := orchestrator.New(store, b, tel)

	wsServer := wsrpc.NewServer(svc, attachments, tel)
	mux := goahttp.NewMuxer()
	wsServer.Mount(mux)

	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startHTTPServer(ctx, "main", cfg.Addr, mux, &wg, errc)
	startHTTPServer(ctx, "health", cfg.HealthAddr, healthMux(pingers), &wg, errc)

	cluelog.Printf(ctx, "conversationd: listening on %s (health on %s)", cfg.Addr, cfg.HealthAddr)
	cluelog.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	cluelog.Printf(ctx, "exited")
	return nil
}

// wireStorage constructs the event log store and attachment store for
// cfg.LogBackend, returning the health.Pinger-capable clients so the health
// endpoint can report backend connectivity (SPEC_FULL's healthz supplement).
func wireStorage(ctx context.Context, cfg config.Config) (log.Store, attachment.Store, []pinger, func(), error) {
	switch cfg.LogBackend {
	case config.LogBackendInmem:
		return loginmem.New(), attachmentinmem.New(), nil, func() {}, nil
	case config.LogBackendMongo:
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, nil, func() {}, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }

		logClient, err := logmongoclient.New(logmongoclient.Options{Client: client, Database: cfg.MongoDatabase})
		if err != nil {
			closeFn()
			return nil, nil, nil, func() {}, fmt.Errorf("build log client: %w", err)
		}
		store, err := logmongo.NewStore(logClient)
		if err != nil {
			closeFn()
			return nil, nil, nil, func() {}, fmt.Errorf("build log store: %w", err)
		}

		attClient, err := attachmentmongoclient.New(attachmentmongoclient.Options{Client: client, Database: cfg.MongoDatabase})
		if err != nil {
			closeFn()
			return nil, nil, nil, func() {}, fmt.Errorf("build attachment client: %w", err)
		}
		attStore, err := attachmentmongo.NewStore(attClient)
		if err != nil {
			closeFn()
			return nil, nil, nil, func() {}, fmt.Errorf("build attachment store: %w", err)
		}

		if err := client.Ping(ctx, nil); err != nil {
			closeFn()
			return nil, nil, nil, func() {}, fmt.Errorf("ping mongo: %w", err)
		}
		return store, attStore, []pinger{logClient, attClient}, closeFn, nil
	default:
		return nil, nil, nil, func() {}, fmt.Errorf("unknown log backend %q", cfg.LogBackend)
	}
}

// wireBus constructs the subscription bus for cfg.BusBackend.
func wireBus(cfg config.Config, store log.Store, tel telemetry.Telemetry) (bus.Publisher, pinger, error) {
	switch cfg.BusBackend {
	case config.BusBackendInmem:
		return bus.New(store), nil, nil
	case config.BusBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pulseClient, err := pulse.New(pulse.Options{Redis: rdb})
		if err != nil {
			return nil, nil, fmt.Errorf("build pulse client: %w", err)
		}
		return redisbus.New(pulseClient, store, tel), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

// pinger is the narrow health.Pinger-shaped surface the health endpoint
// aggregates over; runtime/log/mongo and runtime/attachment/mongo's clients
// both satisfy it, avoiding a direct goa.design/clue/health import here for
// a single-method check.
type pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// healthMux builds the /healthz handler: each backend pinger is checked
// with a bounded timeout; any failure reports 503 with the failing
// component's name.
func healthMux(pingers []pinger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "%s: %v\n", p.Name(), err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func startHTTPServer(ctx context.Context, name, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			cluelog.Printf(ctx, "%s server listening on %q", name, addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			cluelog.Printf(ctx, "%s: failed to shut down: %v", name, err)
		}
	}()
}
