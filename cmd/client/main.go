// Package main runs the GophSession interactive client: it restores the
// stored session, validates it against the backend and offers a shell for
// signing in and out.
package main

import (
	"cmp"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atinyakov/GophSession/internal/api"
	"github.com/atinyakov/GophSession/internal/config"
	"github.com/atinyakov/GophSession/internal/gateway"
	"github.com/atinyakov/GophSession/internal/guard"
	"github.com/atinyakov/GophSession/internal/kv"
	"github.com/atinyakov/GophSession/internal/kv/filestore"
	"github.com/atinyakov/GophSession/internal/kv/pgstore"
	"github.com/atinyakov/GophSession/internal/kv/redisstore"
	"github.com/atinyakov/GophSession/internal/logger"
	"github.com/atinyakov/GophSession/internal/nav"
	"github.com/atinyakov/GophSession/internal/oauth"
	"github.com/atinyakov/GophSession/internal/session"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// fileSalt binds derived session-file keys to this application.
var fileSalt = []byte("gophsession")

func main() {
	options := config.Parse()

	if options.ShowVersion {
		fmt.Printf("GophSession Client\nVersion: %s\nBuild Date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
		return
	}

	lg := logger.New()
	defer func() { _ = lg.Log.Sync() }()
	if err := lg.Init(options.LogLevel); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	zapLogger := lg.Log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := openBackend(ctx, options, zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot open storage", zap.String("store", options.Store), zap.Error(err))
	}
	defer closeBackend()

	store := kv.NewStore(backend, kv.WithLogger(zapLogger))
	store.Init(ctx)
	kv.StartSweeper(ctx, store, options.SweepInterval, zapLogger)

	sess := session.New(store, zapLogger)

	httpClient, err := gateway.NewHTTPClient(options.CAFile, options.RequestTimeout)
	if err != nil {
		zapLogger.Fatal("cannot build http client", zap.Error(err))
	}

	notifier := gateway.NewConsoleNotifier(os.Stdout)
	router := nav.New(guard.DefaultMainRoute)

	gw := gateway.New(httpClient, sess,
		gateway.WithNotifier(notifier),
		gateway.WithNavigator(router),
		gateway.WithLogger(zapLogger),
	)
	endpoints := api.New(gw, sess,
		api.WithBaseURL(options.APIURL),
		api.WithStore(store),
		api.WithNotifier(notifier),
		api.WithLogger(zapLogger),
	)

	g := guard.New(sess, router, guard.WithLogger(zapLogger))
	router.OnChange(func(string) { g.RouteChanged() })
	g.Start(ctx)
	defer g.Stop()

	if _, err := endpoints.Bootstrap(ctx); err != nil {
		zapLogger.Warn("startup check failed", zap.Error(err))
	}

	var flow *oauth.Flow
	if options.GoogleClientID != "" {
		flow = oauth.New(
			oauth.NewGoogleConfig(options.GoogleClientID, options.GoogleRedirectURL),
			func(ctx context.Context, code, verifier string) error {
				_, err := endpoints.GoogleAuth(ctx, code, verifier)
				return err
			},
			zapLogger,
		)
	}

	sh := &shell{
		in:           os.Stdin,
		out:          os.Stdout,
		sess:         sess,
		api:          endpoints,
		gw:           gw,
		router:       router,
		guard:        g,
		flow:         flow,
		callbackAddr: options.CallbackAddr,
	}
	sh.run(ctx)
}

// openBackend returns the durable backend selected by options and a func
// releasing its resources.
func openBackend(ctx context.Context, options *config.Options, zapLogger *zap.Logger) (kv.Backend, func(), error) {
	noop := func() {}

	switch options.Store {
	case config.StoreMemory:
		return kv.NewMemoryBackend(), noop, nil

	case config.StoreFile:
		path := options.StorePath
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, nil, fmt.Errorf("locate config dir: %w", err)
			}
			path = filepath.Join(dir, "gophsession", filestore.DefaultFile)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create session dir: %w", err)
		}

		var opts []filestore.Option
		if options.StoreSecret != "" {
			aead, err := filestore.NewAEADFromSecret([]byte(options.StoreSecret), fileSalt)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, filestore.WithAEAD(aead))
		}
		zapLogger.Debug("using session file", zap.String("path", path), zap.Bool("encrypted", len(opts) > 0))
		return filestore.New(path, append(opts, filestore.WithLogger(zapLogger))...), noop, nil

	case config.StorePostgres:
		db, err := pgstore.InitPostgres(options.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.NewPostgresStore(db, ""), func() { _ = db.Close() }, nil

	case config.StoreRedis:
		client, err := redisstore.Connect(ctx, options.RedisAddr, options.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(client, ""), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", options.Store)
}
