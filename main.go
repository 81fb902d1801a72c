// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"requery/server/comms"
	"requery/server/core"
	"requery/server/dev"
	"requery/server/metrics"
	"requery/server/search"
	"requery/server/snapshots"
	"requery/server/util/signals"
	"requery/server/web"

	"github.com/jmoiron/sqlx"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	_ "modernc.org/sqlite"
)

const (
	STATE_SUBJECT_PREFIX  = "requery.state."
	STATE_STREAM_NAME     = "requery-state"
	STATE_STREAM_MAX_AGE  = 30 * 24 * time.Hour
	CONFIG_KV_BUCKET_NAME = "requery-config"
	EVENT_SUBJECT_PREFIX  = "requery.events."

	SNAPSHOT_STREAM_NAME    = "requery-snapshots"
	SNAPSHOT_CONSUMER_NAME  = "internal_requery_snapshot_consumer"
	SNAPSHOT_SUBJECT_PREFIX = "requery.snapshots."
)

type Config struct {
	Name            string
	Address         string
	Port            int
	DBFile          string
	LoginToken      string
	JWTSecret       []byte
	JWTExp          time.Duration
	NatsHost        string
	NatsPort        int
	NatsToken       string
	NatsJSDir       string
	NatsJSKey       string
	NatsMaxStore    int64 // in bytes
	NatsDontListen  bool
	PollInterval    time.Duration
	FetchPageSize   int
	EndpointName    string
	EndpointHost    string
	EndpointPort    int
	EndpointToken   string
	EndpointOwner   string
	EndpointApp     string
	TLSDomain       string
	TLSEmail        string
	TLSCacheDir     string
	HTTPSHost       string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	SnapshotTime    string
	SnapshotRestore bool
}

func main() {
	// Subcommands run the local dashboard tooling instead of the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "dev", "pull", "deploy":
			if err := dev.RunCommand(os.Args[1:]); err != nil {
				fmt.Printf("err=%v\n", err)
				os.Exit(1)
			}
			return
		}
	}
	config := loadConfig()
	signals.HandleInterrupt(Run(config))
}

func loadConfig() Config {
	flags := ff.NewFlagSet("requery")
	help := flags.Bool('h', "help", "show help")
	name := flags.StringLong("name", "requery", "instance name shown in the system config API")
	addr := flags.StringLong("addr", "0.0.0.0", "server address")
	port := flags.Int('p', "port", 3000, "port to listen on")
	dbFile := flags.String('d', "sqlite", "", "path to sqlite file (default: use in-memory db)")
	loginToken := flags.String('t', "token", "", "token used for login (required)")
	jwtSecret := flags.StringLong("jwtsecret", "", "JWT secret to sign auth tokens (default: generated and persisted)")
	jwtExp := flags.DurationLong("jwtexp", 15*time.Minute, "JWT expiration duration")
	natsHost := flags.StringLong("nats-host", "0.0.0.0", "NATS server host")
	natsPort := flags.IntLong("nats-port", 4222, "NATS server port")
	natsToken := flags.StringLong("nats-token", "", "NATS authentication token")
	natsJSDir := flags.String('n', "nats-dir", "", "JetStream storage directory (default: in-memory)")
	natsJSKey := flags.StringLong("nats-js-key", "", "JetStream encryption key")
	natsMaxStore := flags.StringLong("nats-max-store", "0", "Maximum storage in bytes (0 for unlimited)")
	natsDontListen := flags.BoolLong("nats-dont-listen", "Disable NATS from listening on any port")
	pollInterval := flags.DurationLong("poll-interval", time.Second, "how often running search jobs are polled")
	fetchPageSize := flags.IntLong("fetch-page-size", 1000, "result rows fetched per request")
	endpointName := flags.StringLong("endpoint-name", "", "name of the default search endpoint")
	endpointHost := flags.StringLong("endpoint-host", "", "host of the default search endpoint")
	endpointPort := flags.IntLong("endpoint-port", 8089, "port of the default search endpoint")
	endpointToken := flags.StringLong("endpoint-token", "", "auth token of the default search endpoint")
	endpointOwner := flags.StringLong("endpoint-owner", "", "fallback owner for saved searches on the default endpoint")
	endpointApp := flags.StringLong("endpoint-app", "", "fallback app for saved searches on the default endpoint")
	tlsDomain := flags.StringLong("tls-domain", "", "domain name to enable automatic TLS via letsencrypt")
	tlsEmail := flags.StringLong("tls-email", "", "email address for letsencrypt")
	tlsCacheDir := flags.StringLong("tls-cache-dir", "", "directory to cache TLS certificates")
	httpsHost := flags.StringLong("https-host", "", "host to listen on for HTTPS (default: all)")
	s3Bucket := flags.StringLong("s3-bucket", "", "S3 bucket for snapshots")
	s3Region := flags.StringLong("s3-region", "", "S3 region for snapshots")
	s3Endpoint := flags.StringLong("s3-endpoint", "", "S3 endpoint for snapshots")
	s3AccessKey := flags.StringLong("s3-access-key", "", "S3 access key (default: use credential chain)")
	s3SecretKey := flags.StringLong("s3-secret-key", "", "S3 secret key (default: use credential chain)")
	snapshotTime := flags.StringLong("snapshot-time", "03:00", "time of day to take snapshots (HH:MM)")
	snapshotRestore := flags.BoolLong("snapshot-restore", "restore the newest snapshot from S3 when the sqlite file is missing")

	err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("REQUERY"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err == nil && *loginToken == "" {
		err = fmt.Errorf("--token must be set")
	}
	if err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(flags))
		fmt.Printf("err=%v\n", err)
		os.Exit(1)
	}
	if *help {
		fmt.Printf("%s\n", ffhelp.Flags(flags))
		os.Exit(0)
	}

	// Parse natsMaxStore as int64
	maxStore, err := strconv.ParseInt(*natsMaxStore, 10, 64)
	if err != nil {
		fmt.Printf("Invalid value for nats-max-store: %v\n", err)
		os.Exit(1)
	}

	config := Config{
		Name:            *name,
		Address:         *addr,
		Port:            *port,
		DBFile:          *dbFile,
		LoginToken:      *loginToken,
		JWTSecret:       []byte(*jwtSecret),
		JWTExp:          *jwtExp,
		NatsHost:        *natsHost,
		NatsPort:        *natsPort,
		NatsToken:       *natsToken,
		NatsJSDir:       *natsJSDir,
		NatsJSKey:       *natsJSKey,
		NatsMaxStore:    maxStore,
		NatsDontListen:  *natsDontListen,
		PollInterval:    *pollInterval,
		FetchPageSize:   *fetchPageSize,
		EndpointName:    *endpointName,
		EndpointHost:    *endpointHost,
		EndpointPort:    *endpointPort,
		EndpointToken:   *endpointToken,
		EndpointOwner:   *endpointOwner,
		EndpointApp:     *endpointApp,
		TLSDomain:       *tlsDomain,
		TLSEmail:        *tlsEmail,
		TLSCacheDir:     *tlsCacheDir,
		HTTPSHost:       *httpsHost,
		S3Bucket:        *s3Bucket,
		S3Region:        *s3Region,
		S3Endpoint:      *s3Endpoint,
		S3AccessKey:     *s3AccessKey,
		S3SecretKey:     *s3SecretKey,
		SnapshotTime:    *snapshotTime,
		SnapshotRestore: *snapshotRestore,
	}
	return config
}

func Run(config Config) func(context.Context) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	snapshotConfig := snapshots.Config{
		Logger:          logger.WithGroup("snapshots"),
		S3Bucket:        config.S3Bucket,
		S3Region:        config.S3Region,
		S3Endpoint:      config.S3Endpoint,
		S3AccessKey:     config.S3AccessKey,
		S3SecretKey:     config.S3SecretKey,
		EnableSnapshots: config.S3Bucket != "",
		EnableRestore:   config.SnapshotRestore,
		Stream:          SNAPSHOT_STREAM_NAME,
		ConsumerName:    SNAPSHOT_CONSUMER_NAME,
		SubjectPrefix:   SNAPSHOT_SUBJECT_PREFIX,
		ScheduledTime:   config.SnapshotTime,
	}

	// Restore before the sqlite file is opened, the state stream replays
	// anything newer than the snapshot afterwards
	if err := snapshots.RestoreLatestSnapshot(config.DBFile, snapshotConfig); err != nil {
		panic(err)
	}

	dbPath := config.DBFile
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		panic(err)
	}
	// All writes are serialized through the state consumer anyway and modernc
	// sqlite does not support concurrent writers
	db.SetMaxOpenConns(1)
	if config.DBFile != "" {
		fmt.Println("⇨ connected to sqlite", config.DBFile)
	} else {
		fmt.Println("⇨ connected to in-memory sqlite")
	}

	c, err := comms.New(comms.Config{
		Logger:     logger.WithGroup("nats"),
		Host:       config.NatsHost,
		Port:       config.NatsPort,
		Token:      config.NatsToken,
		JSDir:      config.NatsJSDir,
		JSKey:      config.NatsJSKey,
		MaxStore:   config.NatsMaxStore,
		DontListen: config.NatsDontListen,
	})
	if err != nil {
		panic(err)
	}

	persistNATS := config.NatsJSDir != ""

	app, err := core.New(
		config.Name,
		db,
		logger,
		config.LoginToken,
		config.JWTExp,
		STATE_SUBJECT_PREFIX,
		STATE_STREAM_NAME,
		STATE_STREAM_MAX_AGE,
		core.INTERNAL_STATE_CONSUMER_NAME,
		CONFIG_KV_BUCKET_NAME,
		EVENT_SUBJECT_PREFIX,
		config.PollInterval,
		config.FetchPageSize,
		persistNATS,
	)
	if err != nil {
		panic(err)
	}
	app.JWTSecret = config.JWTSecret

	if err := app.Init(c.Conn); err != nil {
		panic(err)
	}

	metrics.Init(app)

	if config.EndpointHost != "" {
		// The fixed id makes boot idempotent, the same config upserts the
		// same endpoint
		endpointCtx := core.ContextWithActor(context.Background(), &core.Actor{Type: core.ActorConfig})
		_, err := core.SaveEndpoint(app, endpointCtx, core.Endpoint{
			ID:           "config-default",
			Name:         config.EndpointName,
			Host:         config.EndpointHost,
			Port:         config.EndpointPort,
			Token:        config.EndpointToken,
			DefaultOwner: config.EndpointOwner,
			DefaultApp:   config.EndpointApp,
			IsDefault:    true,
		})
		if err != nil {
			panic(err)
		}
		fmt.Println("⇨ default search endpoint", fmt.Sprintf("%s:%d", config.EndpointHost, config.EndpointPort))
	}

	if err := search.RegisterAllEndpoints(app, context.Background()); err != nil {
		panic(err)
	}

	snapshotConfig.Sqlite = db
	snapshotConfig.Nats = c.Conn
	snapshotService, err := snapshots.Start(snapshotConfig)
	if err != nil {
		panic(err)
	}

	addr := fmt.Sprintf("%s:%d", config.Address, config.Port)
	e, httpRedirectServer := web.Start(
		addr,
		app,
		snapshotService,
		config.TLSDomain,
		config.TLSEmail,
		config.TLSCacheDir,
		config.HTTPSHost,
	)

	return func(ctx context.Context) {
		logger.Info("initiating shutdown...")
		logger.Info("stopping web server...")
		if err := e.Shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "error stopping server", slog.Any("error", err))
		}
		if httpRedirectServer != nil {
			if err := httpRedirectServer.Shutdown(ctx); err != nil {
				logger.ErrorContext(ctx, "error stopping redirect server", slog.Any("error", err))
			}
		}
		logger.Info("stopping snapshots...")
		snapshotService.Stop()
		logger.Info("stopping refresh timers and state consumer...")
		app.Close()
		logger.Info("stopping NATS...")
		c.Close()
		logger.Info("closing DB connections...")
		if err := db.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing database connection", slog.Any("error", err))
		}
	}
}
