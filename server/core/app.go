// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	CONFIG_KEY_JWT_SECRET = "jwt-secret"
)

// App holds everything the engine needs: the SQLite handle, the NATS
// connection for state events and notifications, the refresh timers, the
// registered search adapters and the token state of the active dashboard.
type App struct {
	Name               string
	Sqlite             *sqlx.DB
	Logger             *slog.Logger
	LoginToken         string
	JWTSecret          []byte
	JWTExp             time.Duration
	NATSConn           *nats.Conn
	JetStream          jetstream.JetStream
	ConfigKV           jetstream.KeyValue
	StateConsumer      jetstream.Consumer
	StateConsumeCtx    jetstream.ConsumeContext
	StateSubjectPrefix string
	StateStreamName    string
	StateStreamMaxAge  time.Duration
	StateConsumerName  string
	ConfigKVBucketName string
	EventSubjectPrefix string
	PersistNATS        bool
	PollInterval       time.Duration
	FetchPageSize      int

	// One timer per dashboardID/queryID pair, see scheduler.go.
	RefreshTimers map[string]*time.Timer
	RefreshInfos  map[string]*RefreshInfo
	refreshMutex  sync.Mutex

	adapters     map[string]SearchAdapter
	adapterMutex sync.RWMutex

	tokens            map[string]TokenValue
	changeHandlers    map[string]*ChangeHandler
	activeDashboardID string
	tokenMutex        sync.Mutex
}

func New(
	name string,
	db *sqlx.DB,
	logger *slog.Logger,
	loginToken string,
	jwtExp time.Duration,
	stateSubjectPrefix string,
	stateStreamName string,
	stateStreamMaxAge time.Duration,
	stateConsumerName string,
	configKVBucketName string,
	eventSubjectPrefix string,
	pollInterval time.Duration,
	fetchPageSize int,
	persistNATS bool,
) (*App, error) {
	if err := initDB(db); err != nil {
		return nil, err
	}

	app := &App{
		Name:               name,
		Sqlite:             db,
		Logger:             logger,
		LoginToken:         loginToken,
		JWTExp:             jwtExp,
		StateSubjectPrefix: stateSubjectPrefix,
		StateStreamName:    stateStreamName,
		StateStreamMaxAge:  stateStreamMaxAge,
		StateConsumerName:  stateConsumerName,
		ConfigKVBucketName: configKVBucketName,
		EventSubjectPrefix: eventSubjectPrefix,
		PersistNATS:        persistNATS,
		PollInterval:       pollInterval,
		FetchPageSize:      fetchPageSize,
		RefreshTimers:      make(map[string]*time.Timer),
		RefreshInfos:       make(map[string]*RefreshInfo),
		adapters:           make(map[string]SearchAdapter),
		tokens:             make(map[string]TokenValue),
		changeHandlers:     make(map[string]*ChangeHandler),
	}
	return app, nil
}

func (app *App) Init(nc *nats.Conn) error {
	app.NATSConn = nc
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create jetstream: %w", err)
	}
	app.JetStream = js

	if err := app.setupStreamAndConsumer(); err != nil {
		return fmt.Errorf("failed to setup streams and consumers: %w", err)
	}

	// A secret from the config wins. Otherwise use the persisted one,
	// generating it on first boot.
	if len(app.JWTSecret) == 0 {
		if err := LoadJWTSecret(app); err != nil {
			return fmt.Errorf("failed to load JWT secret: %w", err)
		}
	}

	if err := ScheduleAllRefreshes(app, context.Background()); err != nil {
		return fmt.Errorf("failed to schedule refreshes: %w", err)
	}

	return nil
}

func (app *App) setupStreamAndConsumer() error {
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	storage := jetstream.FileStorage
	if !app.PersistNATS {
		storage = jetstream.MemoryStorage
	}

	// All writes go through the state stream. Think event sourcing. This
	// serializes SQLite access through one consumer and doubles as a change
	// log that can be replayed onto a restored snapshot.
	stream, err := app.JetStream.CreateOrUpdateStream(initCtx, jetstream.StreamConfig{
		Name:     app.StateStreamName,
		Subjects: []string{app.StateSubjectPrefix + ">"},
		Storage:  storage,
		MaxAge:   app.StateStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create or update state stream: %w", err)
	}

	// The durable consumer remembers its position in JetStream. When it is
	// gone but SQLite still knows the last applied sequence (a restored
	// snapshot with a fresh JetStream dir), start replay right after it.
	// Handlers are idempotent, so overlapping replay is safe either way.
	startSeq, err := getConsumerStartSeq(initCtx, app, app.StateConsumerName)
	if err != nil {
		return fmt.Errorf("failed to read consumer start sequence: %w", err)
	}
	stateConsumer, err := stream.Consumer(initCtx, app.StateConsumerName)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		cfg := jetstream.ConsumerConfig{
			Durable:       app.StateConsumerName,
			MaxAckPending: 1,
		}
		if startSeq > 1 {
			cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			cfg.OptStartSeq = startSeq
		}
		stateConsumer, err = stream.CreateConsumer(initCtx, cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to create or update state consumer: %w", err)
	}
	app.StateConsumer = stateConsumer

	// For now only the JWT secret lives in NATS KV. It fits the persistence
	// model nicely since it's fine if it resets.
	configKV, err := app.JetStream.CreateOrUpdateKeyValue(initCtx, jetstream.KeyValueConfig{
		Bucket: app.ConfigKVBucketName,
	})
	if err != nil {
		return fmt.Errorf("failed to create or update config KV: %w", err)
	}
	app.ConfigKV = configKV

	stateConsumeCtx, err := stateConsumer.Consume(app.HandleState)
	if err != nil {
		return fmt.Errorf("failed to consume state: %w", err)
	}
	app.StateConsumeCtx = stateConsumeCtx

	return nil
}

func (app *App) Close() {
	UnscheduleAllRefreshes(app)
	if app.StateConsumeCtx != nil {
		app.StateConsumeCtx.Drain()
		<-app.StateConsumeCtx.Closed()
	}
}
