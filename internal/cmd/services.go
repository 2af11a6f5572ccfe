package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/syncwave/syncwave/internal/auth"
	"github.com/syncwave/syncwave/internal/blob"
	"github.com/syncwave/syncwave/internal/buffersync"
	"github.com/syncwave/syncwave/internal/clocksync"
	"github.com/syncwave/syncwave/internal/gateway"
	"github.com/syncwave/syncwave/internal/httpapi"
	"github.com/syncwave/syncwave/internal/lifecycle"
	"github.com/syncwave/syncwave/internal/models"
	"github.com/syncwave/syncwave/internal/protocol"
	"github.com/syncwave/syncwave/internal/relay"
	"github.com/syncwave/syncwave/internal/store"
	"github.com/syncwave/syncwave/internal/syncbarrier"
)

// Services holds every wired component of the process.
type Services struct {
	Store     *store.Store
	Lifecycle *lifecycle.Manager
	Router    *gateway.Router
	WSHandler *gateway.Handler
	API       *httpapi.Handler
	Relay     *relay.Publisher
	Uploader  *blob.GCSUploader
	Issuer    *auth.Issuer
	Tokens    *auth.TokenStore
}

func setupServices(ctx context.Context, config *Config, pool *pgxpool.Pool, redisClient *redis.Client) (*Services, error) {
	clock := clockwork.NewRealClock()

	st := store.New(store.NewPostgresRepository(pool), clock)
	lc := lifecycle.NewManager(st, clock, config.Session.GracePeriod)
	buffers := buffersync.New()
	clocks := clocksync.NewEstimator()

	conns := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	var pub *relay.Publisher
	if config.Relay.Enabled {
		var err error
		pub, err = relay.New(getEnv("NATS_URL", config.Relay.URL))
		if err != nil {
			return nil, fmt.Errorf("failed to set up event relay: %w", err)
		}
	}

	// The barrier broadcasts through the router; the closure breaks the
	// construction cycle between the two.
	var router *gateway.Router
	barrier := syncbarrier.New(st, clock, config.Session.CountdownWindow, func(sessionID string, evt protocol.Event) {
		router.Broadcast(sessionID, evt)
	})
	router = gateway.NewRouter(conns, st, lc, barrier, buffers, clocks, pub, clock)

	secret := getEnv("AUTH_SECRET", "")
	issuer, err := auth.NewIssuer(secret, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to set up token issuer: %w", err)
	}
	tokens := auth.NewTokenStore(redisClient)

	var uploader *blob.GCSUploader
	if config.Storage.Bucket != "" {
		uploader, err = blob.NewGCSUploader(ctx, config.Storage.Bucket, config.Storage.ObjectPrefix, config.Storage.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to set up song storage: %w", err)
		}
	} else {
		log.Warn().Msg("no storage bucket configured, song uploads disabled")
	}

	var apiUploader blob.Uploader
	if uploader != nil {
		apiUploader = uploader
	}
	api := httpapi.NewHandler(st, lc, apiUploader, issuer, tokens, clock, func(sessionID string, tracks []models.Track) {
		router.Broadcast(sessionID, protocol.MustNew(sessionID, protocol.EventSongsUpdated, protocol.SongsUpdatedPayload{
			Tracks: tracks,
		}))
	})

	return &Services{
		Store:     st,
		Lifecycle: lc,
		Router:    router,
		WSHandler: gateway.NewHandler(conns),
		API:       api,
		Relay:     pub,
		Uploader:  uploader,
		Issuer:    issuer,
		Tokens:    tokens,
	}, nil
}

func (s *Services) authed(next http.Handler) http.Handler {
	return auth.Middleware(s.Issuer, s.Tokens, next)
}
