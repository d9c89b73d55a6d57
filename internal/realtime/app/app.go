// Package app wires realtimed's engines onto a Store, a Fan-out Bus and a
// Connection Registry, mirroring the way services/auth/internal/app wires
// its own Store, session and refresh-token strategies.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/wireloom/relaycore/internal/realtime/bus"
	"github.com/wireloom/relaycore/internal/realtime/messaging"
	"github.com/wireloom/relaycore/internal/realtime/presence"
	"github.com/wireloom/relaycore/internal/realtime/reactions"
	"github.com/wireloom/relaycore/internal/realtime/registry"
	"github.com/wireloom/relaycore/internal/realtime/typing"
	"github.com/wireloom/relaycore/internal/realtime/wsproto"
	"github.com/wireloom/relaycore/internal/usertoken"
	"github.com/wireloom/relaycore/pkg/storage"
	"github.com/wireloom/relaycore/pkg/store"
)

// Config holds runtime configuration for the realtime application.
type Config struct {
	DatabaseURL string
	RabbitMQURL string

	JWKSURL     string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	Store    store.Store
	Bus      *bus.Bus
	Verifier *usertoken.Verifier
}

// App owns the realtime core's engines and the process-local registry that
// binds live sockets to them.
type App struct {
	Registry   *registry.Registry
	Verifier   *usertoken.Verifier
	Bus        *bus.Bus
	Messaging  *messaging.Engine
	Presence   *presence.Tracker
	Reactions  *reactions.Store
	Typing     *typing.Relay
	Membership wsproto.MembershipChecker
}

// registryPresenceOracle adapts the Presence Tracker to messaging's
// PresenceOracle. The Tracker answers from last_seen_at alone, for local
// and remote users alike; the Registry is not consulted.
type registryPresenceOracle struct {
	presence *presence.Tracker
}

func (o registryPresenceOracle) IsUserOnline(userID string) bool { return o.presence.IsUserOnline(userID) }

// New wires the realtime core end to end: Durable Store, Fan-out Bus,
// Connection Registry, and the four engines that ride on top of them.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	reg := registry.New()

	messageBus := cfg.Bus
	if messageBus == nil {
		if strings.TrimSpace(cfg.RabbitMQURL) == "" {
			return nil, fmt.Errorf("rabbitMqUrl is required for the fan-out bus")
		}
		var err error
		messageBus, err = bus.Connect(cfg.RabbitMQURL, reg.BroadcastLocal)
		if err != nil {
			return nil, fmt.Errorf("connect fan-out bus: %w", err)
		}
	}

	verifier := cfg.Verifier
	if verifier == nil {
		if strings.TrimSpace(cfg.JWKSURL) == "" {
			return nil, fmt.Errorf("jwksUrl is required to verify user access tokens")
		}
		var err error
		verifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
	}

	presenceTracker := presence.New(dataStore, messageBus, reg)
	messagingEngine := messaging.New(dataStore, messageBus, registryPresenceOracle{presence: presenceTracker})

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objectStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		messagingEngine = messagingEngine.WithAttachmentResolver(objectStore)
	}

	return &App{
		Registry:   reg,
		Verifier:   verifier,
		Bus:        messageBus,
		Messaging:  messagingEngine,
		Presence:   presenceTracker,
		Reactions:  reactions.New(dataStore, messageBus),
		Typing:     typing.New(dataStore, messageBus),
		Membership: dataStore,
	}, nil
}

// AuthenticateConnect implements the Auth Gate (spec.md §4.2): verifies the
// bearer credential presented at connect time and returns its subject.
func (a *App) AuthenticateConnect(accessToken string) (string, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", ErrMissingCredential
	}
	userID, err := a.Verifier.VerifySubject(accessToken)
	if err != nil {
		return "", ErrInvalidCredential
	}
	return userID, nil
}

// Engines assembles the wsproto.Engines bundle for a new connection. The
// message path carries no per-user rate limit: only auth and AI endpoints
// do (spec.md §5), so Send reaches the Message State Machine unwrapped.
func (a *App) Engines() wsproto.Engines {
	return wsproto.Engines{
		Messaging:  a.Messaging,
		Presence:   a.Presence,
		Reactions:  a.Reactions,
		Typing:     a.Typing,
		Membership: a.Membership,
	}
}
