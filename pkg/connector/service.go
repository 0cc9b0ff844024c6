// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// Service wires the configured components together: credential store, relay,
// optional outbox, session manager and HTTP API.
type Service struct {
	Config  *Config
	Store   *CredentialStore
	Relay   *Relay
	Outbox  *Outbox
	Manager *SessionManager
	API     *APIServer

	log    zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds every component from cfg. Nothing is started.
func NewService(cfg *Config, factory ClientFactory, log zerolog.Logger) (*Service, error) {
	svc := &Service{Config: cfg, log: log}
	svc.Store = NewCredentialStore(cfg.Credentials.Directory, cfg.Credentials.Passphrase, cfg.Credentials.ScryptWorkFactor, log)

	storage, err := cfg.MediaStorage()
	if err != nil {
		return nil, err
	}
	var webhook Forwarder
	if cfg.Relay.WebhookURL != "" {
		webhook = NewWebhookForwarder(cfg.Relay.WebhookURL, seconds(cfg.Relay.WebhookTimeout))
	} else {
		log.Warn().Msg("No webhook URL configured, inbound messages will not be forwarded")
	}
	svc.Relay = NewRelay(RelayOptions{
		Allowlist:     cfg.Relay.Allowlist,
		UserServer:    cfg.Protocol.UserServer,
		MediaTimeout:  seconds(cfg.Relay.MediaTimeout),
		MirrorTimeout: seconds(cfg.Relay.WebhookTimeout),
	}, webhook, storage, log)

	if cfg.Mirror.Enabled {
		client := model.NewAPIv4Client(cfg.Mirror.ServerURL)
		client.SetToken(cfg.Mirror.Token)
		svc.Relay.AddMirror(&MattermostMirror{Client: client, ChannelID: cfg.Mirror.ChannelID})
	}

	if cfg.Relay.Outbox.Enabled && webhook != nil {
		svc.Outbox, err = OpenOutbox(
			cfg.Relay.Outbox.Path,
			webhook,
			seconds(cfg.Relay.Outbox.RetryInterval),
			cfg.Relay.Outbox.MaxAttempts,
			log,
		)
		if err != nil {
			return nil, err
		}
		svc.Relay.SetOutbox(svc.Outbox)
	}

	svc.Manager = NewSessionManager(factory, svc.Store, svc.Relay, cfg.ReconnectPolicy(), GatewayOptions{
		UserServer:      cfg.Protocol.UserServer,
		ConvertMarkdown: cfg.Outbound.ConvertMarkdown,
	}, log)
	svc.API = NewAPIServer(cfg.API.ListenAddr, cfg.API.Token, cfg.InstanceName, svc.Manager, svc.Outbox, log)
	return svc, nil
}

// MediaStorage returns the configured media backend, or nil when media
// materialization is disabled.
func (c *Config) MediaStorage() (ObjectStorage, error) {
	switch c.Media.Backend {
	case MediaBackendNone, "":
		return nil, nil
	case MediaBackendLocal:
		return &LocalStorage{Directory: c.Media.Local.Directory, PublicURL: c.Media.Local.PublicURL}, nil
	case MediaBackendMattermost:
		mm := c.Media.Mattermost
		client := model.NewAPIv4Client(mm.ServerURL)
		client.SetToken(mm.Token)
		return &MattermostStorage{Client: client, ChannelID: mm.ChannelID, PublicLinks: mm.PublicLinks}, nil
	default:
		return nil, fmt.Errorf("unknown media backend %q", c.Media.Backend)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start serves the API, starts the outbox retry loop and connects the default
// instance when auto start is enabled.
func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	if s.Outbox != nil {
		go func() {
			defer close(s.done)
			s.Outbox.Run(ctx)
		}()
	} else {
		close(s.done)
	}
	s.API.Start()
	if s.Config.AutoStart {
		if _, err := s.Manager.Connect(s.Config.InstanceName); err != nil {
			return fmt.Errorf("auto start %q: %w", s.Config.InstanceName, err)
		}
	}
	s.log.Info().
		Str("instance", s.Config.InstanceName).
		Bool("auto_start", s.Config.AutoStart).
		Bool("outbox", s.Outbox != nil).
		Msg("Relay started")
	return nil
}

// Stop shuts everything down. Sessions keep their credentials.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error
	if err := s.API.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown api: %w", err))
	}
	s.Manager.Stop()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.Outbox != nil {
		if err := s.Outbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close outbox: %w", err))
		}
	}
	return errors.Join(errs...)
}
