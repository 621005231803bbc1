package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/config"
	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/identity"
	"github.com/gosuda/roomchat/kvsnap"
	"github.com/gosuda/roomchat/mqttlog"
	"github.com/gosuda/roomchat/pgsnap"
	"github.com/gosuda/roomchat/relayclient"
	"github.com/gosuda/roomchat/sqlsnap"
)

const (
	nicknameKey         = "chatNickname"
	defaultLeaveTimeout = 5 * time.Second
)

// backend bundles the store for one ROOMCHAT_BACKEND choice.
type backend struct {
	snapshots feed.SnapshotStore
	log       feed.LogStore
	// prefs remembers the nickname; nil for remote backends.
	prefs feed.KV
	// rooms lists known snapshot keys; nil when the backend cannot.
	rooms keyLister
	close func()
}

type keyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// initialRoom sanitizes the configured room. Input with no usable
// characters is rejected rather than silently replaced.
func initialRoom(raw string) (string, error) {
	room := identity.SanitizeRoom(raw)
	if room == "" && strings.TrimSpace(raw) != "" {
		return "", fmt.Errorf("room %q has no usable characters", raw)
	}
	return room, nil
}

// listRooms returns the rooms with a stored snapshot.
func listRooms(ctx context.Context, kl keyLister) ([]string, error) {
	keys, err := kl.Keys(ctx, feed.SnapshotPrefix)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(keys))
	for _, k := range keys {
		if room := strings.TrimPrefix(k, feed.SnapshotPrefix); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		kv, err := kvsnap.Open(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		return &backend{
			snapshots: feed.NewSnapshotStore(kv, cfg.Retention),
			prefs:     kv,
			rooms:     kv,
			close:     func() { _ = kv.Close() },
		}, nil

	case config.BackendSQLite:
		kv, err := sqlsnap.Open(filepath.Join(cfg.DataPath, "roomchat.db"))
		if err != nil {
			return nil, err
		}
		return &backend{
			snapshots: feed.NewSnapshotStore(kv, cfg.Retention),
			prefs:     kv,
			rooms:     kv,
			close:     func() { _ = kv.Close() },
		}, nil

	case config.BackendPostgres:
		kv, err := pgsnap.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &backend{
			snapshots: feed.NewSnapshotStore(kv, cfg.Retention),
			close:     kv.Close,
		}, nil

	case config.BackendRelay:
		c, err := relayclient.New(cfg.RelayURL)
		if err != nil {
			return nil, err
		}
		return &backend{log: c, close: func() {}}, nil

	case config.BackendMQTT:
		s := mqttlog.New(mqttlog.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.TLS,
			TopicPrefix: cfg.MQTT.Prefix,
		})
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		return &backend{log: s, close: s.Stop}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// chooseIdentity picks the nickname from the flag or environment, then the
// remembered one, then a generated one, and remembers the result.
func chooseIdentity(ctx context.Context, nick string, prefs feed.KV) (feed.Identity, error) {
	if nick == "" && prefs != nil {
		saved, ok, err := prefs.Get(ctx, nicknameKey)
		if err != nil {
			log.Warn().Err(err).Msg("[term] read saved nickname")
		} else if ok {
			nick = saved
		}
	}
	var self feed.Identity
	if nick == "" {
		self = identity.Generate()
	} else {
		id, err := identity.New(nick)
		if err != nil {
			return feed.Identity{}, fmt.Errorf("nickname %q: %w", nick, err)
		}
		self = id
	}
	if prefs != nil {
		if err := prefs.Set(ctx, nicknameKey, self.Name); err != nil {
			log.Warn().Err(err).Msg("[term] remember nickname")
		}
	}
	return self, nil
}
