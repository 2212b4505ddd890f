// Package app wires the agent together: signaling store, call manager,
// status bridge and config hot-reload.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/carewire/telecall/internal/call"
	"github.com/carewire/telecall/internal/config"
	"github.com/carewire/telecall/internal/identity"
	"github.com/carewire/telecall/internal/media"
	"github.com/carewire/telecall/internal/signal"
	"github.com/carewire/telecall/internal/signal/memory"
	signalmongo "github.com/carewire/telecall/internal/signal/mongo"
	"github.com/carewire/telecall/internal/signal/sqlite"
	"github.com/carewire/telecall/internal/statusws"
	"github.com/carewire/telecall/internal/util"
)

type Options struct {
	// WorkDir anchors relative paths from the config file.
	WorkDir string
	CfgPath string
	Cfg     config.Config

	// CallID, when set, attaches to that call immediately: a doctor
	// starts it, a patient watches it and joins via the bridge.
	CallID string
}

// Run runs the agent until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	store, cleanup, err := openStore(ctx, opt.WorkDir, cfg.Store)
	if err != nil {
		return fmt.Errorf("open signaling store: %w", err)
	}
	defer cleanup()

	ids := identity.Static{Identity: identity.Identity{
		ID:   cfg.Identity.UserID,
		Role: identity.Role(cfg.Identity.Role),
	}}

	watcher, err := config.Watch(opt.CfgPath, cfg, func(next config.Config) {
		log.Info().Msg("applying reloaded config to future call attempts")
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	mgr := call.NewManager(store, ids, nil, func() call.Config {
		return callConfig(watcher.Current())
	})
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Close(shutCtx)
	}()

	errCh := make(chan error, 1)
	if addr := cfg.Status.HTTPAddr; addr != "" {
		srv := statusws.New(addr, mgr)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	if opt.CallID != "" {
		if err := attachInitialCall(ctx, mgr, ids, opt.CallID); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// attachInitialCall starts or watches the call named on the command line
// and logs its lifecycle.
func attachInitialCall(ctx context.Context, mgr *call.Manager, ids identity.Provider, callID string) error {
	id, ok := ids.Current()
	if !ok {
		return call.ErrNoIdentity
	}

	var (
		h   *call.Handle
		err error
	)
	if id.Role == identity.RoleDoctor {
		h, err = mgr.StartCall(ctx, callID)
	} else {
		h, err = mgr.Watch(ctx, callID)
	}
	if err != nil {
		return fmt.Errorf("attach call %s: %w", callID, err)
	}

	h.SubscribeStatus(func(st call.Status) {
		log.Info().
			Str("call", st.CallID).
			Stringer("state", st.State).
			Bool("active", st.Active).
			Bool("remote_present", st.RemotePresent).
			Msg("call status")
	})
	return nil
}

func openStore(ctx context.Context, workDir string, sc config.Store) (signal.Store, func(), error) {
	switch sc.Driver {
	case "memory":
		s := memory.New()
		return s, func() { s.Close() }, nil
	case "sqlite":
		s, err := sqlite.Open(util.ResolvePath(workDir, sc.DataDir))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongodrv.Connect(connectCtx, options.Client().ApplyURI(sc.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		s, err := signalmongo.New(client.Database(sc.MongoDatabase))
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		cleanup := func() {
			s.Close()
			client.Disconnect(context.Background())
		}
		return s, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// callConfig converts the file config into the coordinator policy.
func callConfig(cfg config.Config) call.Config {
	mc := media.DefaultConfig()
	mc.ICEServers = mc.ICEServers[:0]
	for _, s := range cfg.ICE.Servers {
		mc.ICEServers = append(mc.ICEServers, media.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	mc.MaxWidth = cfg.Media.MaxWidth
	mc.MaxHeight = cfg.Media.MaxHeight
	mc.VideoBitRate = cfg.Media.VideoBitRate
	mc.DisableVideo = cfg.Media.DisableVideo
	mc.AllowRecvOnly = cfg.Media.AllowRecvOnly
	mc.DisconnectedTimeout = time.Duration(cfg.Media.DisconnectedTimeoutSec) * time.Second
	mc.FailedTimeout = time.Duration(cfg.Media.FailedTimeoutSec) * time.Second
	mc.KeepAliveInterval = time.Duration(cfg.Media.KeepAliveIntervalSec) * time.Second

	return call.Config{
		ConnectTimeout:   time.Duration(cfg.Call.ConnectTimeoutSec) * time.Second,
		ReconnectTimeout: time.Duration(cfg.Call.ReconnectTimeoutSec) * time.Second,
		Media:            mc,
	}
}
