package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/config"
	"github.com/MarcoPoloResearchLab/codestream/internal/connection"
	"github.com/MarcoPoloResearchLab/codestream/internal/database"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/identity"
	"github.com/MarcoPoloResearchLab/codestream/internal/logging"
	"github.com/MarcoPoloResearchLab/codestream/internal/metrics"
	"github.com/MarcoPoloResearchLab/codestream/internal/server"
	"github.com/MarcoPoloResearchLab/codestream/internal/session"
	"github.com/MarcoPoloResearchLab/codestream/internal/workspace"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

// client bundles everything one invocation needs to talk to a room.
type client struct {
	config   config.AppConfig
	logger   *zap.Logger
	metrics  *metrics.Recorder
	session  *session.Session
	identity *identity.Service
	db       *gorm.DB
}

func newClient() (*client, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	c := &client{config: appConfig, logger: logger, metrics: metrics.NewRecorder()}

	profile := identity.Profile{UserID: appConfig.UserID, Username: appConfig.Username}
	if appConfig.IdentityPath != "" {
		db, err := database.OpenSQLite(appConfig.IdentityPath, logger)
		if err != nil {
			return nil, err
		}
		c.db = db
		service, err := identity.NewService(identity.ServiceConfig{Database: db, Logger: logger})
		if err != nil {
			c.close()
			return nil, err
		}
		c.identity = service
		profile, err = service.Resolve(identity.Overrides{UserID: appConfig.UserID, Username: appConfig.Username})
		if err != nil {
			c.close()
			return nil, err
		}
	}

	endpoint, err := connection.NewEndpoint(appConfig.ServerURL, appConfig.RoomID, profile.UserID, profile.Username)
	if err != nil {
		c.close()
		return nil, err
	}

	c.session, err = session.New(session.Config{
		Endpoint:             endpoint,
		Dialer:               connection.NewWebSocketDialer(appConfig.HandshakeTimeout),
		ReconnectDelay:       appConfig.ReconnectDelay,
		MaxReconnectAttempts: appConfig.MaxAttempts,
		DebounceWindow:       appConfig.DebounceWindow,
		ExecutionTimeout:     appConfig.ExecutionTimeout,
		Metrics:              c.metrics,
		Logger:               logger,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// start connects and records the visit in the local history.
func (c *client) start(ctx context.Context) error {
	if err := c.session.Start(ctx); err != nil {
		return err
	}
	if c.identity != nil {
		if err := c.identity.RecordVisit(c.config.RoomID, c.config.ServerURL); err != nil {
			c.logger.Warn("failed to record room visit", zap.Error(err))
		}
	}
	endpoint := c.session.Endpoint()
	c.logger.Info("joining room",
		zap.String("room_id", endpoint.RoomID()),
		zap.String("user_id", endpoint.UserID()),
		zap.String("username", endpoint.Username()),
	)
	return nil
}

func (c *client) close() {
	if c.session != nil {
		c.session.Close()
	}
	if err := database.Close(c.db); err != nil {
		c.logger.Warn("failed to close identity database", zap.Error(err))
	}
	_ = c.logger.Sync()
}

// waitForSync blocks until the session holds a synchronized document.
func (c *client) waitForSync(ctx context.Context, stream <-chan events.Event) error {
	for !c.session.Synced() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			if event.Kind == events.KindGaveUp {
				return fmt.Errorf("connection abandoned after %d attempts", c.session.State().Attempts)
			}
		}
	}
	return nil
}

func runJoin(parent context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, cleanup := c.session.Subscribe(ctx)
	defer cleanup()

	if err := c.start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	if c.config.WorkspaceFile != "" {
		mirror, err := workspace.NewMirror(workspace.Config{Path: c.config.WorkspaceFile, Source: c.session, Logger: c.logger})
		if err != nil {
			return err
		}
		go func() {
			errCh <- mirror.Run(ctx)
		}()
	}

	var httpServer *http.Server
	if c.config.StatusAddress != "" {
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Session: c.session,
			Metrics: c.metrics,
			Logger:  c.logger,
		})
		if err != nil {
			return err
		}
		httpServer = &http.Server{Addr: c.config.StatusAddress, Handler: handler}
		go func() {
			c.logger.Info("status api starting", zap.String("address", c.config.StatusAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return shutdownServer(httpServer)
		case err := <-errCh:
			if err != nil {
				_ = shutdownServer(httpServer)
				return err
			}
		case event, ok := <-stream:
			if !ok {
				return shutdownServer(httpServer)
			}
			logEvent(c.logger, event)
			if event.Kind == events.KindGaveUp {
				_ = shutdownServer(httpServer)
				return fmt.Errorf("connection abandoned after %d attempts", c.session.State().Attempts)
			}
		}
	}
}

func shutdownServer(httpServer *http.Server) error {
	if httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func logEvent(logger *zap.Logger, event events.Event) {
	switch event.Kind {
	case events.KindConnected:
		logger.Info("connected")
	case events.KindDisconnected:
		logger.Warn("disconnected", zap.Error(event.Err))
	case events.KindDocumentReplaced:
		logger.Info("document synchronized", zap.Int64("version", event.Document.Version), zap.String("language", event.Document.Language))
	case events.KindPatchApplied:
		logger.Debug("remote edit applied", zap.String("user_id", event.UserID), zap.Int64("version", event.Document.Version))
	case events.KindResyncRequired:
		logger.Warn("document diverged, requesting resync")
	case events.KindParticipantJoined:
		logger.Info("participant joined", zap.String("username", event.Participant.Username))
	case events.KindParticipantLeft:
		logger.Info("participant left", zap.String("username", event.Participant.Username))
	case events.KindRunCompleted:
		fmt.Fprint(os.Stdout, formatRunResult(event.Run))
	case events.KindMessage:
		logger.Debug("unhandled message", zap.String("type", string(event.Message.Type())))
	}
}

func formatRunResult(result events.RunResult) string {
	switch {
	case result.Aborted || result.TimedOut:
		return fmt.Sprintf("[run %s] %s\n", result.RunID, result.Error)
	case result.Error != "":
		return fmt.Sprintf("%s[run %s failed in %s] %s\n", result.Output, result.RunID, result.Duration, result.Error)
	default:
		return fmt.Sprintf("%s[run %s finished in %s]\n", result.Output, result.RunID, result.Duration)
	}
}
