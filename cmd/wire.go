package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bnema/chatsync/internal/adapters/api"
	boltbuffer "github.com/bnema/chatsync/internal/adapters/buffer/bolt"
	"github.com/bnema/chatsync/internal/adapters/render/console"
	tomlrepo "github.com/bnema/chatsync/internal/adapters/repo/toml"
	"github.com/bnema/chatsync/internal/adapters/store/sqlstore"
	"github.com/bnema/chatsync/internal/adapters/transport/ws"
	"github.com/bnema/chatsync/internal/application"
	"github.com/bnema/chatsync/internal/config"
	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/logging"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type app struct {
	viper      *viper.Viper
	cfg        config.Config
	log        zerolog.Logger
	httpClient *http.Client
	now        func() time.Time
	// generator replaces the configured provider when set.
	generator ports.Generator
}

func wireApp(a *app, configPath string, logOutput io.Writer) error {
	v := viper.New()
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return fmt.Errorf("wire config: %w", err)
	}

	// the root logger lets everything through; the global level gates it
	log, err := logging.New(zerolog.TraceLevel.String(), cfg.Log.Format, logOutput)
	if err != nil {
		return fmt.Errorf("wire logger: %w", err)
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("wire logger: %w", err)
	}

	a.viper = v
	a.cfg = cfg
	a.log = log
	a.httpClient = &http.Client{Timeout: 15 * time.Second}
	a.now = time.Now
	return nil
}

func (a *app) watchLogLevel() {
	config.WatchLogLevel(a.viper, func(level string) {
		if err := logging.SetLevel(level); err != nil {
			a.log.Warn().Err(err).Str("level", level).Msg("ignoring log level change")
			return
		}
		a.log.Info().Str("level", level).Msg("log level changed")
	})
}

func (a *app) renderOptions() console.RenderOptions {
	return console.RenderOptions{Now: a.now()}
}

func (a *app) openStore(ctx context.Context) (*sqlstore.Store, error) {
	store, err := sqlstore.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN, nil)
	if err != nil {
		return nil, fmt.Errorf("wire %s store: %w", a.cfg.Store.Driver, err)
	}
	return store, nil
}

func (a *app) openBuffer() (*boltbuffer.Buffer, error) {
	buffer, err := boltbuffer.Open(a.cfg.Buffer.Path, boltbuffer.WithLogger(logging.For(a.log, "buffer")))
	if err != nil {
		return nil, fmt.Errorf("wire pending buffer: %w", err)
	}
	return buffer, nil
}

type clientSide struct {
	chats     *application.ChatClient
	api       *api.Client
	directory *tomlrepo.Directory
}

// clientSide wires the client: HTTP for chat CRUD and resources, a
// websocket per open chat and the local chat directory.
func (a *app) clientSide() (*clientSide, error) {
	httpAPI, err := api.NewClient(a.cfg.Client.ServerURL, a.httpClient)
	if err != nil {
		return nil, fmt.Errorf("wire api client: %w", err)
	}
	dialer, err := ws.NewDialer(a.cfg.Client.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("wire websocket dialer: %w", err)
	}
	directory, err := tomlrepo.NewDirectory(a.cfg.Client.ChatsPath)
	if err != nil {
		return nil, fmt.Errorf("wire chat directory: %w", err)
	}

	client, err := application.NewChatClient(application.ClientDeps{
		Chats:     httpAPI,
		Resources: httpAPI,
		Dialer:    dialer,
		Directory: directory,
	}, application.ClientOptions{
		UserID:           domain.UserID(a.cfg.Client.UserID),
		MaxConnections:   a.cfg.Client.MaxConnections,
		HistoryCacheSize: a.cfg.Client.HistoryCacheSize,
		Logger:           logging.For(a.log, "client"),
	})
	if err != nil {
		return nil, fmt.Errorf("wire chat client: %w (set client.user_id or CHATSYNC_CLIENT_USER_ID)", err)
	}

	return &clientSide{chats: client, api: httpAPI, directory: directory}, nil
}

// head names chatID from the local directory, falling back to the bare id.
func (c *clientSide) head(ctx context.Context, chatID domain.ChatID) domain.ChatHead {
	head, err := c.directory.GetByID(ctx, chatID)
	if err != nil {
		return domain.ChatHead{ChatID: chatID}
	}
	return head
}
