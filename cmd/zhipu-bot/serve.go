package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/zhipu-toolkit/internal/config"
	"github.com/zhouzirui/zhipu-toolkit/internal/handler"
	"github.com/zhouzirui/zhipu-toolkit/internal/handler/bot"
	"github.com/zhouzirui/zhipu-toolkit/internal/handler/matrix"
	"github.com/zhouzirui/zhipu-toolkit/internal/handler/onebot"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ambient"
	chatservice "github.com/zhouzirui/zhipu-toolkit/internal/service/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "连接聊天平台并启动管理接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b backend
	defer b.Close()

	persister, err := b.openPersister(cfg)
	if err != nil {
		return err
	}
	store := session.NewStore(persister)
	if err := store.Load(ctx); err != nil {
		return err
	}

	bans := b.openBanList(cfg)
	runtime := config.NewRuntime(cfg, config.ViperPersister(v))

	completer, classifier := newCompleter(cfg)
	// 清理历史必须直接走 store：网关运行时会话锁仍被会话管理器持有
	gateway := ai.NewGateway(completer, classifier, bans, store)

	chatSvc := chatservice.NewService(store, gateway, runtime)
	engine := ambient.NewEngine(ambient.NewCache(ambient.DefaultCapacity), gateway, runtime)

	var media bot.Media
	if m := newMedia(cfg); m != nil {
		media = m
	}
	dispatcher := bot.NewDispatcher(chatSvc, engine, media, bans, runtime)

	// 可能失败的初始化都放在启动任何服务之前。
	var matrixClient *matrix.Client
	if cfg.Matrix.Homeserver != "" {
		matrixClient, err = matrix.NewClient(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
		}, dispatcher)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(chatSvc, runtime, engine.Cache(), cfg.Server.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("admin api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "admin api")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.OneBot.WSURL != "" {
		client := onebot.NewClient(onebot.Config{
			WSURL:       cfg.OneBot.WSURL,
			AccessToken: cfg.OneBot.AccessToken,
		}, dispatcher)
		g.Go(func() error { return client.Run(ctx) })
	}

	if matrixClient != nil {
		g.Go(func() error { return matrixClient.Run(ctx) })
	}

	runErr := g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := store.SaveAll(saveCtx); err != nil {
		log.Error().Err(err).Msg("save sessions on shutdown failed")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
