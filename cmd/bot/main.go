package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/discord-voice-lab/schedbot/internal/commands"
	"github.com/discord-voice-lab/schedbot/internal/config"
	"github.com/discord-voice-lab/schedbot/internal/dialogue"
	"github.com/discord-voice-lab/schedbot/internal/logging"
	"github.com/discord-voice-lab/schedbot/internal/mcp"
	"github.com/discord-voice-lab/schedbot/internal/observe"
	"github.com/discord-voice-lab/schedbot/internal/pipeline"
	"github.com/discord-voice-lab/schedbot/internal/session"
	"github.com/discord-voice-lab/schedbot/internal/voice"
	"github.com/discord-voice-lab/schedbot/llm"
)

const (
	version      = "0.1.0"
	tickInterval = 100 * time.Millisecond

	// maxEventPayload caps the debug dump of each gateway event.
	maxEventPayload = 8 * 1024
)

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logging.FatalExitf("config load failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.FatalExitf("bot exited with error", "err", err)
	}
	logging.Infow("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	logging.Infow("using gateway intents", "intents", dg.Identify.Intents)

	// state
	var persister session.Persister
	var checkers []observe.Checker
	if cfg.DBPath != "" {
		db, err := session.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		persister = db
		checkers = append(checkers, observe.Checker{Name: "sqlite", Check: db.Ping})
	}
	store := session.NewStore(persister)
	if n, err := store.Restore(ctx); err != nil {
		logging.Warnw("restoring conversations failed", "err", err)
	} else if n > 0 {
		logging.Infow("restored conversations", "users", n)
	}

	mp, shutdownMetrics, err := observe.InitProvider(version, nil)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return err
	}

	// providers
	stt := voice.NewWhisperClient(cfg.STT.URL, cfg.STT.Timeout)
	stt.Attempts = cfg.STT.Attempts
	stt.BackoffBase = cfg.STT.BackoffBase
	stt.Language = cfg.STT.Language
	tts := &voice.TTSClient{URL: cfg.TTS.URL, AuthToken: cfg.TTS.AuthToken, Timeout: cfg.TTS.Timeout, Attempts: 2}
	reasoner := llm.NewClient(cfg.LLM)
	orch := dialogue.NewOrchestrator(store, reasoner)
	resolver := voice.NewDiscordResolver(dg)

	var wg sync.WaitGroup
	var archive pipeline.Archive
	if cfg.SaveAudio.Enabled {
		a, err := voice.NewArchive(cfg.SaveAudio.Dir)
		if err != nil {
			return err
		}
		wg.Add(1)
		a.StartCleaner(ctx, &wg, cfg.SaveAudio.Retention, cfg.SaveAudio.Interval, cfg.SaveAudio.MaxFiles)
		archive = a
	}

	driver := &pipeline.Driver{
		Transcriber:   stt,
		Synthesizer:   tts,
		Dialogue:      orch,
		Resolver:      resolver,
		Archive:       archive,
		Metrics:       metrics,
		TextChannelID: cfg.TextChannelID,
		Timeouts: pipeline.Timeouts{
			STT:      cfg.STT.Timeout * time.Duration(cfg.STT.Attempts+1),
			LLM:      cfg.LLM.Timeout,
			TTS:      cfg.TTS.Timeout,
			Playback: 2 * time.Minute,
		},
	}

	pool := voice.NewSegmenterPool(voice.ConfigFromTuning(cfg.Voice), store, driver.Handler(), metrics)
	platform := voice.NewDiscordPlatform(dg, cfg.GuildID, pool, resolver)
	platform.SetAllowedUsers(cfg.AllowedUserIDs)
	platform.OnLeave = func(userID string) {
		pool.Remove(userID)
		if err := store.EndSession(context.Background(), userID); err != nil {
			logging.Warnw("ending session failed", "user_id", userID, "err", err)
		}
	}
	driver.Platform = platform

	// calendar
	calClient := mcp.NewClientWrapper("schedbot", version)
	defer func() { _ = calClient.Close() }()
	var oracle commands.CalendarOracle
	if err := connectCalendar(ctx, calClient, cfg.Calendar); err != nil {
		logging.Warnw("calendar unavailable, #schedule disabled", "err", err)
	} else if cfg.Calendar.URL != "" || cfg.Calendar.Command != "" {
		oracle = mcp.NewCalendarOracle(calClient, cfg.Calendar.Timezone)
	}

	router := &commands.Router{
		Prefix:              cfg.CommandPrefix,
		Poster:              platform,
		Store:               store,
		Text:                driver,
		Voice:               platform,
		Images:              reasoner,
		Calendar:            oracle,
		Metrics:             metrics,
		PromptTimeout:       cfg.PromptTimeout,
		DefaultVoiceChannel: cfg.VoiceChannelID,
	}

	dg.AddHandler(platform.HandleVoiceState)
	dg.AddHandler(router.MessageHandler(ctx))
	dg.AddHandler(eventLogger(maxEventPayload))

	logging.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		return err
	}
	defer func() {
		if err := dg.Close(); err != nil {
			logging.Warnw("discord session close error", "err", err)
		}
	}()
	checkers = append(checkers, observe.Checker{Name: "discord", Check: func(context.Context) error {
		if !dg.DataReady {
			return errors.New("gateway not ready")
		}
		return nil
	}})

	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		if err := platform.Join(ctx, cfg.VoiceChannelID); err != nil {
			logging.Warnw("voice join failed", "channel_id", cfg.VoiceChannelID, "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx, tickInterval)
		return nil
	})
	g.Go(func() error {
		return observe.Serve(gctx, cfg.OpsAddr, observe.NewRouter(checkers...))
	})
	err = g.Wait()

	logging.Infow("shutting down")
	if lerr := platform.Leave(); lerr != nil && !errors.Is(lerr, voice.ErrNotJoined) {
		logging.Warnw("voice disconnect error", "err", lerr)
	}
	pool.Close()
	wg.Wait()
	return err
}

// connectCalendar connects to the calendar MCP server, preferring the
// websocket URL. Neither set is not an error.
func connectCalendar(ctx context.Context, c *mcp.ClientWrapper, cfg config.CalendarConfig) error {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	switch {
	case cfg.URL != "":
		return c.ConnectWebSocket(cctx, cfg.URL)
	case cfg.Command != "":
		return c.ConnectCommand(cctx, "calendar", cfg.Command, cfg.Args, nil)
	}
	return nil
}
