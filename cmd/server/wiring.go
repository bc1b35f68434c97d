package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/obiente/translate/autosub/internal/config"
	"github.com/obiente/translate/autosub/internal/media"
	"github.com/obiente/translate/autosub/internal/ratelimit"
	"github.com/obiente/translate/autosub/internal/service"
	"github.com/obiente/translate/autosub/internal/whisper"
	"github.com/obiente/translate/autosub/internal/workspace"
)

type app struct {
	svc    *service.Service
	ffmpeg *media.FFmpeg
	engine whisper.Engine
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		log.Warn().Err(err).Str("engine", a.engine.Name()).Msg("engine close failed")
	}
}

func newApp(cfg config.Config) (*app, error) {
	ws, err := workspace.New(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	ff := media.New(cfg.FFmpegBinary, cfg.ToolTimeout)
	if path, ok := ff.Available(); ok {
		log.Debug().Str("ffmpeg", path).Msg("ffmpeg found")
	} else {
		log.Warn().Str("ffmpeg", cfg.FFmpegBinary).Msg("ffmpeg not found on PATH; video uploads and burning will fail")
	}

	engine, err := whisper.New(whisper.Options{
		Kind:        cfg.Engine,
		ModelPath:   cfg.ModelPath,
		Model:       cfg.WhisperModel,
		Binary:      cfg.WhisperBinary,
		Threads:     cfg.WhisperThreads,
		Concurrency: cfg.WhisperParallel,
		WorkDir:     ws.Dir(),
		Timeout:     cfg.ToolTimeout,
		Decoder:     ff,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s engine: %w", cfg.Engine, err)
	}
	log.Info().Str("engine", engine.Name()).Str("work_dir", ws.Dir()).Msg("transcription engine ready")

	return &app{svc: service.New(ws, ff, engine), ffmpeg: ff, engine: engine}, nil
}

// rateStore returns the configured store and a closer for it.
func rateStore(cfg config.Config) (ratelimit.Store, func(), error) {
	switch cfg.RateStore {
	case config.StoreSQLite:
		st, err := ratelimit.OpenSQLite(cfg.RateDBPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Str("path", st.Path()).Msg("rate store close failed")
			}
		}, nil
	default:
		return ratelimit.NewMemoryStore(), func() {}, nil
	}
}
