package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cognilab/stimflow/internal/config"
	"github.com/cognilab/stimflow/internal/engine/clock"
	"github.com/cognilab/stimflow/internal/engine/resource"
	"github.com/cognilab/stimflow/internal/engine/runtime"
	"github.com/cognilab/stimflow/internal/engine/surface"
	"github.com/cognilab/stimflow/internal/logger"
	"github.com/cognilab/stimflow/internal/model"
	"github.com/cognilab/stimflow/internal/stats"
	"github.com/cognilab/stimflow/internal/validator"
)

// simulate plays a questionnaire definition headlessly against an in-memory
// surface. A script file maps question ids to responses; questions without
// an entry run their timing to completion (display end or timeout).
//
// Usage:
//
//	simulate -def study.json -script answers.json -assets ./uploads -participant p01
func main() {
	var (
		defPath       string
		scriptPath    string
		assetsDir     string
		participantID string
		delayMs       int
	)
	flag.StringVar(&defPath, "def", "", "Path to questionnaire definition JSON (required)")
	flag.StringVar(&scriptPath, "script", "", "Path to scripted responses JSON (question_id -> value)")
	flag.StringVar(&assetsDir, "assets", ".", "Base directory for media assets")
	flag.StringVar(&participantID, "participant", "sim", "Participant id recorded on the session")
	flag.IntVar(&delayMs, "delay", 150, "Simulated reaction delay before each scripted response (ms)")
	flag.Parse()

	if defPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, "console")

	raw, err := os.ReadFile(defPath)
	if err != nil {
		log.Fatal().Err(err).Msg("read definition")
	}
	var def model.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		log.Fatal().Err(err).Msg("parse definition")
	}

	if result := validator.ValidateQuestionnaire(&def); !result.Valid {
		for _, msg := range result.Errors {
			log.Error().Msg(msg)
		}
		log.Fatal().Int("problems", len(result.Errors)).Msg("definition rejected")
	}

	script := map[string]any{}
	if scriptPath != "" {
		rawScript, err := os.ReadFile(scriptPath)
		if err != nil {
			log.Fatal().Err(err).Msg("read script")
		}
		if err := json.Unmarshal(rawScript, &script); err != nil {
			log.Fatal().Err(err).Msg("parse script")
		}
	}

	surf := surface.NewMemory(1280, 720)
	rm := resource.New(assetsDir, log)

	done := make(chan model.RunSession, 1)
	rt, err := runtime.New(&def, clock.System{}, surf, rm, log,
		runtime.WithSessionInfo(uuid.Nil, participantID),
		runtime.WithFinishCallback(func(sess *model.RunSession) {
			done <- *sess
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build runtime")
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start run")
	}

	// Drive frames and feed scripted responses until the run finishes.
	ticker := time.NewTicker(def.Settings.FrameInterval())
	defer ticker.Stop()

	answered := map[string]bool{}
	var sess model.RunSession

loop:
	for {
		select {
		case sess = <-done:
			break loop

		case <-ticker.C:
			if err := rt.RenderFrame(); err != nil {
				log.Warn().Err(err).Msg("render frame")
			}

			if rt.State() != runtime.StateCollecting {
				continue
			}
			q := rt.CurrentQuestion()
			if q == nil || answered[q.ID] {
				continue
			}
			value, scripted := script[q.ID]
			if !scripted {
				continue
			}
			answered[q.ID] = true

			go func(id string, v any) {
				time.Sleep(time.Duration(delayMs) * time.Millisecond)
				if err := rt.Submit(v); err != nil {
					log.Warn().Err(err).Str("question_id", id).Msg("scripted response rejected")
				}
			}(q.ID, value)
		}
	}

	export := sess.Export()
	out := struct {
		Session model.SessionExport  `json:"session"`
		Summary stats.SessionSummary `json:"summary"`
	}{
		Session: export,
		Summary: stats.Summarize(&export),
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("encode session")
	}
	fmt.Println(string(encoded))
}
