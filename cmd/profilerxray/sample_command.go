package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ongoingai/profilerxray/internal/profiling"
	"github.com/ongoingai/profilerxray/internal/xray"
)

const (
	sampleProfilerName = "TestApp"
	sampleStepPause    = 50 * time.Millisecond
	sampleSendTimeout  = 5 * time.Second
)

// samplePause is replaced in tests.
var samplePause = time.Sleep

func runSample(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("sample", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	daemon := flagSet.String("daemon", "", "X-Ray daemon address (host:port or \"tcp:h:p udp:h:p\")")
	service := flagSet.String("service", "", "Service name for the exported trace")
	dryRun := flagSet.Bool("dry-run", false, "Print the trace document instead of sending it")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "sample does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}
	if address := strings.TrimSpace(*daemon); address != "" {
		normalized, err := xray.ParseDaemonAddress(address)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --daemon: %v\n", err)
			return 2
		}
		cfg.Daemon.Address = normalized
	}
	if name := strings.TrimSpace(*service); name != "" {
		cfg.Service.Name = name
	}
	// One session, exported before exit.
	cfg.Export.Async = false

	logger := slog.New(slog.NewJSONHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var emitter xray.Emitter
	var recorder *xray.RecordingEmitter
	if *dryRun {
		recorder = &xray.RecordingEmitter{}
		emitter = recorder
	}
	pipeline, err := newExportPipeline(cfg, emitter, nil, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize export pipeline: %v\n", err)
		return 1
	}
	defer shutdownExportPipeline(nil, pipeline, sampleSendTimeout)

	p := profiling.New(sampleProfilerName, &profiling.Options{TrackConnectionOpenClose: cfg.Profiler.TrackConnectionOpenClose})
	runSampleTree(p, samplePause)
	p.Stop()

	fmt.Fprintln(out, p.RenderPlainText())

	ctx, cancel := context.WithTimeout(context.Background(), sampleSendTimeout)
	defer cancel()
	if err := pipeline.sink.Save(ctx, p); err != nil {
		// Export failures are reported, never fatal.
		fmt.Fprintf(errOut, "failed to export sample trace: %v\n", err)
	}

	if recorder != nil {
		for _, seg := range recorder.Segments() {
			encoded, err := json.MarshalIndent(seg, "", "  ")
			if err != nil {
				fmt.Fprintf(errOut, "failed to encode trace document: %v\n", err)
				return 1
			}
			fmt.Fprintln(out, string(encoded))
		}
	}

	fmt.Fprintln(out, "done")
	return 0
}

// runSampleTree records the demo tree on p:
//
//	Level 1 > Level 1.1, Level 1.2 (annotation data=10)
//	Level 2 > Level 2.1, Level 2.2
func runSampleTree(p *profiling.Profiler, pause func(time.Duration)) {
	if pause == nil {
		pause = func(time.Duration) {}
	}

	level1 := p.Step("Level 1")
	level11 := p.Step("Level 1.1")
	pause(sampleStepPause)
	level11.Stop()

	level12 := p.Step("Level 1.2")
	annotations := p.StartAnnotations()
	pause(sampleStepPause)
	annotations.AddAnnotation("data", 10)
	annotations.Stop()
	level12.Stop()
	level1.Stop()

	level2 := p.Step("Level 2")
	level21 := p.Step("Level 2.1")
	pause(sampleStepPause)
	level21.Stop()

	level22 := p.Step("Level 2.2")
	pause(sampleStepPause)
	level22.Stop()
	level2.Stop()
}
