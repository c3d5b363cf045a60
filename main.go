package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/config"
	"murmur/credential"
	"murmur/doctor"
	"murmur/history"
	"murmur/hotkey"
	"murmur/latency"
	"murmur/log"
	"murmur/paste"
	"murmur/realtime"
	"murmur/session"
	"murmur/shutdown"
	"murmur/tray"
	"murmur/worker"
)

var version = "dev"

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func run() {
	autoPasteFlag := flag.Bool("autopaste", true, "send the paste chord after copying")
	deviceName := flag.String("device", "", "capture device name substring, default input when empty")
	showVersion := flag.Bool("version", false, "print version and exit")
	runDoctor := flag.Bool("doctor", false, "check credential, socket, audio, clipboard and hotkey, then exit")
	logPath := flag.String("logpath", "", "directory for log files")
	longPress := flag.Duration("longpress", 350*time.Millisecond, "hold threshold separating tap-to-toggle from push-to-talk")
	withTUI := flag.Bool("tui", true, "show the terminal status panel")
	flag.Parse()

	if *showVersion {
		fmt.Println("murmur " + version)
		return
	}

	dir, err := log.ResolveDir(*logPath)
	if err != nil {
		fail("cannot resolve log directory: %v", err)
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fail("cannot create log directory %s: %v", dir, err)
	}
	if crashFile, err := os.Create(filepath.Join(log.Dir(), "crash_log.txt")); err == nil {
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	cfg, err := config.Load()
	if err != nil {
		fail("%v", err)
	}

	if *runDoctor {
		os.Exit(doctor.Run(cfg))
	}

	if err := log.Init(); err != nil {
		fail("cannot open log files: %v", err)
	}
	log.SessionStart(cfg.Model, cfg.Language)

	creds := credential.NewEnvStore(cfg.ProbeURL)
	if !creds.Has() {
		fail("no API key found; set MURMUR_API_KEY or OPENAI_API_KEY")
	}

	actx, err := audio.NewContext()
	if err != nil {
		fail("audio init failed: %v", err)
	}
	defer actx.Close()

	device, err := pickDevice(actx, *deviceName)
	if err != nil {
		fail("%v", err)
	}
	recorder := audio.NewRecorder(actx, device)
	recorder.OnLevel = func(level float64) {
		tuiSend(tuiAudioLevelMsg{Level: level})
	}

	host := worker.NewHost(func() *realtime.Client {
		return realtime.NewClient(realtime.Config{
			Endpoint:             cfg.RealtimeURL,
			Model:                cfg.Model,
			Language:             cfg.Language,
			VADThreshold:         cfg.VADThreshold,
			VADPrefixPaddingMs:   cfg.VADPrefixPaddingMs,
			VADSilenceDurationMs: cfg.VADSilenceDurationMs,
			NoiseReduction:       cfg.NoiseReduction,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HeartbeatTimeout:     cfg.HeartbeatTimeout,
			ReconnectBase:        cfg.ReconnectBase,
			ReconnectGrowth:      cfg.ReconnectGrowth,
			ReconnectCap:         cfg.ReconnectCap,
			ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		}, nil)
	})

	notifier := &uiNotifier{}

	monOpts := []latency.Option{
		latency.WithBudgets(cfg.ClipboardBudget, cfg.STTBudget),
		latency.WithWarning(func(kind string, observed, budget time.Duration) {
			tuiSend(tuiWarningMsg{Kind: kind, Observed: observed, Budget: budget})
			if notifier.tr != nil {
				notifier.tr.SetTransient(fmt.Sprintf("%s took %dms (budget %dms)",
					kind, observed.Milliseconds(), budget.Milliseconds()))
			}
		}),
	}
	historyPath := cfg.HistoryPath
	if historyPath == "" {
		historyPath = filepath.Join(log.Dir(), "murmur_history.db")
	}
	store, err := history.Open(historyPath, cfg.HistoryLimit)
	if err != nil {
		log.Errorf("session history disabled: %v", err)
	} else {
		defer store.Close()
		monOpts = append(monOpts, latency.WithArchiver(store))
	}
	monitor := latency.NewMonitor(monOpts...)

	verifier := clipboard.NewVerifier(nil)

	orch := session.New(session.Config{
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		RetryGrowth:  cfg.RetryGrowth,
	}, host, creds, recorder, verifier, monitor, notifier)

	var autoOn atomic.Bool
	autoOn.Store(cfg.AutoPaste)
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "autopaste" {
			autoOn.Store(*autoPasteFlag)
		}
	})
	if autoOn.Load() {
		if err := paste.Init(); err != nil {
			log.Warnf("auto-paste unavailable: %v", err)
			autoOn.Store(false)
		}
	}

	var (
		lastMu   sync.Mutex
		lastText string
		sessions int
	)

	orch.OnPartial = func(text string) {
		tuiSend(tuiPartialMsg{Text: text})
	}
	orch.OnSuccess = func(text string, rec latency.Record) {
		lastMu.Lock()
		lastText = text
		sessions++
		lastMu.Unlock()
		log.TranscriptionText(text)
		tuiSend(tuiTranscriptionMsg{Text: text, Rec: rec})
		if notifier.tr != nil {
			notifier.tr.SetLastSession(rec.Recording, float64(rec.Total.Milliseconds()))
		}
		if autoOn.Load() {
			if err := paste.Send(); err != nil {
				log.Errorf("auto-paste failed: %v", err)
			}
		}
	}

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		fail("hotkey registration failed: %v", err)
	}
	defer hk.Unregister()
	ctrl := hotkey.NewController(hk, *longPress)
	defer ctrl.Close()

	tr := tray.New(tray.Callbacks{
		OnToggle: orch.Toggle,
		OnCopyLast: func() {
			lastMu.Lock()
			text := lastText
			lastMu.Unlock()
			if text == "" {
				return
			}
			if _, err := verifier.CopyAndVerify(text); err != nil {
				log.Errorf("re-copy failed: %v", err)
			}
		},
		OnAutoPaste: func(on bool) { autoOn.Store(on) },
		OnReset:     orch.Reset,
	}, autoOn.Load())
	notifier.tr = tr
	tr.Start()

	// Surface the previous run's last session in the tray title.
	if store != nil {
		if n, err := store.Count(); err == nil {
			log.Infof("session history: %d archived sessions", n)
		}
		if recs, err := store.Recent(1); err == nil && len(recs) > 0 {
			tr.SetLastSession(recs[0].Recording, float64(recs[0].Total.Milliseconds()))
		}
	}

	orch.Run()

	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)

	var shutdownOnce sync.Once
	gracefulShutdown := func() {
		shutdownOnce.Do(func() {
			orch.Close()
			lastMu.Lock()
			count := sessions
			lastMu.Unlock()
			log.SessionEnd(count)
			log.Close()
			stopTUI()
			tr.Quit()
		})
	}
	defer gracefulShutdown()

	if *withTUI {
		startTUI(func() {
			select {
			case sig <- os.Interrupt:
			default:
			}
		})
	}

	for {
		select {
		case <-ctrl.StartCh():
			orch.StartRecording()
		case <-ctrl.StopCh():
			orch.StopRecording()
		case <-sig:
			return
		case <-tr.Done():
			return
		}
	}
}

// pickDevice resolves -device against the capture device list. An empty
// name selects the platform default.
func pickDevice(ctx audio.Context, name string) (*audio.DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("cannot list capture devices: %w", err)
	}
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), strings.ToLower(name)) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q (have %d devices)", name, len(devices))
}
