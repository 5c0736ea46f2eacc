package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tutor-voice-lab/internal/capture"
	"github.com/tutor-voice-lab/internal/config"
	"github.com/tutor-voice-lab/internal/dictation"
	"github.com/tutor-voice-lab/internal/history"
	"github.com/tutor-voice-lab/internal/live"
	"github.com/tutor-voice-lab/internal/logging"
	"github.com/tutor-voice-lab/internal/metrics"
	"github.com/tutor-voice-lab/internal/playback"
	"github.com/tutor-voice-lab/internal/recording"
	"github.com/tutor-voice-lab/internal/session"
)

const usage = `usage: tutor [-config file] [command]

commands:
  talk               start a spoken tutoring session (default)
  dictate            transcribe one stretch of speech and print it
  history [-n N]     list saved sessions, newest first
  history clear      delete all saved sessions
`

func main() {
	// Initialize centralized logging
	loggingSugar := logging.Init()
	if loggingSugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		loggingSugar = l.Sugar()
	}
	sugar := loggingSugar
	defer logging.Sync()

	configPath := flag.String("config", "", "YAML config file (defaults to $TUTOR_CONFIG)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	// Init ran before .env and the config file were read.
	logging.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	shutdownMetrics := serveMetrics(cfg.MetricsAddr, m)
	defer shutdownMetrics()

	cmd := "talk"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	switch cmd {
	case "talk":
		err = runConversation(ctx, cfg, m)
	case "dictate":
		err = runDictation(ctx, cfg, m)
	case "history":
		err = runHistory(ctx, cfg, flag.Args()[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		sugar.Errorw("command failed", "command", cmd, "error", err)
		_ = logging.Sync()
		os.Exit(1)
	}
}

func serveMetrics(addr string, m *metrics.Metrics) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infow("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnw("metrics server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newDialer(cfg *config.Config) live.Dialer {
	if cfg.Transport == config.TransportWebsocket {
		return &live.WebsocketDialer{URL: cfg.WebsocketURL}
	}
	return live.GenaiDialer{}
}

func openHistory(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case config.HistoryPostgres:
		pg, err := history.OpenPostgres(ctx, cfg.History.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		fs := history.NewFileStore(cfg.History.Path)
		fs.MaxRecords = cfg.History.MaxRecords
		return fs, nil
	}
}

func runConversation(ctx context.Context, cfg *config.Config, m *metrics.Metrics) error {
	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mic, err := capture.NewMalgoDevice(cfg.Capture.DeviceRate)
	if err != nil {
		return err
	}
	defer mic.Close()

	rec := recording.NewStore(cfg.Recording.Dir)
	var wg sync.WaitGroup
	cleanCtx, cancelClean := context.WithCancel(ctx)
	if rec != nil {
		retention := time.Duration(cfg.Recording.RetentionHours) * time.Hour
		rec.Prune(retention, cfg.Recording.MaxFiles)
		wg.Add(1)
		rec.StartCleaner(cleanCtx, &wg, retention, time.Hour, cfg.Recording.MaxFiles)
	}
	defer func() {
		cancelClean()
		wg.Wait()
	}()

	out := newConsole(os.Stdout)
	sess := session.New(session.Options{
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		Voice:          cfg.Voice,
		NativeLanguage: cfg.NativeLanguage,
		TargetLanguage: cfg.TargetLanguage,
		Dialer:         newDialer(cfg),
		Microphone:     mic,
		NewOutput: func() (playback.Output, error) {
			return playback.NewOtoOutput(cfg.Playback.SampleRate, 1, time.Duration(cfg.Playback.BufferMs)*time.Millisecond)
		},
		Store:        store,
		Recordings:   rec,
		Metrics:      m,
		FrameSize:    cfg.Capture.FrameSize,
		PlaybackRate: cfg.Playback.SampleRate,
		OnChange:     out.onChange,
	})
	defer sess.Close()

	fmt.Printf("Practicing %s (native %s) with %s. Commands: s=start  x=stop  t=translate next turn  q=quit\n",
		cfg.TargetLanguage, cfg.NativeLanguage, session.TutorName)
	if err := sess.Start(); err != nil && !errors.Is(err, session.ErrCredentialMissing) {
		return err
	}

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			sess.Stop()
			return nil
		case line, ok := <-lines:
			if !ok {
				sess.Stop()
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "s", "start":
				if err := sess.Start(); err != nil {
					logging.Warnw("start failed", "error", err)
				}
			case "x", "stop":
				sess.Stop()
			case "t", "translate":
				sess.SetTranslating(true)
				fmt.Println("(next turn will be treated as a translation request)")
			case "q", "quit", "exit":
				sess.Stop()
				return nil
			case "":
			default:
				fmt.Println("commands: s=start  x=stop  t=translate  q=quit")
			}
		}
	}
}

func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func runDictation(ctx context.Context, cfg *config.Config, m *metrics.Metrics) error {
	if !cfg.HasCredential() {
		return dictation.ErrCredentialMissing
	}
	mic, err := capture.NewMalgoDevice(cfg.Capture.DeviceRate)
	if err != nil {
		return err
	}
	defer mic.Close()

	d := dictation.New(dictation.Options{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Dialer:     newDialer(cfg),
		Microphone: mic,
		FrameSize:  cfg.Capture.FrameSize,
		Silence:    time.Duration(cfg.Dictation.SilenceMs) * time.Millisecond,
		Metrics:    m,
	})
	text, err := dictate(ctx, d)
	if err != nil {
		return err
	}
	if text != "" {
		fmt.Println(text)
	}
	return nil
}

// dictate runs one dictation to completion and returns its transcript, which
// is empty when nothing was heard. Cancelling ctx ends the run early and
// keeps what was transcribed so far.
func dictate(ctx context.Context, d *dictation.Dictator) (string, error) {
	var (
		text   string
		runErr error
	)
	done, err := d.Start(func(t string, e error) { text, runErr = t, e })
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr, "listening... (Ctrl+C to stop)")
	select {
	case <-done:
	case <-ctx.Done():
		d.Stop()
		<-done
	}
	return text, runErr
}

func runHistory(ctx context.Context, cfg *config.Config, args []string) error {
	fset := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fset.Int("n", history.DefaultListLimit, "maximum sessions to list")
	if err := fset.Parse(args); err != nil {
		return err
	}
	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if fset.Arg(0) == "clear" {
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("history cleared")
		return nil
	}
	recs, err := store.List(ctx, *limit)
	if err != nil {
		return err
	}
	printRecords(os.Stdout, recs, recording.NewStore(cfg.Recording.Dir))
	return nil
}
