package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"guildtimer/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig controls the chat alert sink. Records at or above MinLevel
// are rendered as plain text and sent to the alert channel.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const (
	defaultLogPath   = "./guildtimer.log"
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
)

// Service owns the active zerolog root and its sinks.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	sender   transport.Sender
	target   transport.ChannelRef
	limiter  *rate.Limiter
	minLevel zerolog.Level

	alerts     chan alert
	workerOnce sync.Once
	stopWorker context.CancelFunc
	workerWG   sync.WaitGroup
}

type alert struct {
	to   transport.ChannelRef
	text string
}

// New applies cfg and returns the service with a logger bound to it. A nil
// sender drops alerts until SetSender is called.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{sender: sender, alerts: make(chan alert, alertQueueSize)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// SetAlertTarget sets the channel alerts are delivered to. A zero ref
// disables delivery.
func (s *Service) SetAlertTarget(ref transport.ChannelRef) {
	s.mu.Lock()
	s.target = ref
	s.mu.Unlock()
}

// Apply rebuilds the sinks from cfg. Loggers already handed out pick up the
// change on their next write.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Alerts.MinLevel, zerolog.WarnLevel)
	burst := max(1, cfg.Alerts.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(burst), burst)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alerts.Enabled {
		s.workerOnce.Do(s.startWorker)
		sinks = append(sinks, alertSink{s})
		if s.target.IsZero() {
			fmt.Fprintln(os.Stderr, "logx: alerts enabled but telegram.alert_channel is not set")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, stop := s.file, s.stopWorker
	s.file, s.stopWorker = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.workerWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat, FormatCaller: plainCaller}
}

// plainCaller prints the caller as written, without the default colouring.
func plainCaller(i any) string {
	s, _ := i.(string)
	return s
}

// startWorker runs with s.mu held.
func (s *Service) startWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopWorker = cancel
	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-s.alerts:
				s.mu.Lock()
				sender := s.sender
				s.mu.Unlock()
				if sender == nil {
					continue
				}
				sctx, done := context.WithTimeout(ctx, alertSendTimeout)
				_, _ = sender.SendText(sctx, a.to, a.text, &transport.SendOptions{DisablePreview: true})
				done()
			}
		}
	}()
}

// alertSink queues records for the alert channel. It never blocks the
// logging call; a full queue drops the alert.
type alertSink struct{ svc *Service }

func (a alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := a.svc
	s.mu.Lock()
	to, lim, minLevel, ready := s.target, s.limiter, s.minLevel, s.sender != nil
	s.mu.Unlock()

	if !ready || to.IsZero() || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := formatAlertJSON(p); text != "" {
		select {
		case s.alerts <- alert{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}
