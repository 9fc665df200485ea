package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultFilePath = "./shiftboard.log"

// Output formats for stdout.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level   string
	Console bool
	// Format selects console (human) or json (journald, containers) output
	// on stdout. Files are always JSON.
	Format string
	File   FileConfig
	// Writer replaces stdout when set.
	Writer io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Loggers derived from it pick up every Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service with cfg already applied.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Close releases the log file. Loggers keep writing to stdout afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	zl := zerolog.New(s.stdoutWriter(s.cfg)).Level(parseLevel(s.cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return err
}

// Apply swaps sinks and level. It is safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevFile := s.file
	s.file = nil
	s.cfg = cfg

	writers := make([]io.Writer, 0, 2)
	if cfg.Console {
		writers = append(writers, s.stdoutWriter(cfg))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	// Never go silent: errors about the config itself must reach someone.
	if len(writers) == 0 {
		writers = append(writers, s.stdoutWriter(cfg))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Swap first so no event is written to a closed file.
	if prevFile != nil {
		_ = prevFile.Close()
	}
}

func (s *Service) stdoutWriter(cfg Config) io.Writer {
	w := cfg.Writer
	if w == nil {
		w = Stdout()
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatJSON) {
		return w
	}
	return consoleWriter(w)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// Stdout returns the default console sink.
func Stdout() io.Writer { return os.Stdout }
