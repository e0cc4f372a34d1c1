package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cuelang.org/go/cue/token"

	"github.com/roach88/recoll/internal/compiler"
	"github.com/roach88/recoll/internal/service"
	"github.com/roach88/recoll/internal/store"
)

// Error code constants - unified across all CLI commands. Definition
// validation codes (E1xx) come from the compiler package.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load or compile failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // Service construction failed
)

// LoadError represents an error that occurred while loading a definition.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// loadDefinition loads and compiles the definition at path, which may be a
// .cue file or a directory. Validation is left to the caller.
func loadDefinition(path string) (*compiler.LoadResult, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("definition not found: %s", path)}
		}
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing definition: %v", err)}
	}

	res, err := compiler.Load(path)
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("%s: %s", ce.Field, ce.Message), Pos: ce.Pos}
		}
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			files, scanErr := compiler.FindCUEFiles(path)
			if scanErr != nil {
				return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", scanErr)}
			}
			if len(files) == 0 {
				return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}
			}
		}
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
	}
	return res, nil
}

// session is a running service opened from a definition, with an optional
// journal.
type session struct {
	svc   *service.Service
	store *store.Store
}

// openSession loads, validates and starts the definition at path. If db is
// set the journal at db is replayed and new input commits are appended to
// it. External feeds are not available from the CLI; resources using them
// fail when instantiated.
func openSession(ctx context.Context, path, db string, log *slog.Logger, extra ...service.Option) (*session, error) {
	res, err := loadDefinition(path)
	if err != nil {
		return nil, err
	}
	if errs := compiler.Validate(res.Definition); len(errs) > 0 {
		return nil, &LoadError{Code: errs[0].Code, Message: errs[0].Error()}
	}
	def, err := res.Definition.Service(nil)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: err.Error()}
	}

	opts := append([]service.Option{service.WithLogger(log)}, extra...)
	s := &session{}
	if db != "" {
		log.Info("opening journal", "path", db)
		st, err := store.Open(db)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		s.store = st
		opts = append(opts, service.WithJournal(st))
	}

	s.svc, err = service.New(ctx, def, opts...)
	if err != nil {
		if s.store != nil {
			_ = s.store.Close()
		}
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: err.Error()}
	}
	return s, nil
}

// Close closes the service and then the journal.
func (s *session) Close(ctx context.Context) error {
	err := s.svc.Close(ctx)
	if s.store != nil {
		if closeErr := s.store.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

// newLogger returns a text logger on w at Info, or Debug when verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// loadFailure reports a load error and converts it to an ExitError.
func loadFailure(f *OutputFormatter, err error) error {
	var le *LoadError
	if errors.As(err, &le) {
		_ = f.Report(le.Code, le.Message)
		return NewExitError(ExitCommandError, le.Error())
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		_ = f.Report(ErrCodeGeneric, exitErr.Error())
		return exitErr
	}
	return f.Fail(ExitCommandError, "failed to open definition", err)
}
