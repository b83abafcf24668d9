package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
	"github.com/roach88/reach/internal/store"
)

var errNotFound = errors.New("not found")

// Problem is one reason a pack failed to load or validate.
type Problem struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Pos     string `json:"pos,omitempty"`
}

// problemsOf flattens a load or compile error into reportable problems.
// Validation errors keep every entry; anything else becomes one problem.
func problemsOf(err error) []Problem {
	var verrs compiler.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]Problem, len(verrs))
		for i, v := range verrs {
			out[i] = Problem{Code: v.Code, Field: v.Field, Message: v.Message}
		}
		return out
	}
	var le *compiler.LoadError
	if errors.As(err, &le) {
		p := Problem{Code: le.Code, Message: le.Message}
		if le.Pos.IsValid() {
			p.Pos = fmt.Sprintf("%s:%d:%d", le.Pos.Filename(), le.Pos.Line(), le.Pos.Column())
		} else if le.Path != "" {
			p.Pos = le.Path
		}
		return []Problem{p}
	}
	code := string(ir.CodeOf(err))
	if code == "" {
		code = ErrCodeGeneric
	}
	return []Problem{{Code: code, Message: err.Error()}}
}

// compilePack loads and compiles the pack at path.
func compilePack(path string) (*compiler.CompiledGraph, error) {
	pack, err := compiler.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(*pack)
}

// openStore opens the database at path. Read-only commands pass create
// false so a mistyped path is reported instead of creating an empty db.
func openStore(path string, create bool) (*store.Store, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("database %s: %w", path, errNotFound)
		}
	}
	return store.Open(path)
}

// EngineFlags are the queue and engine settings shared by run and serve.
type EngineFlags struct {
	Database string
	LeaseTTL time.Duration
	MaxSteps int
	Workers  int
	Rate     float64
}

func (f EngineFlags) build(st *store.Store, extra ...engine.EngineOption) *engine.Engine {
	qopts := []queue.Option{}
	if f.LeaseTTL > 0 {
		qopts = append(qopts, queue.WithLeaseTTL(f.LeaseTTL))
	}
	eopts := []engine.EngineOption{}
	if f.MaxSteps > 0 {
		eopts = append(eopts, engine.WithMaxSteps(f.MaxSteps))
	}
	return engine.New(st, queue.New(st, qopts...), append(eopts, extra...)...)
}

func (f EngineFlags) pool(e *engine.Engine, exec engine.ToolExecutor, idle time.Duration) *engine.WorkerPool {
	opts := []engine.WorkerOption{engine.WithIdleWait(idle)}
	if f.Workers > 0 {
		opts = append(opts, engine.WithWorkers(f.Workers))
	}
	if f.Rate > 0 {
		opts = append(opts, engine.WithPollRate(f.Rate, max(1, int(f.Rate))))
	}
	return engine.NewWorkerPool(e, exec, opts...)
}

// withEngine opens the database, builds an engine on it and calls fn.
func withEngine(ctx context.Context, flags EngineFlags, create bool, fn func(context.Context, *engine.Engine) error) error {
	st, err := openStore(flags.Database, create)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, flags.build(st))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
