package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// Executor is one local capability the AI provider may invoke mid-stream.
type Executor interface {
	Name() string
	Definition() core.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Dispatcher routes provider function-call events to registered executors.
// Every call produces exactly one result payload: unknown names and handler
// failures come back error-shaped so the duplex stream is never broken.
type Dispatcher struct {
	byName  map[string]Executor
	logger  *slog.Logger
	timeout time.Duration
}

func NewDispatcher(logger *slog.Logger, timeout time.Duration, executors ...Executor) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		byName:  make(map[string]Executor, len(executors)),
		logger:  logger,
		timeout: timeout,
	}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		d.byName[ex.Name()] = ex
	}
	return d
}

func (d *Dispatcher) Has(name string) bool {
	if d == nil {
		return false
	}
	_, ok := d.byName[strings.TrimSpace(name)]
	return ok
}

func (d *Dispatcher) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions advertised to the provider,
// filtered by the session's per-capability enabled flags.
func (d *Dispatcher) Definitions(enabled func(name string) bool) []core.ToolDefinition {
	if d == nil {
		return nil
	}
	defs := make([]core.ToolDefinition, 0, len(d.byName))
	for _, name := range d.Names() {
		if enabled != nil && !enabled(name) {
			continue
		}
		defs = append(defs, d.byName[name].Definition())
	}
	return defs
}

type errorResult struct {
	Error string `json:"error"`
}

// Dispatch executes the named capability and always returns a result payload.
func (d *Dispatcher) Dispatch(ctx context.Context, call types.FunctionCall) any {
	name := strings.TrimSpace(call.Name)
	ex, ok := d.byName[name]
	if !ok {
		d.logger.Warn("unknown capability requested", "tool", name)
		return errorResult{Error: fmt.Sprintf("unknown capability %q", name)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.execute(ctx, ex, call.Arguments)
	if err != nil {
		d.logger.Warn("capability failed", "tool", name, "error", err)
		return errorResult{Error: err.Error()}
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, ex Executor, args json.RawMessage) (out any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("capability panicked: %v", v)
		}
	}()
	return ex.Execute(ctx, args)
}
