// Package ledger executes client commands authoritatively against the
// backend document store. Each command validates its parameters and then
// reads and writes documents inside one store transaction, so the change log
// records exactly what the command did.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/tally/internal/store"
)

var (
	// ErrUnknownCommand is returned for a command name nothing is registered under.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidParams is returned when command parameters cannot be decoded.
	ErrInvalidParams = errors.New("invalid command parameters")
	// ErrConflict is returned when current documents do not allow the command.
	ErrConflict = errors.New("command conflicts with current state")
)

// Command is one backend operation a client may request.
type Command interface {
	// Name is the command name clients send, e.g. "MergeTransaction".
	Name() string

	// Validate checks params without touching the store. Field failures are
	// returned as validation.Errors.
	Validate(params json.RawMessage) error

	// Apply performs the command inside tx and returns the response body.
	// Any error rolls the whole transaction back.
	Apply(ctx context.Context, tx store.DocumentTx, params json.RawMessage) (json.RawMessage, error)
}

// Registry maps command names to commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd. Panics if a command with the same name is already registered.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := cmd.Name()
	if _, exists := r.commands[name]; exists {
		panic("command already registered: " + name)
	}
	r.commands[name] = cmd
}

// Get returns the command registered under name.
func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns every registered command name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry holding every expense command. now stamps
// dismissals and report actions; nil means time.Now.
func Default(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := NewRegistry()
	r.Register(MergeTransaction{})
	r.Register(ChangeTransactionsReport{})
	r.Register(DismissDuplicateViolation{Now: now})
	r.Register(RejectMoneyRequest{Now: now})
	return r
}

// Execute validates and applies the named command in one store transaction.
// It returns the command's response, the number of documents written and
// the sequence of the last change log entry.
func Execute(ctx context.Context, s store.Store, r *Registry, name string, origin store.Origin, params json.RawMessage) (*Outcome, error) {
	cmd, ok := r.Get(name)
	if !ok {
		return nil, &CommandError{Command: name, Err: ErrUnknownCommand}
	}
	if err := cmd.Validate(params); err != nil {
		return nil, &CommandError{Command: name, Err: err}
	}

	out := &Outcome{}
	seq, err := s.ExecuteInTx(ctx, origin, func(tx store.DocumentTx) error {
		resp, err := cmd.Apply(ctx, tx, params)
		if err != nil {
			return err
		}
		out.Response = resp
		out.Changes = tx.Changes()
		return nil
	})
	if err != nil {
		return nil, &CommandError{Command: name, Err: err}
	}
	out.Sequence = seq
	return out, nil
}

// Outcome is the result of a successful Execute.
type Outcome struct {
	Response json.RawMessage
	Changes  int
	Sequence int64
}

// CommandError ties a failure to the command that produced it.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return e.Command + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
