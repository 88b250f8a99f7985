package model

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/os2datascanner/engine/pkg/common/logger"
)

type descriptor struct {
	source   Source
	key      string
	parent   *descriptor
	state    State
	opened   bool
	children []*descriptor
}

// SourceManager tracks the open state of Sources on behalf of one runner.
//
// Open Sources form a tree: a Source opened while another is being opened
// becomes that Source's parent. At most width children are kept open below
// any parent; opening one more closes the least recently used sibling.
// Closing a Source closes everything below it first.
//
// A SourceManager belongs to one runner goroutine. Calls made by operations
// that a timeout abandoned are serialised behind an internal lock.
type SourceManager struct {
	mu sync.Mutex

	width   int
	opened  map[string]*descriptor
	opening []Source
	top     *descriptor

	configuration map[string]any

	opens, closes int
	log           *logger.Logger
}

// SourceManagerOption configures a SourceManager.
type SourceManagerOption func(*SourceManager)

// WithSourceManagerLogger sets the logger used for open and close tracing.
func WithSourceManagerLogger(l *logger.Logger) SourceManagerOption {
	return func(sm *SourceManager) { sm.log = l }
}

// WithConfiguration sets the initial configuration mapping.
func WithConfiguration(cfg map[string]any) SourceManagerOption {
	return func(sm *SourceManager) { sm.configuration = cfg }
}

// NewSourceManager returns an empty SourceManager. A width of zero disables
// the per-parent limit.
func NewSourceManager(width int, opts ...SourceManagerOption) *SourceManager {
	sm := &SourceManager{
		width:  width,
		opened: make(map[string]*descriptor),
		top:    &descriptor{},
		log:    logger.Noop(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

type lockKey struct{ sm *SourceManager }

// Open returns the state of src, opening it first if necessary. Sources
// opened while src is being opened are registered as its ancestors.
func (sm *SourceManager) Open(ctx context.Context, src Source) (State, error) {
	if ctx.Value(lockKey{sm}) == nil {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		ctx = context.WithValue(ctx, lockKey{sm}, true)
	}

	sm.opening = append(sm.opening, src)
	defer func() { sm.opening = sm.opening[:len(sm.opening)-1] }()
	sm.registerPath(sm.opening)

	desc := sm.makeDescriptor(src)
	if !desc.opened {
		st, err := src.OpenState(ctx, sm)
		if err != nil {
			_ = sm.close(src)
			return nil, err
		}
		if st == nil {
			st = NopState
		}
		desc.state, desc.opened = st, true
		sm.opens++
		sm.log.Debug(ctx, "SourceManager.open", "source", src.Type())
	}
	return desc.state, nil
}

// Close closes src and every Source opened through it. Closing a Source that
// is not open does nothing.
func (sm *SourceManager) Close(src Source) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.close(src)
}

// Clear closes every open Source, most recently used last.
func (sm *SourceManager) Clear() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var errs []error
	for _, child := range slices.Clone(sm.top.children) {
		errs = append(errs, sm.close(child.source))
	}
	return errors.Join(errs...)
}

// ClearDependents closes every Source below the top level, leaving top-level
// connections open.
func (sm *SourceManager) ClearDependents() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var errs []error
	for _, child := range slices.Clone(sm.top.children) {
		for _, sub := range slices.Clone(child.children) {
			errs = append(errs, sm.close(sub.source))
		}
	}
	return errors.Join(errs...)
}

// Contains reports whether src is currently open.
func (sm *SourceManager) Contains(src Source) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.opened[SourceKey(src)]
	return ok
}

// Configuration returns the scan configuration Sources may consult.
func (sm *SourceManager) Configuration() map[string]any {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.configuration
}

// SetConfiguration replaces the scan configuration.
func (sm *SourceManager) SetConfiguration(cfg map[string]any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.configuration = cfg
}

// Stats returns the number of states opened and closed so far.
func (sm *SourceManager) Stats() (opens, closes int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.opens, sm.closes
}

func (sm *SourceManager) makeDescriptor(src Source) *descriptor {
	key := SourceKey(src)
	if d, ok := sm.opened[key]; ok {
		return d
	}
	d := &descriptor{source: src, key: key, parent: sm.top}
	sm.opened[key] = d
	return d
}

// registerPath links the Sources being opened, innermost first, into the
// tree so that they are later released in a sensible order.
func (sm *SourceManager) registerPath(path []Source) {
	parent := sm.top
	for i := len(path) - 1; i >= 0; i-- {
		child := sm.makeDescriptor(path[i])
		sm.reparent(child, parent)
		parent = child
	}
}

func (sm *SourceManager) reparent(child, parent *descriptor) {
	if child.parent != nil {
		child.parent.children = removeDescriptor(child.parent.children, child)
	}
	// An incomplete path would otherwise discard the complete one already
	// recorded for child.
	if parent != sm.top {
		child.parent = parent
	}
	child.parent.children = append(child.parent.children, child)

	if sm.width > 0 && len(child.parent.children) > sm.width {
		_ = sm.close(child.parent.children[0].source)
	}

	// Keep the rightmost child the most recently used one all the way up.
	if parent.parent != nil {
		sm.reparent(parent, parent.parent)
	}
}

func (sm *SourceManager) close(src Source) error {
	key := SourceKey(src)
	desc, ok := sm.opened[key]
	if !ok {
		return nil
	}

	var errs []error
	for _, child := range slices.Clone(desc.children) {
		errs = append(errs, sm.close(child.source))
	}
	desc.children = nil

	if desc.opened {
		if err := desc.state.Close(); err != nil {
			sm.log.Warn(context.Background(), "closing source state failed",
				"source", src.Type(), "error", err)
			errs = append(errs, err)
		}
		desc.state, desc.opened = nil, false
		sm.closes++
	}

	if desc.parent != nil {
		desc.parent.children = removeDescriptor(desc.parent.children, desc)
	}
	delete(sm.opened, key)
	return errors.Join(errs...)
}

func removeDescriptor(ds []*descriptor, d *descriptor) []*descriptor {
	if i := slices.Index(ds, d); i >= 0 {
		return slices.Delete(ds, i, i+1)
	}
	return ds
}
