// Package snapshot declares which simulation state participates in rollback
// and performs the save, restore and checksum operations over it.
//
// The registry is a closed set: categories are registered once during setup
// and the registry seals itself on the first Save. Any state the simulation
// step reads but that is not registered here survives a restore unchanged,
// which silently breaks determinism between peers.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"rollback-arena/internal/tick"
)

var (
	// ErrSealed is returned when registering after the first save.
	ErrSealed = errors.New("snapshot: registry sealed")
	// ErrDuplicateCategory is returned when two categories share a name.
	ErrDuplicateCategory = errors.New("snapshot: duplicate category")
	// ErrForeignSnapshot is returned when restoring a snapshot captured by a
	// different registry layout.
	ErrForeignSnapshot = errors.New("snapshot: snapshot does not match registry")
	// ErrEmptySnapshot is returned when restoring the zero Snapshot.
	ErrEmptySnapshot = errors.New("snapshot: empty snapshot")
)

// State is one category's captured value. It must not alias live state.
type State interface {
	// AppendState appends a canonical byte encoding used for checksums.
	AppendState(dst []byte) []byte
}

// Category is one closed piece of rollback-relevant state.
type Category interface {
	Name() string
	Save() State
	Restore(State) error
}

// Snapshot is a self-contained capture of every registered category.
type Snapshot struct {
	Frame  tick.Frame
	states []State
}

// Valid reports whether the snapshot carries captured state.
func (s Snapshot) Valid() bool {
	return s.states != nil
}

// Registry owns the category list and the checksum scratch buffer. It is not
// safe for concurrent use; the simulation goroutine owns it.
type Registry struct {
	categories []Category
	names      map[string]struct{}
	sealed     bool
	scratch    []byte
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds a category. Registration order fixes checksum order.
func (r *Registry) Register(c Category) error {
	if c == nil {
		return errors.New("snapshot: nil category")
	}
	if r.sealed {
		return fmt.Errorf("register %q: %w", c.Name(), ErrSealed)
	}
	if _, exists := r.names[c.Name()]; exists {
		return fmt.Errorf("register %q: %w", c.Name(), ErrDuplicateCategory)
	}
	r.names[c.Name()] = struct{}{}
	r.categories = append(r.categories, c)
	return nil
}

// MustRegister registers every category, panicking on setup errors.
func (r *Registry) MustRegister(categories ...Category) {
	for _, c := range categories {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Seal prevents further registration.
func (r *Registry) Seal() {
	r.sealed = true
}

// Categories lists registered category names in registration order.
func (r *Registry) Categories() []string {
	names := make([]string, len(r.categories))
	for i, c := range r.categories {
		names[i] = c.Name()
	}
	return names
}

// Save captures every category for frame and seals the registry.
func (r *Registry) Save(frame tick.Frame) Snapshot {
	r.sealed = true
	states := make([]State, len(r.categories))
	for i, c := range r.categories {
		states[i] = c.Save()
	}
	return Snapshot{Frame: frame, states: states}
}

// Restore overwrites every registered category from s. Unregistered state is
// left untouched.
func (r *Registry) Restore(s Snapshot) error {
	if !s.Valid() {
		return ErrEmptySnapshot
	}
	if len(s.states) != len(r.categories) {
		return fmt.Errorf("restore frame %d: %w", s.Frame, ErrForeignSnapshot)
	}
	for i, c := range r.categories {
		if err := c.Restore(s.states[i]); err != nil {
			return fmt.Errorf("restore %q at frame %d: %w", c.Name(), s.Frame, err)
		}
	}
	return nil
}

// Checksum hashes the canonical encoding of every captured category.
func (r *Registry) Checksum(s Snapshot) uint64 {
	digest := xxhash.New()
	var lenBuf [8]byte
	for i, state := range s.states {
		if i < len(r.categories) {
			digest.WriteString(r.categories[i].Name())
		}
		r.scratch = state.AppendState(r.scratch[:0])
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(r.scratch)))
		digest.Write(lenBuf[:])
		digest.Write(r.scratch)
	}
	return digest.Sum64()
}
