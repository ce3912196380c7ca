// Package txn serializes protocol mutations and makes them all-or-nothing.
//
// Every state holder touched by an operation enlists in the transaction and
// hands back a restore function. Transfers of custody are deferred until the
// operation body succeeds and are compensated in reverse if a later transfer
// fails. Arithmetic faults raised as panics by internal/math are recovered
// and turned into errors after rollback.
package txn

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	fpmath "CreditLedger/internal/math"

	"github.com/facebookgo/clock"
)

var ErrReentrancy = errors.New("txn: reentrant call")

// Participant is any state holder that can snapshot itself.
type Participant interface {
	// Checkpoint captures the current state and returns a function that
	// restores it.
	Checkpoint() func()
}

type effect struct {
	apply func() error
	undo  func()
}

// Manager is the single-writer gate. Cross-component calls take the *Tx
// explicitly; a collaborator that calls back into Do or View from the
// goroutine already holding the gate gets ErrReentrancy.
type Manager struct {
	mu    sync.Mutex
	owner atomic.Uint64 // goroutine holding mu, 0 when free
	clock clock.Clock
}

func NewManager(c clock.Clock) *Manager {
	if c == nil {
		c = clock.New()
	}
	return &Manager{clock: c}
}

func (m *Manager) Clock() clock.Clock {
	return m.clock
}

// Do runs fn atomically. The clock is read once; every step of the
// operation sees the same timestamp.
func (m *Manager) Do(fn func(tx *Tx) error) (err error) {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	tx := &Tx{
		now:      unix(m.clock),
		enlisted: make(map[Participant]struct{}),
		entered:  make(map[string]struct{}),
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		tx.rollback()
		if e, ok := r.(error); ok && errors.Is(e, fpmath.ErrArithmetic) {
			err = e
			return
		}
		panic(r)
	}()

	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err = tx.settle(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View runs read-only fn under the writer lock.
func (m *Manager) View(fn func(now uint64) error) (err error) {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, fpmath.ErrArithmetic) {
				err = e
				return
			}
			panic(r)
		}
	}()
	return fn(unix(m.clock))
}

func (m *Manager) acquire() (func(), error) {
	gid := goroutineID()
	if m.owner.Load() == gid {
		return nil, fmt.Errorf("%w: manager", ErrReentrancy)
	}
	m.mu.Lock()
	m.owner.Store(gid)
	return func() {
		m.owner.Store(0)
		m.mu.Unlock()
	}, nil
}

// goroutineID parses the id out of the "goroutine N [state]:" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("txn: unreadable goroutine header %q", buf[:n]))
	}
	return id
}

func unix(c clock.Clock) uint64 {
	ts := c.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// Tx is one in-flight operation.
type Tx struct {
	now      uint64
	enlisted map[Participant]struct{}
	restores []func()
	effects  []effect
	entered  map[string]struct{}
}

// Now is the operation timestamp in unix seconds.
func (tx *Tx) Now() uint64 {
	return tx.now
}

// Enlist checkpoints p the first time it is touched in this transaction.
func (tx *Tx) Enlist(p Participant) {
	if _, ok := tx.enlisted[p]; ok {
		return
	}
	tx.enlisted[p] = struct{}{}
	tx.restores = append(tx.restores, p.Checkpoint())
}

// Enter marks key as busy until the returned release is called. A second
// Enter on the same key fails with ErrReentrancy.
func (tx *Tx) Enter(key string) (func(), error) {
	if _, busy := tx.entered[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrReentrancy, key)
	}
	tx.entered[key] = struct{}{}
	return func() { delete(tx.entered, key) }, nil
}

// OnCommit defers apply until the operation body has succeeded. If apply
// or a later deferred effect fails, undo runs for every applied effect in
// reverse order.
func (tx *Tx) OnCommit(apply func() error, undo func()) {
	tx.effects = append(tx.effects, effect{apply: apply, undo: undo})
}

func (tx *Tx) settle() error {
	for i, e := range tx.effects {
		if err := e.apply(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if tx.effects[j].undo != nil {
					tx.effects[j].undo()
				}
			}
			return err
		}
	}
	return nil
}

func (tx *Tx) rollback() {
	for i := len(tx.restores) - 1; i >= 0; i-- {
		tx.restores[i]()
	}
	tx.restores = nil
	tx.effects = nil
}
