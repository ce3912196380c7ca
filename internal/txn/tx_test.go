package txn

import (
	"errors"
	"testing"
	"time"

	fpmath "CreditLedger/internal/math"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	value int
}

func (c *counter) Checkpoint() func() {
	saved := c.value
	return func() { c.value = saved }
}

func newManager() (*Manager, *clock.Mock) {
	mock := clock.NewMock()
	setClock(mock, time.Unix(1_000, 0))
	return NewManager(mock), mock
}

func TestDoCommits(t *testing.T) {
	m, _ := newManager()
	c := &counter{}
	applied := false

	err := m.Do(func(tx *Tx) error {
		assert.Equal(t, uint64(1_000), tx.Now())
		tx.Enlist(c)
		c.value = 5
		tx.OnCommit(func() error { applied = true; return nil }, nil)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, c.value)
	assert.True(t, applied)
}

func TestDoRollsBackOnError(t *testing.T) {
	m, _ := newManager()
	c := &counter{value: 1}
	boom := errors.New("boom")
	applied := false

	err := m.Do(func(tx *Tx) error {
		tx.Enlist(c)
		c.value = 2
		tx.Enlist(c)
		c.value = 3
		tx.OnCommit(func() error { applied = true; return nil }, nil)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.value)
	assert.False(t, applied)
}

func TestDoRecoversArithmeticPanic(t *testing.T) {
	m, _ := newManager()
	c := &counter{value: 7}

	err := m.Do(func(tx *Tx) error {
		tx.Enlist(c)
		c.value = 8
		fpmath.Sub(fpmath.N(1), fpmath.N(2))
		return nil
	})
	assert.ErrorIs(t, err, fpmath.ErrArithmetic)
	assert.Equal(t, 7, c.value)
}

func TestDoRepanicsOnOtherPanics(t *testing.T) {
	m, _ := newManager()
	c := &counter{value: 7}
	assert.Panics(t, func() {
		_ = m.Do(func(tx *Tx) error {
			tx.Enlist(c)
			c.value = 8
			panic("unexpected")
		})
	})
	assert.Equal(t, 7, c.value)

	// The lock is released after the panic.
	require.NoError(t, m.Do(func(tx *Tx) error { return nil }))
}

func TestSettlementFailureCompensates(t *testing.T) {
	m, _ := newManager()
	c := &counter{}
	var log []string
	boom := errors.New("transfer failed")

	err := m.Do(func(tx *Tx) error {
		tx.Enlist(c)
		c.value = 9
		tx.OnCommit(
			func() error { log = append(log, "apply-1"); return nil },
			func() { log = append(log, "undo-1") },
		)
		tx.OnCommit(
			func() error { log = append(log, "apply-2"); return nil },
			func() { log = append(log, "undo-2") },
		)
		tx.OnCommit(func() error { return boom }, func() { log = append(log, "undo-3") })
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.value)
	assert.Equal(t, []string{"apply-1", "apply-2", "undo-2", "undo-1"}, log)
}

func TestEnterRejectsReentry(t *testing.T) {
	m, _ := newManager()
	err := m.Do(func(tx *Tx) error {
		release, err := tx.Enter("market:USDC")
		require.NoError(t, err)

		_, err = tx.Enter("market:USDC")
		assert.ErrorIs(t, err, ErrReentrancy)

		_, err = tx.Enter("market:WETH")
		assert.NoError(t, err)

		release()
		_, err = tx.Enter("market:USDC")
		return err
	})
	assert.NoError(t, err)
}

func TestDoRejectsNestedCalls(t *testing.T) {
	m, _ := newManager()
	c := &counter{}

	err := m.Do(func(tx *Tx) error {
		tx.Enlist(c)
		c.value = 1
		return m.Do(func(*Tx) error { return nil })
	})
	assert.ErrorIs(t, err, ErrReentrancy)
	assert.Equal(t, 0, c.value)

	err = m.Do(func(tx *Tx) error {
		return m.View(func(uint64) error { return nil })
	})
	assert.ErrorIs(t, err, ErrReentrancy)

	// The gate is free again afterwards.
	require.NoError(t, m.Do(func(*Tx) error { return nil }))
}

func TestDoRejectsCallsFromSettlement(t *testing.T) {
	m, _ := newManager()
	var inner error

	err := m.Do(func(tx *Tx) error {
		tx.OnCommit(func() error {
			inner = m.Do(func(*Tx) error { return nil })
			return inner
		}, nil)
		return nil
	})
	assert.ErrorIs(t, inner, ErrReentrancy)
	assert.ErrorIs(t, err, ErrReentrancy)
}

func TestDoSerializesOtherGoroutines(t *testing.T) {
	m, _ := newManager()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- m.Do(func(*Tx) error {
			close(entered)
			<-proceed
			return nil
		})
	}()
	<-entered

	other := make(chan error, 1)
	go func() { other <- m.Do(func(*Tx) error { return nil }) }()
	select {
	case err := <-other:
		t.Fatalf("second writer ran while the gate was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	require.NoError(t, <-done)
	require.NoError(t, <-other)
}

func TestViewUsesClock(t *testing.T) {
	m, mock := newManager()
	mock.Add(5 * time.Second)
	err := m.View(func(now uint64) error {
		assert.Equal(t, uint64(1_005), now)
		return nil
	})
	require.NoError(t, err)
}

// setClock moves clk to at. The mock only moves by offsets.
func setClock(clk *clock.Mock, at time.Time) {
	clk.Add(at.Sub(clk.Now()))
}
