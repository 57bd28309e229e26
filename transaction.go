// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"bytes"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/k2io/detours/internal/disasm"
	"github.com/k2io/detours/internal/textmem"
	"github.com/k2io/detours/internal/threadctl"
	"github.com/k2io/detours/internal/trampoline"
)

// readWindow is how much of a target is read to plan its patch.
const readWindow = trampoline.JumpSize + 2*disasm.MaxInstLen

type changeOp uint8

const (
	opAttach changeOp = iota
	opDetach
)

type change struct {
	op   changeOp
	hook *hook
	cell Cell
	// value is what cell is set to on commit
	value cellValue
	// expect is what the target holds when the change is queued, patch
	// is what it holds after commit
	expect []byte
	patch  []byte
}

type transaction struct {
	suspend bool
	changes []*change
	// err is the first Attach or Detach failure
	err error
}

// Begin opens a transaction. With suspendThreads false, Commit patches
// without freezing other threads; a thread executing the patched bytes at
// that moment may crash.
func (e *Engine) Begin(suspendThreads bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.tx != nil {
		return newError("begin", KindAlreadyOpen, 0, "a transaction is already open")
	}
	e.tx = &transaction{suspend: suspendThreads}
	e.logger.Debug("transaction opened", zap.Bool("suspend_threads", suspendThreads))
	return nil
}

// Attach queues a hook that sends calls of the function cell points at to
// detour. Once committed, cell points at the trampoline. A failure leaves
// the transaction open with nothing queued for this call.
func (e *Engine) Attach(cell Cell, detour uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.open("attach")
	if err != nil {
		return err
	}
	return tx.note(e.queueAttach(tx, cell, detour))
}

// Detach queues the removal of the hook whose trampoline cell points at.
func (e *Engine) Detach(cell Cell, detour uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.open("detach")
	if err != nil {
		return err
	}
	if err := cell.valid(); err != nil {
		return tx.note(&Error{Op: "detach", Kind: KindInvalidParameter, Cause: err})
	}
	h, ok := e.byTramp[cell.Code()]
	if !ok {
		return tx.note(newError("detach", KindInvalidState, cell.Code(), "cell does not hold a trampoline"))
	}
	if detour != 0 && e.resolve(detour) != h.detour {
		return tx.note(newError("detach", KindInvalidParameter, h.target, "hook detours to %#x, not %#x", h.detour, detour))
	}
	return tx.note(e.queueDetach(tx, h, cell))
}

// Commit applies every queued change at once. On failure nothing is
// applied and the transaction is closed.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.open("commit")
	if err != nil {
		return err
	}
	e.tx = nil
	if tx.err != nil && e.cfg.Transaction.AbortOnError {
		e.rollback(tx)
		e.logger.Warn("transaction aborted on queued error", zap.Error(tx.err))
		return tx.err
	}
	return e.apply("commit", tx)
}

// Abort drops every queued change. Targets are left untouched and
// trampolines built for queued attaches are freed.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.open("abort")
	if err != nil {
		return err
	}
	e.tx = nil
	e.rollback(tx)
	e.logger.Debug("transaction aborted", zap.Int("changes", len(tx.changes)))
	return nil
}

func (e *Engine) open(op string) (*transaction, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if e.tx == nil {
		return nil, newError(op, KindNotOpen, 0, "no open transaction")
	}
	return e.tx, nil
}

func (tx *transaction) note(err error) error {
	if err != nil && tx.err == nil {
		tx.err = err
	}
	return err
}

// resolve skips jump thunks in front of code.
func (e *Engine) resolve(addr uintptr) uintptr {
	return codeFromPointer(addr)
}

func (e *Engine) queueAttach(tx *transaction, cell Cell, detour uintptr) error {
	const op = "attach"
	if err := cell.valid(); err != nil {
		return &Error{Op: op, Kind: KindInvalidParameter, Cause: err}
	}
	if detour == 0 {
		return newError(op, KindInvalidParameter, 0, "nil detour")
	}
	target := cell.Code()
	if target == 0 {
		return newError(op, KindInvalidParameter, 0, "cell holds no code address")
	}
	if h, ok := e.byTramp[target]; ok {
		return newError(op, KindTargetAlreadyHooked, h.target, "cell already holds a trampoline")
	}
	// a hooked target starts with a jump, so look it up before resolving
	if _, hooked := e.byTarget[target]; !hooked {
		target = e.resolve(target)
	}
	detour = e.resolve(detour)
	if h, ok := e.byTarget[target]; ok {
		if h.state == PendingDetach {
			return newError(op, KindInvalidState, target, "target has a pending detach")
		}
		return newError(op, KindTargetAlreadyHooked, target, "target is %s", h.state)
	}

	code := textmem.Bytes(target, readWindow)
	plan, err := trampoline.NewPlan(code, target, trampoline.JumpSize)
	if err != nil {
		return wrap(op, target, err)
	}
	if plan.StackCheck() {
		e.logger.Debug("target starts with a stack check; stack growth through the trampoline re-enters the detour",
			zap.Uintptr("target", target))
	}
	slot, err := e.alloc.Acquire(target)
	if err != nil {
		return wrap(op, target, err)
	}
	tr, err := trampoline.Build(plan, slot, detour)
	if err != nil {
		if rerr := e.alloc.Release(slot); rerr != nil {
			e.logger.Warn("trampoline release failed", zap.Error(rerr))
		}
		return wrap(op, target, err)
	}

	h := &hook{target: target, detour: detour, tramp: tr, state: PendingAttach}
	e.track(h)
	tx.changes = append(tx.changes, &change{
		op:     opAttach,
		hook:   h,
		cell:   cell,
		value:  cell.prepare(tr.Addr),
		expect: tr.Restore,
		patch:  tr.Patch,
	})
	e.logger.Debug("attach queued",
		zap.Uintptr("target", target),
		zap.Uintptr("detour", detour),
		zap.Uintptr("trampoline", tr.Addr),
		zap.Int("relocated", len(tr.Restore)),
	)
	return nil
}

func (e *Engine) queueDetach(tx *transaction, h *hook, cell Cell) error {
	if h.state != Attached {
		return newError("detach", KindInvalidState, h.target, "hook is %s", h.state)
	}
	h.state = PendingDetach
	tx.changes = append(tx.changes, &change{
		op:     opDetach,
		hook:   h,
		cell:   cell,
		value:  cell.prepare(h.target),
		expect: h.tramp.Patch,
		patch:  h.tramp.Restore,
	})
	e.logger.Debug("detach queued", zap.Uintptr("target", h.target))
	return nil
}

// rollback undoes the bookkeeping of queued changes. Memory is untouched.
func (e *Engine) rollback(tx *transaction) {
	for i := len(tx.changes) - 1; i >= 0; i-- {
		c := tx.changes[i]
		switch c.op {
		case opAttach:
			e.forget(c.hook)
		case opDetach:
			c.hook.state = Attached
		}
	}
	tx.changes = nil
}

// apply runs freeze, patch, thaw for tx. Nothing between Freeze and Resume
// may allocate: with the world stopped an allocation can try to start a GC
// and deadlock.
func (e *Engine) apply(op string, tx *transaction) error {
	if len(tx.changes) == 0 {
		return nil
	}
	for _, c := range tx.changes {
		if !bytes.Equal(textmem.Bytes(c.hook.target, uintptr(len(c.expect))), c.expect) {
			e.rollback(tx)
			return newError(op, KindInvalidState, c.hook.target, "target was modified after the change was queued")
		}
	}

	restores := make([]textmem.Restore, 0, len(tx.changes))
	for _, c := range tx.changes {
		r, err := e.mem.Unprotect(c.hook.target, uintptr(len(c.patch)))
		if err != nil {
			e.reprotect(restores)
			e.rollback(tx)
			return &Error{Op: op, Kind: KindAllocationFailure, Target: c.hook.target, Detail: "code pages not writable", Cause: err}
		}
		restores = append(restores, r)
	}

	var ctl threadctl.Controller = threadctl.Nop{}
	if tx.suspend {
		ctl = e.ctl
	}
	mover := &stackMover{changes: tx.changes}
	visit := mover.visit
	frozen, err := ctl.Freeze()
	if err != nil {
		e.reprotect(restores)
		e.rollback(tx)
		return &Error{Op: op, Kind: KindThreadControlFailure, Detail: "freezing threads", Cause: err}
	}

	threads := frozen.Threads()
	if i := runningThread(threads); i >= 0 {
		e.thaw(tx, frozen, restores)
		err := &Error{Op: op, Kind: KindThreadControlFailure, Detail: "thread kept running", Cause: threadctl.ErrRunning}
		e.logger.Warn("commit rolled back", zap.Int("tid", threads[i].TID), zap.Error(err))
		return err
	}
	stacks, _ := frozen.(threadctl.Stacks)
	if stacks != nil {
		stacks.Walk(visit)
		if mover.bad != 0 {
			e.thaw(tx, frozen, restores)
			err := &Error{Op: op, Kind: KindThreadControlFailure, Detail: "goroutine stopped inside patched code"}
			e.logger.Warn("commit rolled back", zap.Uintptr("pc", mover.bad), zap.Error(err))
			return err
		}
	}
	bad, badPC, setErr := e.relocateThreads(tx, frozen, threads)
	if bad >= 0 {
		e.thaw(tx, frozen, restores)
		err := &Error{Op: op, Kind: KindThreadControlFailure, Detail: "thread stopped inside patched code", Cause: setErr}
		e.logger.Warn("commit rolled back",
			zap.Int("tid", threads[bad].TID),
			zap.Uintptr("pc", badPC),
			zap.Error(err),
		)
		return err
	}
	if stacks != nil {
		mover.move = true
		stacks.Walk(visit)
	}

	for _, c := range tx.changes {
		writePatch(c.hook.target, c.patch)
	}
	for _, c := range tx.changes {
		c.cell.store(c.value)
	}

	resumeErr := frozen.Resume()
	e.reprotect(restores)

	attached, detached := 0, 0
	for _, c := range tx.changes {
		switch c.op {
		case opAttach:
			c.hook.state = Attached
			c.hook.cell = c.cell
			attached++
		case opDetach:
			e.forget(c.hook)
			detached++
		}
	}
	e.logger.Info("transaction committed",
		zap.String("op", op),
		zap.Int("attached", attached),
		zap.Int("detached", detached),
		zap.Int("threads", len(threads)),
		zap.Int("goroutines_moved", mover.moved),
	)
	if resumeErr != nil {
		return &Error{Op: op, Kind: KindThreadControlFailure, Detail: "patches applied but resuming threads failed", Cause: resumeErr}
	}
	return nil
}

// thaw resumes threads and undoes a commit that was not applied.
func (e *Engine) thaw(tx *transaction, frozen threadctl.Frozen, restores []textmem.Restore) {
	if err := frozen.Resume(); err != nil {
		e.logger.Warn("resuming threads failed", zap.Error(err))
	}
	e.reprotect(restores)
	e.rollback(tx)
}

// runningThread returns the index of a thread that was not suspended, or -1.
func runningThread(threads []threadctl.Snapshot) int {
	for i, t := range threads {
		if !t.Self && !t.Known && !t.Exited {
			return i
		}
	}
	return -1
}

// stackMover relocates the pcs parked goroutines resume at. With move
// false it only looks for one that can not be relocated.
type stackMover struct {
	changes []*change
	move    bool
	bad     uintptr
	moved   int
}

func (m *stackMover) visit(slot *uintptr) bool {
	for _, c := range m.changes {
		to, need, ok := relocatePC(c, *slot)
		if !need {
			continue
		}
		if !ok {
			m.bad = *slot
			return false
		}
		if m.move {
			*slot = to
			m.moved++
		}
		return true
	}
	return true
}

// relocateThreads moves every thread stopped inside bytes that are about
// to change. It first checks that every move is possible, then applies
// them. It returns the index of the first thread that could not be moved,
// or -1.
func (e *Engine) relocateThreads(tx *transaction, frozen threadctl.Frozen, threads []threadctl.Snapshot) (int, uintptr, error) {
	for i, t := range threads {
		if t.Self || !t.Known {
			continue
		}
		for _, c := range tx.changes {
			if _, need, ok := relocatePC(c, t.PC); need && !ok {
				return i, t.PC, nil
			}
		}
	}
	for i, t := range threads {
		if t.Self || !t.Known {
			continue
		}
		for _, c := range tx.changes {
			pc, need, _ := relocatePC(c, t.PC)
			if !need {
				continue
			}
			if err := frozen.SetPC(t.TID, pc); err != nil {
				unmoveThreads(tx, frozen, threads[:i])
				return i, t.PC, err
			}
			break
		}
	}
	return -1, 0, nil
}

// unmoveThreads puts back threads relocateThreads already moved.
func unmoveThreads(tx *transaction, frozen threadctl.Frozen, threads []threadctl.Snapshot) {
	for _, t := range threads {
		if t.Self || !t.Known {
			continue
		}
		for _, c := range tx.changes {
			if _, need, _ := relocatePC(c, t.PC); need {
				_ = frozen.SetPC(t.TID, t.PC)
				break
			}
		}
	}
}

// relocatePC maps pc across one change. need reports whether pc is in
// bytes the change rewrites or frees; ok whether an equivalent pc exists.
// A pc at the very entry of a target is left alone: it will run the patch.
func relocatePC(c *change, pc uintptr) (to uintptr, need, ok bool) {
	h := c.hook
	switch c.op {
	case opAttach:
		if pc > h.target && pc < h.target+uintptr(len(c.patch)) {
			to, ok = h.tramp.ToTrampoline(pc)
			return to, true, ok
		}
	case opDetach:
		if h.tramp.ContainsCode(pc) || pc == h.tramp.Relay {
			to, ok = h.tramp.ToTarget(pc)
			return to, true, ok
		}
	}
	return 0, false, false
}

func (e *Engine) reprotect(restores []textmem.Restore) {
	for i := len(restores) - 1; i >= 0; i-- {
		if err := restores[i](); err != nil {
			e.logger.Warn("restoring page protection failed", zap.Error(err))
		}
	}
}

// writePatch writes b over the code at addr. The tail goes first and the
// first word last, in one atomic store when addr is word aligned, so a
// thread that was not frozen sees either the old entry or the new jump.
func writePatch(addr uintptr, b []byte) {
	dst := textmem.Bytes(addr, uintptr(len(b)))
	if addr%8 != 0 {
		copy(dst, b)
		return
	}
	head := len(b)
	if head > 8 {
		head = 8
		copy(dst[8:], b[8:])
	}
	word := textmem.Bytes(addr, 8)
	var next [8]byte
	copy(next[:], word)
	copy(next[:head], b[:head])
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), *(*uint64)(unsafe.Pointer(&next[0])))
}
