package link

import (
	"fmt"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
)

// refLocked and unrefLocked assume l.mu is already held by the caller; the
// exported ref()/unref() acquire it themselves. Both variants exist
// because handler/listener dispatch must release l.mu for the duration of
// the upcall (so a re-entrant call from the handler doesn't deadlock) and
// then re-pin/unpin without taking the lock twice.
func (l *Link) refLocked() {
	l.refcount++
}

func (l *Link) unrefLocked() {
	l.refcount--
	if l.refcount < 0 {
		l.refcount = 0
	}
}

// QueueCell is called by the transport after the handshake completes, for
// every fixed-length cell received. See spec.md section 4.3.
func (l *Link) QueueCell(c *cell.Cell) error {
	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return fmt.Errorf("link %d: queue_cell requires OPEN, got %s", l.id, l.state)
	}
	if l.metrics != nil {
		l.metrics.CellsQueuedInbound.Inc()
	}
	if l.cellHandler != nil && len(l.inbound) == 0 {
		h := l.cellHandler
		l.refLocked()
		l.mu.Unlock()
		h(l, c)
		l.mu.Lock()
		l.unrefLocked()
	} else {
		l.inbound = append(l.inbound, queuedCell{kind: kindFixed, cell: c})
	}
	if l.cellHandler != nil || l.varCellHandler != nil {
		l.processCellsLocked()
	}
	l.mu.Unlock()
	return nil
}

// QueueVarCell is the variable-length-cell counterpart to QueueCell.
func (l *Link) QueueVarCell(c *cell.Cell) error {
	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return fmt.Errorf("link %d: queue_var_cell requires OPEN, got %s", l.id, l.state)
	}
	if l.metrics != nil {
		l.metrics.CellsQueuedInbound.Inc()
	}
	if l.varCellHandler != nil && len(l.inbound) == 0 {
		h := l.varCellHandler
		l.refLocked()
		l.mu.Unlock()
		h(l, c)
		l.mu.Lock()
		l.unrefLocked()
	} else {
		l.inbound = append(l.inbound, queuedCell{kind: kindVar, cell: c})
	}
	if l.cellHandler != nil || l.varCellHandler != nil {
		l.processCellsLocked()
	}
	l.mu.Unlock()
	return nil
}

// processCellsLocked walks the inbound queue in arrival order, delivering
// every entry whose matching handler is currently bound and removing it;
// entries of the other kind are left in place so a head-of-line cell of an
// unbound type never blocks delivery of the other type. Callers must hold
// l.mu; it is released for the duration of each handler invocation and
// re-acquired before returning. l.mu.Unlock() is NOT called by this
// function itself — it returns with the lock held, matching every other
// *Locked helper in this package.
func (l *Link) processCellsLocked() {
	if l.state != StateOpen && l.state != StateMaint && l.state != StateClosing {
		return
	}
	remaining := make([]queuedCell, 0, len(l.inbound))
	for _, qc := range l.inbound {
		var bound bool
		switch qc.kind {
		case kindFixed:
			bound = l.cellHandler != nil
		case kindVar:
			bound = l.varCellHandler != nil
		}
		if !bound {
			remaining = append(remaining, qc)
			continue
		}
		l.refLocked()
		l.mu.Unlock()
		if qc.kind == kindFixed {
			l.cellHandler(l, qc.cell)
		} else {
			l.varCellHandler(l, qc.cell)
		}
		l.mu.Lock()
		l.unrefLocked()
		if l.metrics != nil {
			l.metrics.CellsDeliveredInbound.Inc()
		}
	}
	l.inbound = remaining
}

// SetCellHandler rebinds the fixed-cell upcall. Permitted in OPENING,
// OPEN, and MAINT.
func (l *Link) SetCellHandler(h CellHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpening && l.state != StateOpen && l.state != StateMaint {
		return fmt.Errorf("link %d: set_cell_handler not permitted in %s", l.id, l.state)
	}
	old := l.cellHandler
	l.cellHandler = h
	if sameCellHandler(old, h) {
		return nil
	}
	l.processCellsLocked()
	return nil
}

// SetVarCellHandler rebinds the variable-cell upcall.
func (l *Link) SetVarCellHandler(h VarCellHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpening && l.state != StateOpen && l.state != StateMaint {
		return fmt.Errorf("link %d: set_var_cell_handler not permitted in %s", l.id, l.state)
	}
	old := l.varCellHandler
	l.varCellHandler = h
	if sameVarCellHandler(old, h) {
		return nil
	}
	l.processCellsLocked()
	return nil
}

// sameCellHandler/sameVarCellHandler treat only "both nil" as a no-op
// rebind; any rebind involving a non-nil handler reprocesses the queue
// (function values are not otherwise comparable in Go, so identity of a
// specific closure can't be checked; the practically meaningful no-op case
// is "still unbound").
func sameCellHandler(a, b CellHandler) bool {
	return (a == nil) == (b == nil) && a == nil
}

func sameVarCellHandler(a, b VarCellHandler) bool {
	return (a == nil) == (b == nil) && a == nil
}

// WriteCell enqueues a fixed-length cell for the transport, per spec.md
// section 4.4.
func (l *Link) WriteCell(c *cell.Cell) error {
	return l.writeAny(queuedOutbound{kind: kindFixed, cell: c})
}

// WriteVarCell enqueues a variable-length cell for the transport.
func (l *Link) WriteVarCell(c *cell.Cell) error {
	return l.writeAny(queuedOutbound{kind: kindVar, cell: c})
}

func (l *Link) writeAny(qc queuedOutbound) error {
	l.mu.Lock()
	if l.state != StateOpening && l.state != StateOpen && l.state != StateMaint {
		l.mu.Unlock()
		return fmt.Errorf("link %d: write requires OPENING/OPEN/MAINT, got %s", l.id, l.state)
	}
	if qc.cell.Command != cell.CmdPadding && qc.cell.Command != cell.CmdVPadding {
		l.timestampLastNonpad = time.Now()
	}

	if l.state == StateOpen && len(l.outbound) == 0 {
		fn := l.writerFor(qc.kind)
		l.mu.Unlock()
		if fn == nil {
			return fmt.Errorf("link %d: no transport write hook installed", l.id)
		}
		return fn(qc.cell)
	}

	l.outbound = append(l.outbound, qc)
	scheduleFlush := l.state == StateOpen
	l.mu.Unlock()
	if scheduleFlush {
		return l.FlushCells()
	}
	return nil
}

func (l *Link) writerFor(kind cellKind) func(*cell.Cell) error {
	if kind == kindFixed {
		return l.hooks.writeCell
	}
	return l.hooks.writeVarCell
}

// FlushCells drains the outbound queue to the extent the transport is
// ready, in enqueue order. It stops (leaving the remainder queued) at the
// first write failure.
func (l *Link) FlushCells() error {
	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return nil
	}
	for len(l.outbound) > 0 {
		qc := l.outbound[0]
		fn := l.writerFor(qc.kind)
		l.mu.Unlock()
		if fn == nil {
			return fmt.Errorf("link %d: no transport write hook installed", l.id)
		}
		if err := fn(qc.cell); err != nil {
			return err
		}
		l.mu.Lock()
		l.outbound = l.outbound[1:]
	}
	l.mu.Unlock()
	return nil
}

// drainQueuesLocked is called when the link enters OPEN: it delivers any
// inbound cells queued during handshake-to-open handoff and flushes any
// outbound backlog. Callers must hold l.mu; it releases and re-acquires it
// around the flush.
func (l *Link) drainQueuesLocked() {
	l.processCellsLocked()
	l.mu.Unlock()
	_ = l.FlushCells()
	l.mu.Lock()
}

// SendDestroy synthesizes a DESTROY cell for circID with the given reason
// byte and enqueues it. The reason is not range-checked: unknown values
// pass through to the wire, matching spec.md section 4.4.
func (l *Link) SendDestroy(circID uint32, reason byte) error {
	c := cell.NewCell(circID, cell.CmdDestroy)
	c.Payload = make([]byte, cell.PayloadLen)
	c.Payload[0] = reason
	return l.WriteCell(c)
}
