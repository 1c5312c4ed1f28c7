package pool

import (
	"time"

	"github.com/kelden/warden/pkg/types"
)

// emit appends an event to the emitter queue. It only takes the
// emitter mutex and a non-blocking channel send, so it is safe to call
// while holding the pool mutex; ordering of the audit trail matches
// the order transitions were decided under the lock.
func (p *Pool) emit(name string, payload map[string]interface{}) {
	ev := types.Event{
		Name:    name,
		Time:    time.Now(),
		Payload: payload,
	}
	p.emu.Lock()
	p.equeue = append(p.equeue, ev)
	p.emu.Unlock()

	select {
	case p.enotify <- struct{}{}:
	default:
	}
}

// emitLoop is the single goroutine that fans events out to subscribers
// and the audit log. It drains the queue completely before exiting so
// shutdown never truncates the trail.
func (p *Pool) emitLoop() {
	defer close(p.emitterStopped)
	for {
		select {
		case <-p.enotify:
			p.drainEvents()
		case <-p.estop:
			p.drainEvents()
			return
		}
	}
}

func (p *Pool) drainEvents() {
	for {
		p.emu.Lock()
		if len(p.equeue) == 0 {
			p.emu.Unlock()
			return
		}
		batch := p.equeue
		p.equeue = nil
		p.emu.Unlock()

		for _, ev := range batch {
			p.deliver(ev)
		}
	}
}

func (p *Pool) deliver(ev types.Event) {
	p.subMu.Lock()
	subs := p.subs
	p.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}

	// Audit every event except the audit confirmations themselves.
	if p.auditLog == nil || ev.Name == types.EventAuditEntry {
		return
	}
	entry, err := p.auditLog.Record(ev.Name, ev.Payload)
	if err != nil {
		p.log.LogError(err, "writing audit entry")
		return
	}
	p.emit(types.EventAuditEntry, map[string]interface{}{
		"entry_id": entry.ID,
		"event":    ev.Name,
	})
}
