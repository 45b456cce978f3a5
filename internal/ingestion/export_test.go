package ingestion

// HeldLocks reports how many document locks are currently tracked.
func (p *Processor) HeldLocks() int {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	return len(p.locks)
}
