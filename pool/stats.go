package pool

// PoolStats is a point-in-time observability snapshot. It is not a wire
// protocol; cmd/poolctl prints it, but nothing in this module serializes
// it.
type PoolStats struct {
	MinWorkers int
	MaxWorkers int
	// CoreWorkers is the pool's current live worker count (what the spec
	// calls num_threads).
	CoreWorkers int
	QueuedTasks int

	TaskSubmitCount int64
	RejectedCount   int64
	Completed       int64
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() PoolStats {
	p.slotsMu.Lock()
	core := p.numThreads
	p.slotsMu.Unlock()

	return PoolStats{
		MinWorkers:      p.settings.MinThreads,
		MaxWorkers:      p.settings.MaxThreads,
		CoreWorkers:     core,
		QueuedTasks:     p.channel.len(),
		TaskSubmitCount: p.submitCount.Load(),
		RejectedCount:   p.rejectedCount.Load(),
		Completed:       p.completedCount.Load(),
	}
}
