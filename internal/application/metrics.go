package application

import "time"

type PoolMetrics interface {
	SetOpenConnections(n int)
	ConnectionEvicted()
}

type FlushMetrics interface {
	FlushCompleted(groups, records, failedGroups int, elapsed time.Duration)
	SetBufferDepth(n int)
}

type IngestMetrics interface {
	MessageBuffered(role string)
	ChunkSent()
	IngestFailed()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) SetOpenConnections(int) {}
func (NopMetrics) ConnectionEvicted() {}
func (NopMetrics) FlushCompleted(int, int, int, time.Duration) {}
func (NopMetrics) SetBufferDepth(int) {}
func (NopMetrics) MessageBuffered(string) {}
func (NopMetrics) ChunkSent() {}
func (NopMetrics) IngestFailed() {}
