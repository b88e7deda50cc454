// Package contextmgr estimates context usage and compacts conversations
// that approach a model's context window.
package contextmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/martinemde/sage/unifiedllm"
)

// Stats accumulates compaction activity for one Manager.
type Stats struct {
	TotalCompactions       int       `json:"total_compactions"`
	TotalTokensSaved       int       `json:"total_tokens_saved"`
	TotalMessagesCompacted int       `json:"total_messages_compacted"`
	Skipped                int       `json:"skipped"`
	LastCompaction         time.Time `json:"last_compaction,omitzero"`
	LastCompactID          string    `json:"last_compact_id,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer sets the summarizer used for compaction.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager keeps the message list sent to a provider inside its context
// window.
type Manager struct {
	cfg        Config
	est        Estimator
	summarizer Summarizer
	logger     *slog.Logger
	compactor  *Compactor

	mu    sync.Mutex
	stats Stats
}

// New creates a Manager.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, est: Estimator{CharsPerToken: cfg.CharsPerToken}}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.compactor = NewCompactor(cfg, m.summarizer, m.logger)
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// ThresholdTokens is the estimate at which Prepare compacts.
func (m *Manager) ThresholdTokens() int { return m.cfg.ThresholdTokens() }

// Estimate measures msgs plus tool schemas.
func (m *Manager) Estimate(msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition) Usage {
	current := m.est.Request(msgs, tools)
	u := Usage{
		CurrentTokens:   current,
		MaxTokens:       m.cfg.MaxContextTokens,
		ThresholdTokens: m.cfg.ThresholdTokens(),
		MessageCount:    len(msgs),
	}
	if u.MaxTokens > 0 {
		u.Percentage = float64(current) / float64(u.MaxTokens) * 100
	}
	u.ApproachingLimit = current >= u.ThresholdTokens
	u.OverLimit = current >= u.MaxTokens
	return u
}

// NeedsCompaction reports whether Prepare would compact.
func (m *Manager) NeedsCompaction(msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition) bool {
	return m.cfg.Enabled && m.Estimate(msgs, tools).ApproachingLimit
}

// Prepare returns the messages to send for the next provider call,
// compacting first when the estimate has reached the threshold.
func (m *Manager) Prepare(ctx context.Context, msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition) ([]unifiedllm.Message, CompactResult, error) {
	if !m.NeedsCompaction(msgs, tools) {
		tokens := m.est.Request(msgs, tools)
		return msgs, CompactResult{
			MessagesBefore: len(msgs),
			MessagesAfter:  len(msgs),
			TokensBefore:   tokens,
			TokensAfter:    tokens,
		}, nil
	}
	return m.compact(ctx, msgs, tools, "")
}

// ForceCompact compacts regardless of the threshold. It is used after a
// provider reports a context overflow.
func (m *Manager) ForceCompact(ctx context.Context, msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition) ([]unifiedllm.Message, CompactResult, error) {
	return m.compact(ctx, msgs, tools, "")
}

// CompactWithInstructions compacts with extra guidance appended to the
// summarization prompt.
func (m *Manager) CompactWithInstructions(ctx context.Context, msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition, instructions string) ([]unifiedllm.Message, CompactResult, error) {
	return m.compact(ctx, msgs, tools, instructions)
}

func (m *Manager) compact(ctx context.Context, msgs []unifiedllm.Message, tools []unifiedllm.ToolDefinition, instructions string) ([]unifiedllm.Message, CompactResult, error) {
	overhead := m.est.Tools(tools) + requestOverhead
	out, res, err := m.compactor.Compact(ctx, msgs, overhead, instructions)
	if err != nil {
		return nil, res, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !res.WasCompacted {
		m.stats.Skipped++
		return out, res, nil
	}
	m.stats.TotalCompactions++
	m.stats.TotalTokensSaved += res.TokensSaved()
	m.stats.TotalMessagesCompacted += res.MessagesCompacted
	m.stats.LastCompaction = res.CompactedAt
	m.stats.LastCompactID = res.CompactID
	compactionsTotal.WithLabelValues(res.Mode).Inc()
	compactionTokensSaved.Add(float64(res.TokensSaved()))
	return out, res, nil
}

// Stats returns a copy of the accumulated statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
