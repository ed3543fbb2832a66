package capture

import (
	"context"
	"crypto/md5"
	"errors"
	"sync"
	"time"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/clock"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/stream"
	"go.uber.org/zap"
)

// Sender is the part of the session stream the pump drives.
type Sender interface {
	SendFrame(payload string) error
}

type PumpConfig struct {
	Interval time.Duration

	// SkipDuplicates drops a frame identical to the one sent before it.
	SkipDuplicates bool
}

type PumpStats struct {
	Ticks        int64 `json:"ticks"`
	Sent         int64 `json:"sent"`
	Skipped      int64 `json:"skipped"`
	Duplicates   int64 `json:"duplicates"`
	SourceErrors int64 `json:"source_errors"`
}

// Pump offers one frame per tick to the stream whatever its state; the
// stream decides whether the frame goes out.
type Pump struct {
	source Source
	sender Sender
	clock  clock.Clock
	config PumpConfig
	logger *zap.Logger

	mu       sync.Mutex
	stats    PumpStats
	lastHash [md5.Size]byte
	hasLast  bool
	offline  bool
}

func NewPump(source Source, sender Sender, clk clock.Clock, config PumpConfig, logger *zap.Logger) *Pump {
	if config.Interval <= 0 {
		config.Interval = 200 * time.Millisecond
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		source: source,
		sender: sender,
		clock:  clk,
		config: config,
		logger: logger,
	}
}

// Run pumps frames until ctx is done.
func (p *Pump) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Info("Frame pump started", zap.Duration("interval", p.config.Interval))
	defer p.logger.Info("Frame pump stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pump) tick() {
	payload, err := p.source.Next()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Ticks++

	if err != nil {
		p.stats.SourceErrors++
		p.logger.Warn("Failed to read frame", zap.Error(err))
		return
	}

	hash := md5.Sum([]byte(payload))
	if p.config.SkipDuplicates && p.hasLast && hash == p.lastHash {
		p.stats.Duplicates++
		return
	}

	if err := p.sender.SendFrame(payload); err != nil {
		p.stats.Skipped++
		if errors.Is(err, stream.ErrNotConnected) {
			if !p.offline {
				p.logger.Warn("Stream not connected, frames are being dropped")
			}
			p.offline = true
			return
		}
		p.logger.Warn("Failed to send frame", zap.Error(err))
		return
	}

	if p.offline {
		p.logger.Info("Stream accepting frames again", zap.Int64("skipped", p.stats.Skipped))
		p.offline = false
	}
	p.stats.Sent++
	p.lastHash = hash
	p.hasLast = true
}

func (p *Pump) Stats() PumpStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pump) Config() PumpConfig {
	return p.config
}
