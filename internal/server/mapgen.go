package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"

	"github.com/voxeld-project/voxeld/internal/util"
	"github.com/voxeld-project/voxeld/internal/world"
)

const (
	// MapFragmentSize is the largest MapData payload.
	MapFragmentSize = 4096
	// mapQueueLimit is how many generated bytes may wait for the network
	// before the generator pauses.
	mapQueueLimit = 1 << 20
	// maxQueueWait caps the pause between checks of a full queue.
	maxQueueWait = 100 * time.Millisecond

	MinMapQuality = 20
	MaxMapQuality = 100
)

// GeneratorResult is the outcome of a map generation run.
type GeneratorResult int

const (
	GeneratorRunning GeneratorResult = iota
	GeneratorCompleted
	GeneratorAborted
	GeneratorFailed
)

var generatorResultStrings = map[GeneratorResult]string{
	GeneratorRunning:   "running",
	GeneratorCompleted: "completed",
	GeneratorAborted:   "aborted",
	GeneratorFailed:    "failed",
}

// String returns the string representation of GeneratorResult.
func (r GeneratorResult) String() string {
	if str, ok := generatorResultStrings[r]; ok {
		return str
	}
	return "unknown"
}

// ClampQuality limits a requested map quality to the supported range.
func ClampQuality(q int) int {
	return min(max(q, MinMapQuality), MaxMapQuality)
}

// QualityLevel maps a map quality to a zlib compression level, 20 -> 1 and 100 -> 9.
func QualityLevel(q int) int {
	q = ClampQuality(q)
	return 1 + (q-MinMapQuality)*8/(MaxMapQuality-MinMapQuality)
}

// MapGenerator serializes a terrain snapshot on a background goroutine into
// a bounded queue that the owning connection drains one fragment at a time.
type MapGenerator struct {
	snapshot *world.GameMap
	level    int
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	started  bool
	queue    []byte
	produced int64
	sent     int64
	result   GeneratorResult
	err      error

	logger zerolog.Logger
}

// NewMapGenerator creates a generator for snapshot. snapshot must not be
// written to; use GameMap.Snapshot.
func NewMapGenerator(snapshot *world.GameMap, quality int) *MapGenerator {
	ctx, cancel := context.WithCancel(context.Background())
	return &MapGenerator{
		snapshot: snapshot,
		level:    QualityLevel(quality),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   util.ComponentLogger("mapgen"),
	}
}

// Start begins serialization in the background. It returns immediately.
func (g *MapGenerator) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	go g.run()
}

// Abort asks the background task to stop at its next write.
func (g *MapGenerator) Abort() {
	g.cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		g.started = true
		g.result = GeneratorAborted
		close(g.done)
	}
}

// Wait blocks until the background task has finished and returns its result.
func (g *MapGenerator) Wait() GeneratorResult {
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result
}

// Result returns the current state and the failure cause, if any.
func (g *MapGenerator) Result() (GeneratorResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.err
}

// Progress returns the number of bytes generated and handed out so far.
func (g *MapGenerator) Progress() (produced, sent int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.produced, g.sent
}

// SendAvailableBlock pops up to MapFragmentSize queued bytes and passes them
// to send. It returns true once generation has completed and every byte was
// handed out.
func (g *MapGenerator) SendAvailableBlock(send func(fragment []byte)) bool {
	g.mu.Lock()
	n := min(len(g.queue), MapFragmentSize)
	var fragment []byte
	if n > 0 {
		fragment = make([]byte, n)
		copy(fragment, g.queue)
		g.queue = g.queue[n:]
		if len(g.queue) == 0 {
			g.queue = nil
		}
		g.sent += int64(n)
	}
	finished := g.result == GeneratorCompleted && len(g.queue) == 0
	g.mu.Unlock()

	if fragment != nil {
		send(fragment)
	}
	return finished
}

func (g *MapGenerator) run() {
	start := time.Now()
	result, err := g.generate()

	g.mu.Lock()
	g.result = result
	g.err = err
	produced := g.produced
	g.mu.Unlock()
	close(g.done)

	ev := g.logger.Debug()
	if result == GeneratorFailed {
		ev = g.logger.Error().Err(err)
	}
	ev.Str("result", result.String()).
		Int64("bytes", produced).
		Int("level", g.level).
		Dur("elapsed", time.Since(start)).
		Msg("map generation finished")
}

func (g *MapGenerator) generate() (result GeneratorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = GeneratorFailed, fmt.Errorf("map generator panicked: %v", r)
		}
	}()

	zw, err := zlib.NewWriterLevel(&queueWriter{g: g}, g.level)
	if err != nil {
		return GeneratorFailed, fmt.Errorf("failed to create compressor: %w", err)
	}
	if err := world.EncodeTerrain(g.ctx, zw, g.snapshot); err != nil {
		return classify(err)
	}
	if err := zw.Close(); err != nil {
		return classify(err)
	}
	return GeneratorCompleted, nil
}

func classify(err error) (GeneratorResult, error) {
	if errors.Is(err, context.Canceled) {
		return GeneratorAborted, nil
	}
	return GeneratorFailed, err
}

// queueWriter appends to the generator queue, pausing while it is over the
// limit and failing once the generator is aborted.
type queueWriter struct {
	g *MapGenerator
}

func (w *queueWriter) Write(p []byte) (int, error) {
	g := w.g
	wait := 5 * time.Millisecond
	for {
		if err := g.ctx.Err(); err != nil {
			return 0, err
		}

		g.mu.Lock()
		if len(g.queue) <= mapQueueLimit {
			g.queue = append(g.queue, p...)
			g.produced += int64(len(p))
			g.mu.Unlock()
			return len(p), nil
		}
		g.mu.Unlock()

		select {
		case <-g.ctx.Done():
			return 0, g.ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, maxQueueWait)
	}
}
