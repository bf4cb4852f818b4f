// Package simulator synthesizes sensor readings: a bounded random walk per
// (owner, sensor, type) plus a fixed diurnal pattern per sensor type.
package simulator

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/shard"
)

// Diurnal weight bounds applied to the pattern on each step.
const (
	minDiurnalWeight = 0.05
	maxDiurnalWeight = 0.1
)

// Options configures a Generator.
type Options struct {
	// Seed makes walks reproducible. Each key derives its own source from it.
	Seed int64
	// CountPerType is how many sensors of each type an owner gets.
	CountPerType int
	Logger       *slog.Logger
}

type walk struct {
	mu    sync.Mutex
	value float64
	rng   *rand.Rand
}

type ownerStreams struct {
	mu      sync.Mutex
	streams []data.SensorStream
}

// Generator produces readings for every (owner, sensor) pair. It is safe for
// concurrent use; distinct keys never share a lock.
type Generator struct {
	seed         int64
	countPerType int
	walks        *shard.Map[*walk]
	owners       *shard.Map[*ownerStreams]
	logger       *slog.Logger
}

// NewGenerator creates a generator.
func NewGenerator(opts Options) *Generator {
	if opts.CountPerType <= 0 {
		opts.CountPerType = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{
		seed:         opts.Seed,
		countPerType: opts.CountPerType,
		walks:        shard.New[*walk](0),
		owners:       shard.New[*ownerStreams](0),
		logger:       opts.Logger,
	}
}

func walkKey(ownerID int64, sensorID string, t data.SensorType) string {
	return fmt.Sprintf("%d/%s/%s", ownerID, sensorID, t)
}

func (g *Generator) sourceFor(key string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return rand.New(rand.NewSource(g.seed ^ int64(h.Sum64())))
}

// Generate advances the walk for one sensor and returns the new value, which
// always lies within the type's [Min, Max]. Unknown types yield 0.
func (g *Generator) Generate(ownerID int64, sensorID string, t data.SensorType, now time.Time) float64 {
	p, ok := ProfileFor(t)
	if !ok {
		g.logger.Warn("unsupported sensor type", "type", t, "sensor_id", sensorID)
		return 0
	}

	key := walkKey(ownerID, sensorID, t)
	w := g.walks.LoadOrCreate(key, func() *walk {
		return &walk{value: p.Midpoint(), rng: g.sourceFor(key)}
	})

	hour := float64(now.Hour()) + float64(now.Minute())/60

	w.mu.Lock()
	defer w.mu.Unlock()
	step := (w.rng.Float64()*2 - 1) * p.MaxStep
	weight := minDiurnalWeight + w.rng.Float64()*(maxDiurnalWeight-minDiurnalWeight)
	w.value = p.Clamp(w.value + step + Diurnal(t, hour)*weight)
	return w.value
}

// Last returns the current value of a walk without advancing it.
func (g *Generator) Last(ownerID int64, sensorID string, t data.SensorType) (float64, bool) {
	w, ok := g.walks.Load(walkKey(ownerID, sensorID, t))
	if !ok {
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, true
}

// Streams returns the sensor set of an owner, creating it on first use and
// recreating it when its size no longer matches allotment.
func (g *Generator) Streams(ownerID int64, allotment int) []data.SensorStream {
	allotment = g.Capacity(allotment)
	set := g.owners.LoadOrCreate(ownerKey(ownerID), func() *ownerStreams { return &ownerStreams{} })

	set.mu.Lock()
	if set.streams == nil || len(set.streams) != allotment {
		if set.streams != nil {
			g.logger.Info("recreating sensors", "owner_id", ownerID, "have", len(set.streams), "want", allotment)
			g.dropWalks(set.streams)
		}
		set.streams = g.buildStreams(ownerID, allotment)
		g.logger.Info("sensors created", "owner_id", ownerID, "count", len(set.streams))
	}
	out := make([]data.SensorStream, len(set.streams))
	copy(out, set.streams)
	set.mu.Unlock()

	for i := range out {
		if v, ok := g.Last(out[i].OwnerID, out[i].SensorID, out[i].Type); ok {
			out[i].Value = v
		}
	}
	return out
}

// Capacity bounds a requested allotment to what the type catalogue can supply.
func (g *Generator) Capacity(allotment int) int {
	if allotment < 0 {
		return 0
	}
	if max := len(data.SensorTypes) * g.countPerType; allotment > max {
		return max
	}
	return allotment
}

// Forget drops every stream and walk of an owner.
func (g *Generator) Forget(ownerID int64) {
	set, ok := g.owners.Load(ownerKey(ownerID))
	if !ok {
		return
	}
	set.mu.Lock()
	g.dropWalks(set.streams)
	set.streams = nil
	set.mu.Unlock()
	g.owners.Delete(ownerKey(ownerID))
}

func (g *Generator) dropWalks(streams []data.SensorStream) {
	for _, s := range streams {
		g.walks.Delete(walkKey(s.OwnerID, s.SensorID, s.Type))
	}
}

func (g *Generator) buildStreams(ownerID int64, allotment int) []data.SensorStream {
	streams := make([]data.SensorStream, 0, allotment)
	for _, t := range data.SensorTypes {
		if len(streams) >= allotment {
			break
		}
		p, _ := ProfileFor(t)
		n := g.countPerType
		if rest := allotment - len(streams); n > rest {
			n = rest
		}
		for i := 1; i <= n; i++ {
			streams = append(streams, data.SensorStream{
				OwnerID:    ownerID,
				SensorID:   fmt.Sprintf("%d_%s_%d", ownerID, t, i),
				Type:       t,
				Unit:       p.Unit,
				LocationID: fmt.Sprintf("location_%d_%d", ownerID, i%3+1),
				DeviceID:   fmt.Sprintf("device_%d_%d", ownerID, i),
				Value:      p.Midpoint(),
			})
		}
	}
	return streams
}

func ownerKey(ownerID int64) string { return strconv.FormatInt(ownerID, 10) }
