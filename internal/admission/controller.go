package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"matchscope/internal/config"
	"matchscope/internal/logging"
	"matchscope/internal/stage"
)

// Snapshot is one sample of host resources. Fields whose Known flag is false
// could not be measured on this platform and are not checked.
type Snapshot struct {
	FreeMemoryMiB float64
	MemoryKnown   bool
	LoadAverage1  float64
	LoadKnown     bool
	FreeDiskGiB   float64
	DiskKnown     bool
}

// Sampler measures host resources.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// Decision explains an admission result.
type Decision struct {
	Allowed  bool
	Reason   string
	InFlight int
	Snapshot Snapshot
}

// Ticket holds an admitted heavy slot until released. Releasing twice is safe.
type Ticket struct {
	release func()
	once    sync.Once
}

// Release returns the slot to the controller.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Controller gates heavy stages on host headroom and a heavy-slot limit.
type Controller struct {
	cfg     config.Admission
	sampler Sampler
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight int
}

// New constructs a Controller from the admission thresholds.
func New(cfg config.Admission, sampler Sampler, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		sampler: sampler,
		logger:  logging.NewComponentLogger(logger, "admission"),
	}
}

// TryAdmit asks to start a stage of class. Light stages are always admitted
// without occupying a slot. A heavy admission returns a ticket that must be
// released when the stage finishes; a denial returns nil.
func (c *Controller) TryAdmit(ctx context.Context, class stage.Class) (*Ticket, Decision) {
	if class != stage.ClassHeavy {
		return &Ticket{}, Decision{Allowed: true}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	decision := Decision{InFlight: c.inFlight}
	if c.inFlight >= c.cfg.MaxHeavyStages {
		decision.Reason = fmt.Sprintf("heavy stage slots exhausted (%d/%d)", c.inFlight, c.cfg.MaxHeavyStages)
		return nil, decision
	}

	if c.sampler != nil && c.thresholdsEnabled() {
		snap, err := c.sampler.Sample(ctx)
		if err != nil {
			decision.Reason = fmt.Sprintf("resource sample failed: %v", err)
			return nil, decision
		}
		decision.Snapshot = snap
		if reasons := c.evaluate(snap); len(reasons) > 0 {
			decision.Reason = strings.Join(reasons, "; ")
			c.logger.Debug("heavy stage denied",
				logging.String("reason", decision.Reason),
				logging.Float64("free_memory_mib", snap.FreeMemoryMiB),
				logging.Float64("load_average", snap.LoadAverage1),
				logging.Float64("free_disk_gib", snap.FreeDiskGiB),
			)
			return nil, decision
		}
	}

	c.inFlight++
	decision.Allowed = true
	decision.InFlight = c.inFlight
	return &Ticket{release: c.release}, decision
}

// InFlight returns the number of admitted heavy stages still running.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

func (c *Controller) thresholdsEnabled() bool {
	return c.cfg.MinFreeMemoryMiB > 0 || c.cfg.MaxLoadAverage > 0 || c.cfg.MinFreeDiskGiB > 0
}

func (c *Controller) evaluate(snap Snapshot) []string {
	var reasons []string
	if c.cfg.MinFreeMemoryMiB > 0 && snap.MemoryKnown && snap.FreeMemoryMiB < float64(c.cfg.MinFreeMemoryMiB) {
		reasons = append(reasons, fmt.Sprintf("free memory %.0f MiB below %d MiB", snap.FreeMemoryMiB, c.cfg.MinFreeMemoryMiB))
	}
	if c.cfg.MaxLoadAverage > 0 && snap.LoadKnown && snap.LoadAverage1 > c.cfg.MaxLoadAverage {
		reasons = append(reasons, fmt.Sprintf("load average %.2f above %.2f", snap.LoadAverage1, c.cfg.MaxLoadAverage))
	}
	if c.cfg.MinFreeDiskGiB > 0 && snap.DiskKnown && snap.FreeDiskGiB < c.cfg.MinFreeDiskGiB {
		reasons = append(reasons, fmt.Sprintf("free disk %.1f GiB below %.1f GiB", snap.FreeDiskGiB, c.cfg.MinFreeDiskGiB))
	}
	return reasons
}
