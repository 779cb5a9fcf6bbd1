package tasks

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/internal/pools"
	"github.com/httprunner/ComputePool/internal/registry"
	"github.com/httprunner/ComputePool/internal/signaling"
	"github.com/httprunner/ComputePool/pkg/protocol"
)

var (
	ErrRequirementsNotMet  = errors.New("Device does not meet task requirements")
	ErrAssignmentThrottled = errors.New("Task assignment limit reached")
	ErrInvalidTask         = errors.New("Invalid task")
	ErrTaskNotFound        = errors.New("Task not awaiting validation")
	ErrNotValidator        = errors.New("Device is not a validator for this task")
)

const defaultTallyTTL = 10 * time.Minute

type Devices interface {
	Get(id string) (registry.Device, bool)
	UpdateStats(id string, delta registry.StatsDelta) (registry.Stats, bool)
}

type Pools interface {
	Info(poolID string) (pools.Summary, bool)
	Members(poolID string) []string
	UpdateStats(poolID string, delta pools.StatsDelta) (pools.Stats, error)
}

// Sender is satisfied by *signaling.Directory.
type Sender interface {
	Send(id string, env protocol.Envelope) error
	Broadcast(ids []string, env protocol.Envelope) int
}

type Config struct {
	// AssignLimit caps assignments per device within AssignWindow; 0 disables.
	AssignLimit  int
	AssignWindow time.Duration
	TallyTTL     time.Duration
	Clock        func() time.Time
}

// Completion summarises the side effects of one task:complete.
type Completion struct {
	PoolID      string
	DeviceStats registry.Stats
	PoolStats   pools.Stats
	Validators  []string
}

// tally collects verdicts on one submitted result. Verdicts are advisory:
// earnings are credited at completion and never withdrawn.
type tally struct {
	taskID     string
	deviceID   string
	poolID     string
	threshold  float64
	validators map[string]struct{}
	votes      map[string]bool
	createdAt  time.Time
}

// Coordinator routes task assignments and result broadcasts. It never looks
// inside task payloads or results.
type Coordinator struct {
	devices Devices
	pools   Pools
	out     Sender
	limiter *assignmentLimiter
	ttl     time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	tallies map[string]*tally
}

func NewCoordinator(devices Devices, pools Pools, out Sender, cfg Config) *Coordinator {
	ttl := cfg.TallyTTL
	if ttl <= 0 {
		ttl = defaultTallyTTL
	}
	return &Coordinator{
		devices: devices,
		pools:   pools,
		out:     out,
		limiter: newAssignmentLimiter(cfg.AssignLimit, cfg.AssignWindow),
		ttl:     ttl,
		clock:   cfg.Clock,
		tallies: make(map[string]*tally),
	}
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// MeetsRequirements compares declared capabilities with the task minimums.
func MeetsRequirements(profile registry.Profile, req protocol.Requirements) bool {
	if req.MinCores > 0 && profile.Cores() < req.MinCores {
		return false
	}
	if req.MinMemoryGB > 0 && profile.MemoryGB() < req.MinMemoryGB {
		return false
	}
	if req.RequiresGPU && !profile.HasGPU() {
		return false
	}
	return true
}

// Assign notifies deviceID that it has been handed task.
func (c *Coordinator) Assign(task protocol.Task, deviceID string) error {
	if strings.TrimSpace(task.TaskID) == "" {
		return errors.Wrap(ErrInvalidTask, "task id is empty")
	}
	dev, ok := c.devices.Get(deviceID)
	if !ok {
		return errors.Wrapf(signaling.ErrPeerUnreachable, "assign %s: device %s not connected", task.TaskID, deviceID)
	}
	if !MeetsRequirements(dev.Profile, task.Requirements) {
		return errors.Wrapf(ErrRequirementsNotMet, "assign %s to %s", task.TaskID, deviceID)
	}
	now := c.now()
	if c.limiter.remaining(deviceID, now) <= 0 {
		return errors.Wrapf(ErrAssignmentThrottled, "assign %s to %s", task.TaskID, deviceID)
	}
	if err := c.out.Send(deviceID, protocol.New(protocol.EventTaskAssign, protocol.TaskAssign{Task: task})); err != nil {
		return errors.Wrapf(err, "assign %s", task.TaskID)
	}
	count := c.limiter.record(deviceID, now)
	log.Info().
		Str("task_id", task.TaskID).
		Str("task_type", task.Type).
		Str("device_id", deviceID).
		Int("window_assignments", count).
		Msg("task assigned")
	return nil
}

// Complete credits the device and its pool, then broadcasts the result to the
// other pool members for validation.
func (c *Coordinator) Complete(deviceID, taskID string, result json.RawMessage, earnings float64) (Completion, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Completion{}, errors.Wrap(ErrInvalidTask, "task id is empty")
	}
	if earnings < 0 {
		return Completion{}, errors.Wrapf(ErrInvalidTask, "task %s reports negative earnings", taskID)
	}
	devStats, ok := c.devices.UpdateStats(deviceID, registry.StatsDelta{TasksCompleted: 1, Earnings: earnings})
	if !ok {
		return Completion{}, errors.Wrapf(registry.ErrDeviceNotFound, "complete %s", taskID)
	}

	out := Completion{DeviceStats: devStats}
	dev, _ := c.devices.Get(deviceID)
	out.PoolID = dev.PoolID
	if out.PoolID == "" {
		log.Info().Str("task_id", taskID).Str("device_id", deviceID).Msg("task completed outside any pool")
		return out, nil
	}

	poolStats, err := c.pools.UpdateStats(out.PoolID, pools.StatsDelta{TasksCompleted: 1, Earnings: earnings})
	if err != nil {
		log.Warn().Err(err).Str("pool_id", out.PoolID).Msg("pool stats update skipped")
	}
	out.PoolStats = poolStats

	members := c.pools.Members(out.PoolID)
	for _, id := range members {
		if id != deviceID {
			out.Validators = append(out.Validators, id)
		}
	}
	delivered := c.out.Broadcast(out.Validators, protocol.New(protocol.EventTaskValidate, protocol.TaskValidate{
		TaskID:   taskID,
		Result:   result,
		DeviceID: deviceID,
	}))
	c.out.Broadcast(members, protocol.New(protocol.EventDeviceStats, protocol.DeviceStats{
		DeviceID: deviceID,
		Stats:    devStats,
	}))

	if len(out.Validators) > 0 {
		threshold := 1.0
		if info, ok := c.pools.Info(out.PoolID); ok {
			threshold = info.Config.ConsensusThreshold
		}
		c.openTally(taskID, deviceID, out.PoolID, threshold, out.Validators)
	}

	log.Info().
		Str("task_id", taskID).
		Str("device_id", deviceID).
		Str("pool_id", out.PoolID).
		Float64("earnings", earnings).
		Int("validators", len(out.Validators)).
		Int("delivered", delivered).
		Msg("task completed, result broadcast for validation")
	return out, nil
}

func (c *Coordinator) openTally(taskID, deviceID, poolID string, threshold float64, validators []string) {
	now := c.now()
	set := make(map[string]struct{}, len(validators))
	for _, v := range validators {
		set[v] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	c.tallies[tallyKey(taskID, deviceID)] = &tally{
		taskID:     taskID,
		deviceID:   deviceID,
		poolID:     poolID,
		threshold:  threshold,
		validators: set,
		votes:      make(map[string]bool, len(validators)),
		createdAt:  now,
	}
}

// Verdict records validatorID's opinion on the result deviceID submitted for
// taskID. Once approvals reach ceil(threshold × validators), or rejections
// make that impossible, the outcome is broadcast to the pool as
// task:consensus and returned; until then the returned pointer is nil.
func (c *Coordinator) Verdict(validatorID, taskID, deviceID string, valid bool) (*protocol.TaskConsensus, error) {
	key := tallyKey(taskID, deviceID)
	c.mu.Lock()
	c.pruneLocked(c.now())
	t, ok := c.tallies[key]
	if !ok {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrTaskNotFound, "verdict on %s by %s", taskID, validatorID)
	}
	if _, eligible := t.validators[validatorID]; !eligible {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrNotValidator, "verdict on %s by %s", taskID, validatorID)
	}
	if _, voted := t.votes[validatorID]; !voted {
		t.votes[validatorID] = valid
	}
	outcome := t.outcome()
	if outcome != nil {
		delete(c.tallies, key)
	}
	c.mu.Unlock()

	if outcome == nil {
		return nil, nil
	}
	c.out.Broadcast(c.pools.Members(outcome.PoolID), protocol.New(protocol.EventTaskConsensus, outcome))
	log.Info().
		Str("task_id", outcome.TaskID).
		Str("device_id", outcome.DeviceID).
		Bool("accepted", outcome.Accepted).
		Int("approvals", outcome.Approvals).
		Int("rejections", outcome.Rejections).
		Msg("task consensus reached")
	return outcome, nil
}

// RequiredApprovals returns ceil(threshold × validators), at least one.
func RequiredApprovals(threshold float64, validators int) int {
	if validators <= 0 {
		return 0
	}
	need := int(math.Ceil(threshold*float64(validators) - 1e-9))
	if need < 1 {
		need = 1
	}
	if need > validators {
		need = validators
	}
	return need
}

func (t *tally) outcome() *protocol.TaskConsensus {
	approvals, rejections := 0, 0
	for _, ok := range t.votes {
		if ok {
			approvals++
		} else {
			rejections++
		}
	}
	total := len(t.validators)
	required := RequiredApprovals(t.threshold, total)
	res := &protocol.TaskConsensus{
		TaskID:     t.taskID,
		DeviceID:   t.deviceID,
		PoolID:     t.poolID,
		Approvals:  approvals,
		Rejections: rejections,
		Required:   required,
	}
	switch {
	case approvals >= required:
		res.Accepted = true
		return res
	case rejections > total-required:
		return res
	default:
		return nil
	}
}

func (c *Coordinator) pruneLocked(now time.Time) {
	for key, t := range c.tallies {
		if now.Sub(t.createdAt) > c.ttl {
			delete(c.tallies, key)
		}
	}
}

// Release drops what the coordinator keeps for deviceID once its connection
// is gone: the assignment window and the tallies on results it submitted.
// It returns the number of tallies dropped.
func (c *Coordinator) Release(deviceID string) int {
	c.limiter.forget(deviceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, t := range c.tallies {
		if t.deviceID == deviceID {
			delete(c.tallies, key)
			dropped++
		}
	}
	if dropped > 0 {
		log.Debug().Str("device_id", deviceID).Int("tallies", dropped).Msg("open tallies released")
	}
	return dropped
}

// Pending returns the number of results still awaiting consensus.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tallies)
}

func tallyKey(taskID, deviceID string) string {
	return taskID + "\x00" + deviceID
}
