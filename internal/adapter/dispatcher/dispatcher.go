// Package dispatcher implements the robot registry, pools, and
// load-balancing strategies used to observe and route queued work to
// robots. Robots claim work directly from the queue store; the dispatcher
// tracks robot availability/affinity and fires lifecycle callbacks so the
// monitoring API can reflect fleet state.
package dispatcher

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// Strategy selects a robot from a pool's available candidates.
type Strategy string

// Load-balancing strategies.
const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
	StrategyAffinity    Strategy = "affinity"
)

// Pool groups robots by tag-subset match. MaxConcurrentJobs and
// AllowedWorkflows are stored with the pool; SelectRobot consults neither.
type Pool struct {
	Name              string
	Tags              []string
	MaxConcurrentJobs int
	AllowedWorkflows  map[string]struct{}
}

// matches reports whether robot belongs to this pool: the pool's tags must
// be a subset of the robot's tags (an empty tag set matches everyone).
func (p Pool) matches(r domain.Robot) bool {
	if len(p.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Tags))
	for _, t := range r.Tags {
		have[t] = struct{}{}
	}
	for _, want := range p.Tags {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// DefaultPoolName is the always-present, non-deletable catch-all pool.
const DefaultPoolName = "default"

// OnJobDispatched fires when a robot is selected for a job.
type OnJobDispatched func(job domain.ClaimedJob, robot domain.Robot)

// OnRobotStatusChange fires when a robot transitions between statuses.
type OnRobotStatusChange func(robot domain.Robot, old, new domain.RobotStatus)

// Registry tracks robots, pools, per-pool strategies, and workflow
// affinities, and implements robot selection per spec.
type Registry struct {
	mu sync.RWMutex

	robots   map[string]*domain.Robot
	pools    map[string]*Pool
	strategy map[string]Strategy
	affinity map[string]map[string]int64 // workflowID -> robotID -> count
	rrIndex  map[string]int              // poolName -> round-robin cursor

	onDispatched   []OnJobDispatched
	onStatusChange []OnRobotStatusChange
}

// NewRegistry constructs a Registry with the default pool set to
// LEAST_LOADED.
func NewRegistry() *Registry {
	return &Registry{
		robots:   map[string]*domain.Robot{},
		pools:    map[string]*Pool{DefaultPoolName: {Name: DefaultPoolName}},
		strategy: map[string]Strategy{DefaultPoolName: StrategyLeastLoaded},
		affinity: map[string]map[string]int64{},
		rrIndex:  map[string]int{},
	}
}

// OnJobDispatched registers a dispatch callback.
func (r *Registry) OnJobDispatched(cb OnJobDispatched) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDispatched = append(r.onDispatched, cb)
}

// OnRobotStatusChange registers a status-transition callback.
func (r *Registry) OnRobotStatusChange(cb OnRobotStatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatusChange = append(r.onStatusChange, cb)
}

// RegisterRobot adds or updates a robot.
func (r *Registry) RegisterRobot(robot domain.Robot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if robot.RegisteredAt.IsZero() {
		robot.RegisteredAt = time.Now().UTC()
	}
	r.robots[robot.ID] = &robot
}

// CreatePool adds a named pool. Re-registering DefaultPoolName is a no-op.
func (r *Registry) CreatePool(pool Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool.Name == DefaultPoolName {
		return
	}
	r.pools[pool.Name] = &pool
	if _, ok := r.strategy[pool.Name]; !ok {
		r.strategy[pool.Name] = StrategyLeastLoaded
	}
}

// DeletePool removes a named pool. The default pool cannot be deleted.
func (r *Registry) DeletePool(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == DefaultPoolName {
		return false
	}
	if _, ok := r.pools[name]; !ok {
		return false
	}
	delete(r.pools, name)
	delete(r.strategy, name)
	delete(r.rrIndex, name)
	return true
}

// Robots returns a snapshot of every registered robot, for monitoring reads.
func (r *Registry) Robots() []domain.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		out = append(out, *robot)
	}
	return out
}

// Robot returns a snapshot of one registered robot.
func (r *Registry) Robot(id string) (domain.Robot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	robot, ok := r.robots[id]
	if !ok {
		return domain.Robot{}, false
	}
	return *robot, true
}

// SetStrategy changes the selection strategy for a pool.
func (r *Registry) SetStrategy(poolName string, strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy[poolName] = strategy
}

// Heartbeat updates a robot's liveness and recomputes online/offline status.
func (r *Registry) Heartbeat(robotID string, now time.Time) {
	r.mu.Lock()
	robot, ok := r.robots[robotID]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := robot.Status
	robot.LastHeartbeat = now
	if robot.Status == domain.RobotOffline {
		robot.Status = domain.RobotIdle
	}
	new := robot.Status
	snapshot := *robot
	r.mu.Unlock()

	if old != new {
		r.fireStatusChange(snapshot, old, new)
	}
}

// CheckHealth marks any robot whose last heartbeat is older than staleTimeout
// offline, firing a status-change callback for each transition.
func (r *Registry) CheckHealth(now time.Time, staleTimeout time.Duration) {
	type transition struct {
		robot domain.Robot
		old   domain.RobotStatus
	}
	var changed []transition

	r.mu.Lock()
	for _, robot := range r.robots {
		if robot.Status == domain.RobotOffline {
			continue
		}
		if !robot.Healthy(now, staleTimeout) {
			old := robot.Status
			robot.Status = domain.RobotOffline
			changed = append(changed, transition{robot: *robot, old: old})
		}
	}
	r.mu.Unlock()

	for _, t := range changed {
		r.fireStatusChange(t.robot, t.old, domain.RobotOffline)
	}
}

func (r *Registry) fireStatusChange(robot domain.Robot, old, new domain.RobotStatus) {
	r.mu.RLock()
	cbs := append([]OnRobotStatusChange(nil), r.onStatusChange...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		safeInvoke(func() { cb(robot, old, new) })
	}
}

// RecordJobResult releases robotID's in-flight slot and updates its
// completion counters, then updates affinity tracking: a successful
// completion on a pinned robot increments that robot's affinity for the
// job's workflow. Failures never change affinity.
func (r *Registry) RecordJobResult(workflowID, robotID string, success bool) {
	if robotID != "" {
		r.mu.Lock()
		if robot, ok := r.robots[robotID]; ok {
			if robot.CurrentJobs > 0 {
				robot.CurrentJobs--
			}
			if success {
				robot.JobsCompleted++
			} else {
				robot.JobsFailed++
			}
			if robot.CurrentJobs == 0 && robot.Status == domain.RobotBusy {
				robot.Status = domain.RobotIdle
			}
			if robot.CurrentJobID != nil {
				robot.CurrentJobID = nil
			}
		}
		r.mu.Unlock()
	}

	if !success || robotID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.affinity[workflowID] == nil {
		r.affinity[workflowID] = map[string]int64{}
	}
	r.affinity[workflowID][robotID]++
}

// SelectRobot implements spec's select_robot: strict pinning first, then
// pool-filtered strategy selection.
func (r *Registry) SelectRobot(job domain.ClaimedJob, pinnedRobotID, poolName string) (*domain.Robot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pinnedRobotID != "" {
		robot, ok := r.robots[pinnedRobotID]
		if ok && robot.Available() {
			cp := *robot
			return &cp, true
		}
		return nil, false
	}

	if poolName == "" {
		poolName = DefaultPoolName
	}
	pool, ok := r.pools[poolName]
	if !ok {
		return nil, false
	}

	var candidates []*domain.Robot
	for _, robot := range r.robots {
		if !robot.Available() {
			continue
		}
		if !pool.matches(*robot) {
			continue
		}
		candidates = append(candidates, robot)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	strategy := r.strategy[poolName]
	switch strategy {
	case StrategyRoundRobin:
		idx := r.rrIndex[poolName] % len(candidates)
		r.rrIndex[poolName] = idx + 1
		cp := *candidates[idx]
		return &cp, true

	case StrategyRandom:
		cp := *candidates[rand.Intn(len(candidates))] //nolint:gosec // load-balancing choice, not security sensitive
		return &cp, true

	case StrategyAffinity:
		best := r.selectByAffinity(job.WorkflowID, candidates)
		if best != nil {
			cp := *best
			return &cp, true
		}
		fallthrough

	default: // StrategyLeastLoaded and fallback from StrategyAffinity
		idx := r.rrIndex[poolName] % len(candidates)
		r.rrIndex[poolName] = idx + 1
		best := candidates[idx]
		bestLoad := best.Load()
		for _, c := range candidates {
			if c.Load() < bestLoad {
				best = c
				bestLoad = c.Load()
			}
		}
		cp := *best
		return &cp, true
	}
}

func (r *Registry) selectByAffinity(workflowID string, candidates []*domain.Robot) *domain.Robot {
	affinities := r.affinity[workflowID]
	if len(affinities) == 0 {
		return nil
	}
	var best *domain.Robot
	var bestCount int64
	for _, c := range candidates {
		count := affinities[c.ID]
		if count > bestCount {
			best = c
			bestCount = count
		}
	}
	return best
}

// Dispatch fires the on-dispatched callbacks and increments the robot's
// in-flight job count; called once a robot has been selected for job.
func (r *Registry) Dispatch(job domain.ClaimedJob, robot domain.Robot) {
	r.mu.Lock()
	if tracked, ok := r.robots[robot.ID]; ok {
		tracked.CurrentJobs++
		tracked.Status = domain.RobotBusy
		jobID := job.JobID
		tracked.CurrentJobID = &jobID
	}
	cbs := append([]OnJobDispatched(nil), r.onDispatched...)
	r.mu.Unlock()

	for _, cb := range cbs {
		safeInvoke(func() { cb(job, robot) })
	}
}

func safeInvoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("dispatcher: callback panicked", slog.Any("recovered", rec))
		}
	}()
	fn()
}
