package dispatcher

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// heartbeatRequest is the payload a robot process posts periodically so the
// orchestrator's in-memory Registry reflects robots running in another
// process. This closes the cross-process gap the "robots claim, dispatcher
// observes" model (SPEC_FULL.md §4.5) leaves open: the Queue Store remains
// the sole claim authority, but robot liveness/status still has to cross a
// process boundary somehow, and a small heartbeat POST is the least invasive
// way to do it without introducing a second database table.
type heartbeatRequest struct {
	RobotID     string   `json:"robot_id"`
	Environment string   `json:"environment"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status"`
}

// HeartbeatHandler returns an http.Handler that upserts the posting robot
// into reg and refreshes its liveness timestamp.
func HeartbeatHandler(reg *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RobotID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		status := domain.RobotIdle
		if req.Status != "" {
			status = domain.RobotStatus(req.Status)
		}

		now := time.Now().UTC()
		robot, existed := reg.Robot(req.RobotID)
		if !existed {
			robot = domain.Robot{
				ID:           req.RobotID,
				Environment:  req.Environment,
				Tags:         req.Tags,
				Status:       status,
				RegisteredAt: now,
			}
		} else {
			robot.Environment = req.Environment
			robot.Tags = req.Tags
			if robot.Status != domain.RobotBusy {
				robot.Status = status
			}
		}
		robot.LastHeartbeat = now
		reg.RegisterRobot(robot)
		reg.Heartbeat(req.RobotID, now)

		w.WriteHeader(http.StatusNoContent)
	})
}
