package protocol

import (
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
)

// ClientFrame is one frame of the worker->orchestrator half of the Tunnel
// stream. Exactly one payload field is populated, selected by Kind.
type ClientFrame struct {
	Kind string `json:"kind"`

	Join       *services.JoinRequest      `json:"join,omitempty"`
	Ping       *PingPayload               `json:"ping,omitempty"`
	Log        *services.LogChunk         `json:"log,omitempty"`
	StepUpdate *services.StepUpdate       `json:"step_update,omitempty"`
	Result     *services.BuildResultInfo  `json:"result,omitempty"`
}

// PingPayload carries a worker's liveness/stats beacon.
type PingPayload struct {
	MachineID models.MachineID    `json:"machine_id"`
	Stats     models.MachineStats `json:"stats"`
}

// ServerFrame is one frame of the orchestrator->worker half of the Tunnel
// stream. Exactly one payload field is populated, selected by Kind.
type ServerFrame struct {
	Kind string `json:"kind"`

	JoinAck      *services.JoinResponse   `json:"join_ack,omitempty"`
	PingAck      *struct{}                `json:"ping_ack,omitempty"`
	ConfigUpdate *services.ConfigUpdate   `json:"config_update,omitempty"`
	Build        *BuildAssignment         `json:"build,omitempty"`
	Abort        *AbortNotice             `json:"abort,omitempty"`
}

// BuildAssignment is the Build frame the orchestrator sends to hand a Step
// to a worker for a fresh attempt.
type BuildAssignment struct {
	InternalBuildID string             `json:"internal_build_id"`
	DrvPath         models.DrvPath     `json:"drv_path"`
	Derivation      *models.Derivation `json:"derivation"`
}

// AbortNotice tells a worker to stop an in-flight attempt.
type AbortNotice struct {
	InternalBuildID string `json:"internal_build_id"`
}

const (
	ClientFrameJoin       = "join"
	ClientFramePing       = "ping"
	ClientFrameLog        = "log"
	ClientFrameStepUpdate = "step_update"
	ClientFrameResult     = "result"

	ServerFrameJoinAck      = "join_ack"
	ServerFramePingAck      = "ping_ack"
	ServerFrameConfigUpdate = "config_update"
	ServerFrameBuild        = "build"
	ServerFrameAbort        = "abort"
)
