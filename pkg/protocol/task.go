package protocol

import "encoding/json"

// Known task kinds. Execution logic for each lives outside the coordinator.
const (
	TaskAIInference    = "ai-inference"
	TaskDataProcessing = "data-processing"
	TaskRendering      = "rendering"
	TaskScientific     = "scientific"
)

// Validation methods.
const (
	ValidationConsensus = "consensus"
	ValidationOracle    = "oracle"
	ValidationProof     = "proof"
)

// Task is routed, never interpreted: Payload stays opaque.
type Task struct {
	TaskID       string          `json:"taskId"`
	Type         string          `json:"type"`
	Requirements Requirements    `json:"requirements"`
	Reward       Reward          `json:"reward"`
	Validation   Validation      `json:"validation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Requirements are minimum resource thresholds; zero means no constraint.
type Requirements struct {
	MinCores    int     `json:"minCores,omitempty"`
	MinMemoryGB float64 `json:"minMemory,omitempty"`
	RequiresGPU bool    `json:"gpu,omitempty"`
}

type Reward struct {
	Base     float64 `json:"base"`
	Bonus    float64 `json:"bonus,omitempty"`
	Deadline int64   `json:"deadline,omitempty"`
}

type Validation struct {
	Method    string  `json:"method,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}
