package registry

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Profile 是能力描述中已知字段的类型化视图，原始描述仍按原样保存。
type Profile struct {
	CPU     *CPUInfo     `json:"cpu,omitempty"`
	Memory  *MemoryInfo  `json:"memory,omitempty"`
	GPU     *GPUInfo     `json:"gpu,omitempty"`
	Network *NetworkInfo `json:"network,omitempty"`
}

type CPUInfo struct {
	Cores        int     `json:"cores"`
	Architecture string  `json:"architecture,omitempty"`
	Benchmark    float64 `json:"benchmark,omitempty"`
}

// MemoryInfo is expressed in GB.
type MemoryInfo struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available,omitempty"`
}

type GPUInfo struct {
	Available bool   `json:"available"`
	Vendor    string `json:"vendor,omitempty"`
	Renderer  string `json:"renderer,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare boolean.
func (g *GPUInfo) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false")) {
		g.Available = trimmed[0] == 't'
		return nil
	}
	type plain GPUInfo
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*g = GPUInfo(out)
	return nil
}

type NetworkInfo struct {
	Type     string  `json:"type,omitempty"`
	Downlink float64 `json:"downlink,omitempty"`
	RTT      float64 `json:"rtt,omitempty"`
}

// ParseCapabilities performs the type-shape check on a device supplied
// descriptor. Values are not verified against the real hardware.
func ParseCapabilities(raw json.RawMessage) (Profile, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Profile{}, errors.Wrap(ErrInvalidCapabilities, "descriptor must be a JSON object")
	}
	var p Profile
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Profile{}, errors.Wrapf(ErrInvalidCapabilities, "decode descriptor: %v", err)
	}
	if p.CPU != nil && p.CPU.Cores < 0 {
		return Profile{}, errors.Wrap(ErrInvalidCapabilities, "cpu.cores must not be negative")
	}
	if p.Memory != nil && (p.Memory.Total < 0 || p.Memory.Available < 0) {
		return Profile{}, errors.Wrap(ErrInvalidCapabilities, "memory must not be negative")
	}
	return p, nil
}

// Cores returns the declared core count, 0 when unknown.
func (p Profile) Cores() int {
	if p.CPU == nil {
		return 0
	}
	return p.CPU.Cores
}

// MemoryGB returns the declared total memory, 0 when unknown.
func (p Profile) MemoryGB() float64 {
	if p.Memory == nil {
		return 0
	}
	return p.Memory.Total
}

func (p Profile) HasGPU() bool {
	return p.GPU != nil && p.GPU.Available
}
