// Package protocol defines the JSON types exchanged between the daemon's
// web API and its clients (the web UI and aurctl).
package protocol

import (
	"encoding/json"
	"time"

	"github.com/dougsko/aurad/pkg/eucon"
	"github.com/dougsko/aurad/pkg/storage"
)

// Response is the uniform API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) *Response {
	return &Response{Success: true, Data: data}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{Success: false, Error: err}
}

// String converts a Response to its JSON form.
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// DeviceInfo describes one audio device in the flat index namespace.
type DeviceInfo struct {
	Index             int     `json:"index"`
	Label             string  `json:"label"`
	SampleRate        float64 `json:"sample_rate"`
	InChannels        int     `json:"in_channels"`
	OutChannels       int     `json:"out_channels"`
	InFramesPerCycle  int     `json:"in_frames_per_cycle"`
	OutFramesPerCycle int     `json:"out_frames_per_cycle"`
	Started           bool    `json:"started"`
	RealTimeReport    string  `json:"real_time_report"`
}

// SideStatus carries the meters and fault count of one device side.
type SideStatus struct {
	Meters   []float64 `json:"meters"`
	FaultCnt uint32    `json:"fault_count"`
}

// AudioStatus is the ring-buffer view of the active device.
type AudioStatus struct {
	DeviceIdx int        `json:"device_index"`
	Input     SideStatus `json:"input"`
	Output    SideStatus `json:"output"`
}

// ChannelFlagsRequest toggles a per-channel feature.
type ChannelFlagsRequest struct {
	Channel int    `json:"channel"` // -1 applies to all channels
	Side    string `json:"side"`    // "in" or "out"
	Flag    string `json:"flag"`    // enable, mute, tone, meter, pass
	Enable  bool   `json:"enable"`
}

// GainRequest sets a channel gain or tone frequency.
type GainRequest struct {
	Channel int     `json:"channel"`
	Side    string  `json:"side"`
	Gain    float64 `json:"gain"`
	ToneHz  float64 `json:"tone_hz,omitempty"`
}

// MIDIStatus summarizes the MIDI layer.
type MIDIStatus struct {
	Enabled    bool   `json:"enabled"`
	Devices    int    `json:"devices"`
	EventCount uint64 `json:"event_count"`
	ErrorCount uint32 `json:"error_count"`
	Report     string `json:"report,omitempty"`
}

// SurfaceStatus summarizes the control-surface session.
type SurfaceStatus struct {
	Enabled      bool                 `json:"enabled"`
	Instance     string               `json:"instance"`
	Connected    bool                 `json:"connected"`
	SessionID    string               `json:"session_id,omitempty"`
	ProtoState   string               `json:"proto_state,omitempty"`
	TimeoutCount uint32               `json:"timeout_count"`
	Channels     []eucon.ChannelState `json:"channels,omitempty"`
}

// Status is the top level daemon status.
type Status struct {
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Devices   []DeviceInfo  `json:"devices"`
	Audio     *AudioStatus  `json:"audio,omitempty"`
	MIDI      MIDIStatus    `json:"midi"`
	Surface   SurfaceStatus `json:"surface"`
}

// EventsResponse wraps an event query result.
type EventsResponse struct {
	Events []storage.Event `json:"events"`
	Counts map[string]int  `json:"counts"`
}
