package server

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// FlowchartSource is the flowchart document (inline YAML or JSON).
	// Exactly one of FlowchartSource or FlowchartPath must be set.
	FlowchartSource string `json:"flowchart_source,omitempty"`

	// FlowchartPath is a filesystem path to the flowchart file.
	FlowchartPath string `json:"flowchart_path,omitempty"`

	// ConfigPath is a filesystem path to the run config file. Optional;
	// defaults apply when empty.
	ConfigPath string `json:"config_path,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
