package workflow

import "time"

// Definition is a stored workflow document.
type Definition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	DSL       string    `json:"dsl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateWorkflowRequest is the JSON body for storing a workflow document.
type CreateWorkflowRequest struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	DSL    string `json:"dsl"`
}

// ExecuteRequest is the JSON body for running a stored workflow.
type ExecuteRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// ExecuteDSLRequest is the JSON body for running a workflow document given inline.
type ExecuteDSLRequest struct {
	DSL    string         `json:"dsl"`
	Format string         `json:"format"`
	Inputs map[string]any `json:"inputs"`
}

// QuickCallRequest is the JSON body for a single-shot model call.
type QuickCallRequest struct {
	UserInput string `json:"user_input"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
}

// QuickCallResponse carries the reply of a single-shot model call.
type QuickCallResponse struct {
	Model  string `json:"model"`
	Output any    `json:"output"`
}

// ModelInfo is the public view of a configured model.
type ModelInfo struct {
	Name          string   `json:"name"`
	Platform      string   `json:"platform"`
	APIURL        string   `json:"apiUrl"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Supports      []string `json:"supports,omitempty"`
	HasCredential bool     `json:"hasCredential"`
}
