package models

// IdentifyResponse wraps the consolidated view for POST /identify and
// GET /contacts/{id}.
type IdentifyResponse struct {
	Contact *ConsolidatedIdentity `json:"contact"`
}
