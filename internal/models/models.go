package models

import "time"

// APIStatus is the outcome reported by every JSON response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope of every admin API response.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error wraps message in an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// AdminStats summarizes participation and clinical outcomes for operators.
type AdminStats struct {
	Total            int               `json:"total"`
	Registered       int               `json:"registered"`
	SurveyCompleted  int               `json:"survey_completed"`
	Completed        int               `json:"completed"`
	RiskDistribution map[RiskLevel]int `json:"risk_distribution"`
	AnxietyClinical  int               `json:"anxiety_clinical"`
	DepressionClin   int               `json:"depression_clinical"`
	ApneaHighRisk    int               `json:"apnea_high_risk"`
	InsomniaModerate int               `json:"insomnia_moderate_or_worse"`
}

// IDs recorded for operator broadcasts in place of a reminder ID.
const (
	BroadcastCustom = "custom"
	BroadcastTest   = "test"
)

// BroadcastLog is the outcome of one reminder or operator batch.
type BroadcastLog struct {
	ID         string    `json:"id"`
	ReminderID string    `json:"reminder_id"`
	Message    string    `json:"message"`
	Audience   Audience  `json:"audience"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"created_at"`
}
