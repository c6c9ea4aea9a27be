package tracking

import "backend-pathtrack/internal/shared/geo"

// FixRequest is a device report: either a position or a sensor error code.
type FixRequest struct {
	Timestamp int64   `json:"timestamp" validate:"gte=0"`
	Lat       float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon       float64 `json:"lon" validate:"gte=-180,lte=180"`
	AccuracyM float64 `json:"accuracy_m" validate:"gte=0"`
	Error     string  `json:"error" validate:"omitempty,oneof=permission_denied unavailable timeout"`
}

type PermissionRequest struct {
	Granted *bool `json:"granted" validate:"required"`
}

type SampleRequest struct {
	HighAccuracy bool `json:"high_accuracy"`
}

type StateResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

type SampleResponse struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Cursor   *geo.Coordinate `json:"cursor"`
}
