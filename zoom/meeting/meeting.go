// Package meeting holds the wire types for the Zoom Meetings API.
package meeting

// Zoom meeting types. Only scheduled meetings are created by the sync worker.
// https://developers.zoom.us/docs/api/rest/reference/zoom-api/methods/#operation/meetingCreate
const TypeScheduled = 2

// CodeMeetingNotFound is Zoom's application-level subcode for a meeting that
// does not exist, returned alongside HTTP 404.
const CodeMeetingNotFound = 3001

type (
	// CreateRequest is the payload for POST /meetings and PATCH /meetings/{id}.
	CreateRequest struct {
		Topic string `json:"topic"`
		Type  int    `json:"type"`
		// StartTime is GMT, formatted yyyy-MM-ddTHH:mm:ssZ.
		StartTime string `json:"start_time"`
		// Duration is in minutes.
		Duration int      `json:"duration"`
		Timezone string   `json:"timezone,omitempty"`
		Settings Settings `json:"settings"`
	}

	Settings struct {
		JoinBeforeHost bool `json:"join_before_host"`
		WaitingRoom    bool `json:"waiting_room"`
		// ApprovalType 2 means no registration is required to join.
		ApprovalType int `json:"approval_type"`
	}

	// Meeting is the provider's representation returned by create/get calls.
	Meeting struct {
		ID        int64  `json:"id"`
		Topic     string `json:"topic"`
		JoinURL   string `json:"join_url"`
		Password  string `json:"password"`
		StartTime string `json:"start_time"`
		Duration  int    `json:"duration"`
		Timezone  string `json:"timezone"`
		Status    string `json:"status"`
	}

	// ErrorResponse is Zoom's JSON error body.
	ErrorResponse struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)
