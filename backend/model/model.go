package model

import "time"

// Member is a single room membership entry: one signaling connection
// and the user id it presented at join time.
type Member struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// Room is the persisted room record managed through the REST API.
type Room struct {
	ID           string    `json:"roomId"`
	Participants []string  `json:"participants"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID was recorded as a participant.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

type CallLog struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	RoomID     string     `json:"roomId"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Duration   int64      `json:"duration"` // seconds
}

type CallStats struct {
	TotalCalls      int   `json:"totalCalls"`
	TotalDuration   int64 `json:"totalDuration"`
	AverageDuration int64 `json:"averageDuration"`
}

// Summary is what the summarizer produces from a transcript.
type Summary struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"keyPoints"`
	ActionItems []string `json:"actionItems"`
}

type MeetingSummary struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Transcript string `json:"transcript"`
	Summary
	Duration  int64     `json:"duration"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMessage is ephemeral: broadcast to the room and discarded.
type ChatMessage struct {
	Text        string    `json:"text"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// ICEServer is handed to clients as configuration data only.
type ICEServer struct {
	URLs       []string `json:"urls" toml:"urls"`
	Username   string   `json:"username,omitempty" toml:"username"`
	Credential string   `json:"credential,omitempty" toml:"credential"`
}
