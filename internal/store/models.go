package store

import "time"

type RoomStatus string

const (
	RoomStatusWaiting    RoomStatus = "WAITING"
	RoomStatusInProgress RoomStatus = "IN_PROGRESS"
	RoomStatusFinished   RoomStatus = "FINISHED"
)

type Participant struct {
	SeatNumber  int    `json:"seat_number"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id,omitempty"`
}

type Room struct {
	RoomCode     string        `json:"room_code"`
	Status       RoomStatus    `json:"status"`
	GameTypeSlug string        `json:"game_type_slug"`
	Participants []Participant `json:"participants"`
}

type GameSnapshot struct {
	GameID    string    `json:"game_id"`
	RoomCode  string    `json:"room_code"`
	StateJSON string    `json:"state_json"`
	SavedAt   time.Time `json:"saved_at"`
}
