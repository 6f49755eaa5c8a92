package models

// Rating values shared with the browser widget.
type Rating string

const (
	RatingLike    Rating = "like"
	RatingDislike Rating = "dislike"
	RatingNeutral Rating = "neutral"
)

// Feedback is the user's verdict on one assistant message.
type Feedback struct {
	Completed bool   `json:"completed"`
	Rating    Rating `json:"rating"`
	Comments  string `json:"comments,omitempty"`
}
