package models

import "time"

// ChatMessage is a single chat entry. Type distinguishes plain messages from
// poll announcements so the chat stream can interleave both.
type ChatMessage struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"` // "message" or "poll"
	Text       string    `json:"text,omitempty"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	PollID     string    `json:"poll_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ChatTypeMessage = "message"
	ChatTypePoll    = "poll"
)

// PollOption holds one choice of a poll. Votes is derived state and must
// always equal len(Voters).
type PollOption struct {
	Text   string   `json:"text"`
	Votes  int      `json:"votes"`
	Voters []string `json:"voters"`
}

// Poll is a question with options voted on by participants.
type Poll struct {
	ID          string       `json:"id"`
	Question    string       `json:"question"`
	Options     []PollOption `json:"options"`
	CreatorID   string       `json:"creator_id"`
	CreatorName string       `json:"creator_name,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToggleVote adds the voter to the option if absent, removes it otherwise,
// and recomputes the derived vote count. Returns false for an out-of-range
// option index.
func (p *Poll) ToggleVote(optionIndex int, voter string) bool {
	if optionIndex < 0 || optionIndex >= len(p.Options) {
		return false
	}
	opt := &p.Options[optionIndex]
	for i, v := range opt.Voters {
		if v == voter {
			opt.Voters = append(opt.Voters[:i], opt.Voters[i+1:]...)
			opt.Votes = len(opt.Voters)
			return true
		}
	}
	opt.Voters = append(opt.Voters, voter)
	opt.Votes = len(opt.Voters)
	return true
}

// Clone returns a deep copy of the poll.
func (p Poll) Clone() Poll {
	cp := p
	cp.Options = make([]PollOption, len(p.Options))
	for i, o := range p.Options {
		o.Voters = append([]string(nil), o.Voters...)
		cp.Options[i] = o
	}
	return cp
}
