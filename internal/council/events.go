package council

// EventType names one frame of the progress stream.
type EventType string

const (
	EventStage1Start    EventType = "stage1_start"
	EventStage1Progress EventType = "stage1_progress"
	EventStage1Complete EventType = "stage1_complete"
	EventStage2Start    EventType = "stage2_start"
	EventStage2Complete EventType = "stage2_complete"
	EventStage3Start    EventType = "stage3_start"
	EventStage3Complete EventType = "stage3_complete"
	EventTitleComplete  EventType = "title_complete"
	EventComplete       EventType = "complete"
	EventCancelled      EventType = "cancelled"
	EventError          EventType = "error"
)

// Terminal reports whether no event may follow this one.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventCancelled || t == EventError
}

// Event is one frame delivered to the client.
type Event struct {
	Type     EventType `json:"type"`
	Data     any       `json:"data,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// StageStart is the payload of stage1_start.
type StageStart struct {
	Total int `json:"total"`
}

// Progress is the payload of stage1_progress.
type Progress struct {
	Model           string   `json:"model"`
	Completed       int      `json:"completed"`
	Total           int      `json:"total"`
	CompletedAgents []string `json:"completed_agents"`
}

// TitleData is the payload of title_complete.
type TitleData struct {
	Title string `json:"title"`
}

const (
	cancelledMessage = "Request cancelled by user"
	defaultTitle     = "New Conversation"
)

func cancelledEvent() Event {
	return Event{Type: EventCancelled, Message: cancelledMessage}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Message: err.Error()}
}
