package model

// QueueStats is a point-in-time count of jobs per state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

func (s QueueStats) Total() int {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed + s.Paused
}

// Add increments the counter for state by n.
func (s *QueueStats) Add(state JobState, n int) {
	switch state {
	case StateWaiting:
		s.Waiting += n
	case StateActive:
		s.Active += n
	case StateCompleted:
		s.Completed += n
	case StateFailed:
		s.Failed += n
	case StateDelayed:
		s.Delayed += n
	case StatePaused:
		s.Paused += n
	}
}
