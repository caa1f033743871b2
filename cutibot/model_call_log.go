package cutibot

// ModelCallLog records one outbound model call
//
//nolint:lll // struct tags can't be split
type ModelCallLog struct {
	ModelUintID
	ModelUnixTime

	UserID   string `json:"user_id" gorm:"index;type:string"`
	Provider string `json:"provider" gorm:"type:string"`
	Model    string `json:"model" gorm:"type:string"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	// Time spent waiting on the request governor before the call, in milliseconds
	GovernorWait int64 `json:"governor_wait"`

	Prompt   string `json:"prompt" gorm:"type:string"`
	Response string `json:"response" gorm:"type:string"`
	Error    string `json:"error" gorm:"type:string"`
}

func (ModelCallLog) TableName() string {
	return "model_call_log"
}
