package stt

// Transcript is the live preview: stabilized text plus the revisable tail.
type Transcript struct {
	Final   string `json:"final"`
	Interim string `json:"interim"`
}

// Text returns what a viewer sees: final text followed by the interim tail.
func (t Transcript) Text() string {
	return t.Final + t.Interim
}
