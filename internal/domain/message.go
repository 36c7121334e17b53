package domain

// Message is a rendered stage email ready for the mail transport
type Message struct {
	AccountID string
	LeadID    string
	Step      int
	Stage     string

	To       string
	ToName   string
	From     string
	FromName string
	Subject  string
	Body     string
	HTML     bool
}
