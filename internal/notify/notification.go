package notify

// Notification is what a push event asks the host to display.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Vibrate []int    `json:"vibrate,omitempty"`
	Data    Data     `json:"data"`
	Actions []Action `json:"actions,omitempty"`
}

// Data is the application payload attached to a notification.
type Data struct {
	// DateOfArrival is milliseconds since the Unix epoch.
	DateOfArrival int64 `json:"dateOfArrival"`
	// PrimaryKey is copied from the producer payload as-is.
	PrimaryKey any `json:"primaryKey,omitempty"`
}

// Action is a button shown with the notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}
