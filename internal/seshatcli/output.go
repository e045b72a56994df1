// output.go holds CLI output helpers.
package seshatcli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seshatdb/seshat"
)

// printJSON pretty-prints v to stdout.
func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}

// printEventLine prints one event as "time sender: body", using the
// resolved display name when the profile map has one.
func printEventLine(prefix string, ev seshat.Event, profiles map[string]seshat.Profile) {
	sender := ev.Sender
	if profile, ok := profiles[ev.Sender]; ok && profile.Displayname != nil {
		sender = *profile.Displayname
	}
	fmt.Printf("%s%s %s: %s\n", prefix, formatTS(ev.ServerTS), sender, eventBody(ev))
}

// eventBody extracts the displayable text of an event's content.
func eventBody(ev seshat.Event) string {
	var content struct {
		Body  string `json:"body"`
		Topic string `json:"topic"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "<unreadable content>"
	}
	switch {
	case content.Body != "":
		return content.Body
	case content.Topic != "":
		return content.Topic
	case content.Name != "":
		return content.Name
	default:
		return "<no text>"
	}
}

// formatTS renders a Matrix millisecond timestamp for terminal output.
func formatTS(ts int64) string {
	return time.UnixMilli(ts).Format("2006-01-02 15:04")
}
