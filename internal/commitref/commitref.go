// Package commitref extracts task-status directives from commit messages.
// A directive is an optional case-sensitive "reopen" or "close" prefix,
// immediately followed by "!" and a task number, anywhere in the message.
package commitref

import (
	"regexp"
	"strconv"
)

var pattern = regexp.MustCompile(`(reopen|close)?!(\d+)`)

// Action is the status transition a reference requests.
type Action string

const (
	ActionClose  Action = "close"
	ActionReopen Action = "reopen"
)

// Reference is a parsed commit directive.
type Reference struct {
	Action     Action
	TaskNumber int64
}

// Parse scans the message for the first task reference. A "reopen" prefix
// requests a reopen; any other match, prefixed "close" or bare "!N", is a
// close. Returns false when the message contains no reference.
func Parse(message string) (Reference, bool) {
	m := pattern.FindStringSubmatch(message)
	if m == nil {
		return Reference{}, false
	}
	number, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Reference{}, false
	}
	action := ActionClose
	if m[1] == "reopen" {
		action = ActionReopen
	}
	return Reference{Action: action, TaskNumber: number}, true
}
