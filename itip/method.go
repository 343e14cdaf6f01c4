// Package itip defines the iTIP (RFC 5546) scheduling methods and the marker
// token this deployment attaches to the scheduling messages it sends out.
package itip

import (
	"fmt"
	"strings"
)

// Method is the METHOD of a scheduling message.
type Method string

const (
	MethodPublish        Method = "PUBLISH"
	MethodRequest        Method = "REQUEST"
	MethodReply          Method = "REPLY"
	MethodAdd            Method = "ADD"
	MethodCancel         Method = "CANCEL"
	MethodRefresh        Method = "REFRESH"
	MethodCounter        Method = "COUNTER"
	MethodDeclineCounter Method = "DECLINECOUNTER"
)

var methods = []Method{
	MethodPublish, MethodRequest, MethodReply, MethodAdd,
	MethodCancel, MethodRefresh, MethodCounter, MethodDeclineCounter,
}

// ParseMethod parses a METHOD property value case-insensitively.
func ParseMethod(value string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range methods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown scheduling method %q", value)
}

// OrganizerOriginated reports whether messages of this method are authored by
// the organizer; the others are authored by an attendee.
func (m Method) OrganizerOriginated() bool {
	switch m {
	case MethodPublish, MethodRequest, MethodAdd, MethodCancel, MethodDeclineCounter:
		return true
	default:
		return false
	}
}

func (m Method) String() string {
	return string(m)
}
