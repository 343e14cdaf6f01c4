package itip

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// PropertyName is the mail header and VCALENDAR property carrying the token.
const PropertyName = "X-OX-ITIP"

const dataPrefix = "1:"

// ErrInvalidData is returned by Decode for malformed tokens.
var ErrInvalidData = fmt.Errorf("invalid %s data", PropertyName)

// Data is the routing marker embedded in outgoing scheduling mails so that a
// copy arriving back at this deployment can be recognized as internal.
type Data struct {
	ServerUID      *string `json:"serverUid"`
	ContextID      int     `json:"contextId"`
	Action         string  `json:"action,omitempty"`
	SentByResource int     `json:"sentByResource"`
}

// NewData builds a token for this deployment. sentByResource is -1 unless a
// resource booking delegate sent the message.
func NewData(serverUID string, contextID int, action string, sentByResource int) Data {
	return Data{ServerUID: &serverUID, ContextID: contextID, Action: action, SentByResource: sentByResource}
}

// Encode renders the token as "1:" followed by the base64 encoded JSON payload.
func Encode(d Data) (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s data: %w", PropertyName, err)
	}
	return dataPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decode parses a token produced by Encode.
func Decode(value string) (Data, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, dataPrefix) {
		return Data{}, fmt.Errorf("%w: missing version prefix", ErrInvalidData)
	}
	payload, err := base64.StdEncoding.DecodeString(value[len(dataPrefix):])
	if err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	d := Data{SentByResource: -1}
	if err := json.Unmarshal(payload, &d); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return d, nil
}

// Matches reports whether the token was produced by the given deployment and
// context.
func (d Data) Matches(serverUID string, contextID int) bool {
	return d.ServerUID != nil && *d.ServerUID == serverUID && d.ContextID == contextID
}

// SentByResourceID returns the resource delegate id, if any.
func (d Data) SentByResourceID() (int, bool) {
	return d.SentByResource, d.SentByResource > 0
}
