// Package signalcli bridges Signal through a signal-cli subprocess
// running in jsonRpc mode: requests go over stdin, responses and
// inbound notifications come back over stdout as newline-delimited
// JSON.
package signalcli

import "encoding/json"

// envelope is the top-level structure signal-cli pushes for each
// received event. Exactly one of the message-type fields is non-nil;
// only data messages are actionable for the coordinator.
type envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *dataMessage    `json:"dataMessage,omitempty"`
	TypingMessage  *typingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *receiptMessage `json:"receiptMessage,omitempty"`
	SyncMessage    json.RawMessage `json:"syncMessage,omitempty"`
}

// dataMessage is a normal text or media message.
type dataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *groupInfo   `json:"groupInfo,omitempty"`
	Mentions    []mention    `json:"mentions,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

// mention marks an @-reference inside a group message.
type mention struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	UUID   string `json:"uuid"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// attachment describes media on a data message. The ID names a file in
// signal-cli's attachment directory.
type attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

type typingMessage struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

type receiptMessage struct {
	When       int64   `json:"when"`
	Type       string  `json:"type"`
	Timestamps []int64 `json:"timestamps"`
}

// receiveNotification is the params payload of signal-cli's "receive"
// notification.
type receiveNotification struct {
	Envelope envelope `json:"envelope"`
	Account  string   `json:"account,omitempty"`
}

type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// linkResult is the response to a startLink call.
type linkResult struct {
	DeviceLinkURI string `json:"deviceLinkUri"`
}

// account is one entry from listAccounts.
type account struct {
	Number string `json:"number"`
}
