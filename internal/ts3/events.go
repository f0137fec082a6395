package ts3

import (
	"strconv"
)

// TargetMode selects the scope of a text message.
type TargetMode int

const (
	TargetModePrivate TargetMode = 1
	TargetModeChannel TargetMode = 2
	TargetModeServer  TargetMode = 3
)

// Event is a server notification parsed into one of the typed event
// structs below.
type Event interface {
	isEvent()
}

// TextMessageEvent is a private, channel or server text message.
type TextMessageEvent struct {
	TargetMode  TargetMode
	Message     string
	InvokerID   int
	InvokerName string
	InvokerUID  string
	Target      int
}

// ClientEnteredEvent fires when a client connects to the server.
type ClientEnteredEvent struct {
	ClientID        int
	ClientName      string
	ClientUID       string
	ClientDBID      int
	TargetChannelID int
	FromChannelID   int
	ReasonID        int
	Description     string
	Country         string
	Away            bool
	AwayMessage     string
	ServerGroups    string
	InputMuted      bool
	OutputMuted     bool
	Recording       bool
}

// ClientLeftEvent fires when a client disconnects.
type ClientLeftEvent struct {
	ClientID        int
	TargetChannelID int
	FromChannelID   int
	ReasonID        int
	ReasonMessage   string
}

// ClientMovedEvent fires when a client is moved by someone else.
type ClientMovedEvent struct {
	ClientID        int
	TargetChannelID int
	ReasonID        int
	InvokerID       int
	InvokerName     string
	InvokerUID      string
}

// ClientMovedSelfEvent fires when a client switches channels on their
// own.
type ClientMovedSelfEvent struct {
	ClientID        int
	TargetChannelID int
	ReasonID        int
}

// ChannelEditedEvent fires when channel properties change.
type ChannelEditedEvent struct {
	ChannelID   int
	InvokerID   int
	InvokerName string
	InvokerUID  string
	ReasonID    int
	Topic       string
}

// ChannelDescriptionChangedEvent fires when a channel description is
// edited.
type ChannelDescriptionChangedEvent struct {
	ChannelID int
}

// ServerEditedEvent fires when virtual server settings change. Changed
// holds the modified properties.
type ServerEditedEvent struct {
	InvokerID   int
	InvokerName string
	InvokerUID  string
	ReasonID    int
	Changed     map[string]string
}

func (TextMessageEvent) isEvent()               {}
func (ClientEnteredEvent) isEvent()             {}
func (ClientLeftEvent) isEvent()                {}
func (ClientMovedEvent) isEvent()               {}
func (ClientMovedSelfEvent) isEvent()           {}
func (ChannelEditedEvent) isEvent()             {}
func (ChannelDescriptionChangedEvent) isEvent() {}
func (ServerEditedEvent) isEvent()              {}

func atoi(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return n
}

func atob(value string) bool {
	return value == "1"
}

// ParseEvent turns a notify type and its key/value data into a typed
// event. Unknown notify types return ok=false.
func ParseEvent(notifyType string, data map[string]string) (Event, bool) {
	switch notifyType {
	case "notifytextmessage":
		mode := TargetMode(atoi(data["targetmode"]))
		if mode != TargetModeChannel && mode != TargetModeServer {
			mode = TargetModePrivate
		}
		target := -1
		if value, ok := data["target"]; ok {
			target = atoi(value)
		}
		return TextMessageEvent{
			TargetMode:  mode,
			Message:     data["msg"],
			InvokerID:   atoi(data["invokerid"]),
			InvokerName: data["invokername"],
			InvokerUID:  data["invokeruid"],
			Target:      target,
		}, true

	case "notifycliententerview":
		return ClientEnteredEvent{
			ClientID:        atoi(data["clid"]),
			ClientName:      data["client_nickname"],
			ClientUID:       data["client_unique_identifier"],
			ClientDBID:      atoi(data["client_database_id"]),
			TargetChannelID: atoi(data["ctid"]),
			FromChannelID:   atoi(data["cfid"]),
			ReasonID:        atoi(data["reasonid"]),
			Description:     data["client_description"],
			Country:         data["client_country"],
			Away:            atob(data["client_away"]),
			AwayMessage:     data["client_away_message"],
			ServerGroups:    data["client_servergroups"],
			InputMuted:      atob(data["client_input_muted"]),
			OutputMuted:     atob(data["client_output_muted"]),
			Recording:       atob(data["client_is_recording"]),
		}, true

	case "notifyclientleftview":
		return ClientLeftEvent{
			ClientID:        atoi(data["clid"]),
			TargetChannelID: atoi(data["ctid"]),
			FromChannelID:   atoi(data["cfid"]),
			ReasonID:        atoi(data["reasonid"]),
			ReasonMessage:   data["reasonmsg"],
		}, true

	case "notifyclientmoved":
		if _, ok := data["invokerid"]; ok {
			return ClientMovedEvent{
				ClientID:        atoi(data["clid"]),
				TargetChannelID: atoi(data["ctid"]),
				ReasonID:        atoi(data["reasonid"]),
				InvokerID:       atoi(data["invokerid"]),
				InvokerName:     data["invokername"],
				InvokerUID:      data["invokeruid"],
			}, true
		}
		return ClientMovedSelfEvent{
			ClientID:        atoi(data["clid"]),
			TargetChannelID: atoi(data["ctid"]),
			ReasonID:        atoi(data["reasonid"]),
		}, true

	case "notifychanneledited":
		return ChannelEditedEvent{
			ChannelID:   atoi(data["cid"]),
			InvokerID:   atoi(data["invokerid"]),
			InvokerName: data["invokername"],
			InvokerUID:  data["invokeruid"],
			ReasonID:    atoi(data["reasonid"]),
			Topic:       data["channel_topic"],
		}, true

	case "notifychanneldescriptionchanged":
		return ChannelDescriptionChangedEvent{
			ChannelID: atoi(data["cid"]),
		}, true

	case "notifyserveredited":
		changed := make(map[string]string)
		for key, value := range data {
			switch key {
			case "reasonid", "invokerid", "invokeruid", "invokername":
			default:
				changed[key] = value
			}
		}
		return ServerEditedEvent{
			InvokerID:   atoi(data["invokerid"]),
			InvokerName: data["invokername"],
			InvokerUID:  data["invokeruid"],
			ReasonID:    atoi(data["reasonid"]),
			Changed:     changed,
		}, true
	}

	return nil, false
}
