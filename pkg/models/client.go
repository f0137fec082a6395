package models

import (
	"fmt"
	"time"
)

// Client is a connected TeamSpeak client tracked by the bot.
type Client struct {
	ClientID   int    `json:"client_id"`
	ClientUID  string `json:"client_uid"`
	ClientName string `json:"client_name"`
	ClientDBID int    `json:"client_dbid"`
}

func (c Client) String() string {
	return fmt.Sprintf("%s [id:%d uid:%s]", c.ClientName, c.ClientID, c.ClientUID)
}

// BotStatus is the snapshot served by the status API.
type BotStatus struct {
	Connected   bool      `json:"connected"`
	Nickname    string    `json:"nickname"`
	StartedAt   time.Time `json:"started_at"`
	ClientCount int       `json:"client_count"`
	Clients     []Client  `json:"clients"`
}

// PresenceRecord is the per-identity presence state kept across
// restarts.
type PresenceRecord struct {
	UID       string    `json:"uid"`
	Nickname  string    `json:"nickname"`
	Online    bool      `json:"online"`
	JoinCount int       `json:"join_count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
