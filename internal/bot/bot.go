package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/config"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/ts3"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/pkg/models"
)

const (
	guestGroupName        = "Guest"
	stammspielerGroupName = "Stammspieler"
)

// Session is the slice of the server query connection the bot drives.
// Satisfied by *ts3.Conn.
type Session interface {
	Login(user, password string) error
	Use(serverID int) error
	Whoami() (map[string]string, error)
	ClientList() ([]map[string]string, error)
	ClientInfo(clientID int) (map[string]string, error)
	ChannelFind(pattern string) ([]map[string]string, error)
	ServerGroupList() ([]map[string]string, error)
	ClientMove(channelID, clientID int) error
	SendTextMessage(mode ts3.TargetMode, target int, msg string) error
	ClientUpdate(params ...ts3.Param) error
	ServerGroupAddClient(groupID, clientDBID int) error
	ServerGroupDelClient(groupID, clientDBID int) error
	RegisterServerEvents() error
	RegisterServerMessages() error
	RegisterChannelEvents(channelID int) error
	RegisterChannelMessages() error
	RegisterPrivateMessages() error
	StartKeepalive(interval time.Duration)
	Events() <-chan ts3.Event
	Close() error
}

// Store is the database surface holding bot/user mappings. Satisfied
// by *database.Database.
type Store interface {
	GuestWelcomeMessage() (string, error)
	UserID(teamspeakUID string) (int64, bool, error)
	HasUserID(teamspeakUID string) (bool, error)
	SteamID(teamspeakUID string) (string, bool, error)
	GenerateAuthkey(teamspeakUID string) (string, error)
	HasSquadXMLEntry(steamID string) (bool, error)
	CreateSquadXMLEntry(steamID, nick string) error
}

// Backend is the community backend surface. Satisfied by
// *backend.Client.
type Backend interface {
	Username(steamID string) (string, error)
	Stammspieler(steamID string) (bool, error)
	TriggerSquadXMLUpdate() error
	LinkAccountURL(authkey string) string
}

// Presence records client joins and leaves. Satisfied by
// *presence.Store.
type Presence interface {
	RecordJoin(uid, nickname string, at time.Time) error
	Touch(uid, nickname string, at time.Time) error
	RecordLeave(uid string, at time.Time) error
	MarkAllOffline() error
}

// Bot bridges the Kellerkompanie backend with a TeamSpeak server.
type Bot struct {
	cfg      config.ServerConfig
	session  Session
	store    Store
	backend  Backend
	presence Presence
	logger   *logrus.Logger

	mu        sync.Mutex
	clients   map[int]models.Client
	selfID    int
	connected bool
	startedAt time.Time
}

func New(cfg config.ServerConfig, session Session, store Store, backend Backend, presence Presence, logger *logrus.Logger) *Bot {
	return &Bot{
		cfg:      cfg,
		session:  session,
		store:    store,
		backend:  backend,
		presence: presence,
		logger:   logger,
		clients:  make(map[int]models.Client),
	}
}

// Run performs the startup sequence and then consumes server events
// until the connection dies or the done channel closes. A lost query
// connection returns an error; the service supervisor restarts the
// process.
func (b *Bot) Run(done <-chan struct{}) error {
	b.mu.Lock()
	b.startedAt = time.Now()
	b.mu.Unlock()

	if err := b.startup(); err != nil {
		return err
	}

	b.setConnected(true)
	defer b.setConnected(false)

	for {
		select {
		case <-done:
			return b.session.Close()
		case event, ok := <-b.session.Events():
			if !ok {
				return errors.New("query connection lost")
			}
			b.handleEvent(event)
		}
	}
}

func (b *Bot) startup() error {
	b.logger.WithFields(logrus.Fields{
		"host":     b.cfg.Host,
		"port":     b.cfg.Port,
		"nickname": b.cfg.Nickname,
	}).Info("Bot starting")

	if err := b.session.Login(b.cfg.User, b.cfg.Password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := b.session.Use(b.cfg.ServerID); err != nil {
		return fmt.Errorf("failed to select virtual server %d: %w", b.cfg.ServerID, err)
	}

	channels, err := b.session.ChannelFind(b.cfg.DefaultChannel)
	if err != nil {
		return fmt.Errorf("failed to find channel %q: %w", b.cfg.DefaultChannel, err)
	}
	if len(channels) == 0 {
		return fmt.Errorf("no channel matches %q", b.cfg.DefaultChannel)
	}
	channelID := atoi(channels[0]["cid"])

	// The nickname may still be taken by a lingering session of a
	// previous run.
	if err := b.session.ClientUpdate(ts3.Param{Key: "client_nickname", Value: b.cfg.Nickname}); err != nil {
		var qerr *ts3.QueryError
		if !errors.As(err, &qerr) {
			return fmt.Errorf("failed to set nickname: %w", err)
		}
		b.logger.WithError(err).Warn("Could not set nickname")
	}

	whoami, err := b.session.Whoami()
	if err != nil {
		return fmt.Errorf("whoami failed: %w", err)
	}
	b.mu.Lock()
	b.selfID = atoi(whoami["client_id"])
	b.mu.Unlock()

	if err := b.presence.MarkAllOffline(); err != nil {
		b.logger.WithError(err).Warn("Failed to reset presence records")
	}

	if err := b.walkConnectedClients(); err != nil {
		return err
	}

	if err := b.session.ClientMove(channelID, b.selfID); err != nil {
		var qerr *ts3.QueryError
		if !errors.As(err, &qerr) {
			return fmt.Errorf("failed to move into %q: %w", b.cfg.DefaultChannel, err)
		}
		b.logger.WithError(err).Warn("Could not move into default channel")
	}

	for _, register := range []func() error{
		b.session.RegisterServerEvents,
		b.session.RegisterServerMessages,
		func() error { return b.session.RegisterChannelEvents(channelID) },
		b.session.RegisterChannelMessages,
		b.session.RegisterPrivateMessages,
	} {
		if err := register(); err != nil {
			return fmt.Errorf("event registration failed: %w", err)
		}
	}

	b.session.StartKeepalive(0)

	return nil
}

// walkConnectedClients builds the roster from clients that were
// already on the server and runs the same greeting/sync they would get
// on joining.
func (b *Bot) walkConnectedClients() error {
	list, err := b.session.ClientList()
	if err != nil {
		return fmt.Errorf("clientlist failed: %w", err)
	}

	b.logger.WithField("count", len(list)).Info("Walking connected clients")

	for _, entry := range list {
		clientID := atoi(entry["clid"])

		info, err := b.session.ClientInfo(clientID)
		if err != nil {
			b.logger.WithError(err).WithField("client_id", clientID).Warn("clientinfo failed")
			continue
		}

		client := models.Client{
			ClientID:   clientID,
			ClientUID:  info["client_unique_identifier"],
			ClientName: entry["client_nickname"],
			ClientDBID: atoi(info["client_database_id"]),
		}
		b.setClient(client)
		b.logger.Info(client.String())

		if clientID == b.selfID {
			continue
		}

		if err := b.presence.Touch(client.ClientUID, client.ClientName, time.Now()); err != nil {
			b.logger.WithError(err).Warn("Failed to record presence")
		}

		b.greetOrSync(client)
	}

	return nil
}

func (b *Bot) handleEvent(event ts3.Event) {
	switch e := event.(type) {
	case ts3.TextMessageEvent:
		b.handleTextMessage(e)
	case ts3.ClientEnteredEvent:
		b.handleClientEntered(e)
	case ts3.ClientLeftEvent:
		b.handleClientLeft(e)
	case ts3.ClientMovedEvent:
		b.handleClientMoved(e.ClientID, e.TargetChannelID)
	case ts3.ClientMovedSelfEvent:
		b.handleClientMoved(e.ClientID, e.TargetChannelID)
	default:
		b.logger.WithField("event", fmt.Sprintf("%T", event)).Debug("Unhandled event")
	}
}

func (b *Bot) handleClientEntered(event ts3.ClientEnteredEvent) {
	client := models.Client{
		ClientID:   event.ClientID,
		ClientUID:  event.ClientUID,
		ClientName: event.ClientName,
		ClientDBID: event.ClientDBID,
	}
	b.setClient(client)

	b.logger.WithField("client", client.String()).Info("Client entered")

	if err := b.presence.RecordJoin(client.ClientUID, client.ClientName, time.Now()); err != nil {
		b.logger.WithError(err).Warn("Failed to record presence")
	}

	b.greetOrSync(client)
}

func (b *Bot) handleClientLeft(event ts3.ClientLeftEvent) {
	client, ok := b.getClient(event.ClientID)
	if !ok {
		return
	}

	b.mu.Lock()
	delete(b.clients, event.ClientID)
	b.mu.Unlock()

	b.logger.WithField("client", client.String()).Info("Client left")

	if err := b.presence.RecordLeave(client.ClientUID, time.Now()); err != nil {
		b.logger.WithError(err).Warn("Failed to record presence")
	}
}

func (b *Bot) handleClientMoved(clientID, targetChannelID int) {
	client, ok := b.getClient(clientID)
	if !ok {
		return
	}

	ownChannelID, err := b.currentChannelID()
	if err != nil {
		b.logger.WithError(err).Warn("Failed to determine own channel")
		return
	}

	if targetChannelID == ownChannelID {
		b.logger.WithField("client", client.String()).Info("Client entered own channel")
	}
}

// greetOrSync applies the join policy: guests get the welcome message,
// unlinked identities get a link-account prompt, linked members get
// their roster entry and group membership synced with the backend.
func (b *Bot) greetOrSync(client models.Client) {
	guest, err := b.isGuest(client.ClientID)
	if err != nil {
		b.logger.WithError(err).WithField("client", client.String()).Warn("Guest check failed")
		return
	}

	if guest {
		message, err := b.store.GuestWelcomeMessage()
		if err != nil {
			b.logger.WithError(err).Warn("Failed to load guest welcome message")
			return
		}
		if err := b.session.SendTextMessage(ts3.TargetModePrivate, client.ClientID, message); err != nil {
			b.logger.WithError(err).Warn("Failed to send guest welcome message")
		}
		return
	}

	linked, err := b.store.HasUserID(client.ClientUID)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to check account link")
		return
	}

	if !linked {
		if err := b.sendLinkAccountMessage(client); err != nil {
			b.logger.WithError(err).Warn("Failed to send link account message")
		}
		return
	}

	if err := b.updateSquadXMLEntry(client); err != nil {
		b.logger.WithError(err).WithField("client", client.String()).Warn("Squad xml sync failed")
	}
	if err := b.updateStammspielerStatus(client); err != nil {
		b.logger.WithError(err).WithField("client", client.String()).Warn("Stammspieler sync failed")
	}
}

func (b *Bot) sendLinkAccountMessage(client models.Client) error {
	authkey, err := b.store.GenerateAuthkey(client.ClientUID)
	if err != nil {
		return err
	}

	message := fmt.Sprintf(
		"Hallo %s! Deine Teamspeak Identität ist nicht mit der Kellerkompanie Webseite verknüpft. "+
			"Klicke auf folgenden Link um die Accounts zu verknüpfen:\n\n%s",
		client.ClientName, b.backend.LinkAccountURL(authkey),
	)
	return b.session.SendTextMessage(ts3.TargetModePrivate, client.ClientID, message)
}

// updateSquadXMLEntry creates the squad.xml roster entry for a linked
// member and asks the website to regenerate the file.
func (b *Bot) updateSquadXMLEntry(client models.Client) error {
	steamID, ok, err := b.store.SteamID(client.ClientUID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	exists, err := b.store.HasSquadXMLEntry(steamID)
	if err != nil || exists {
		return err
	}

	nick, err := b.backend.Username(steamID)
	if err != nil {
		return err
	}
	if nick == "" {
		return nil
	}

	if err := b.store.CreateSquadXMLEntry(steamID, nick); err != nil {
		return err
	}
	return b.backend.TriggerSquadXMLUpdate()
}

// updateStammspielerStatus aligns the Stammspieler server group with
// what the backend reports for the player.
func (b *Bot) updateStammspielerStatus(client models.Client) error {
	steamID, ok, err := b.store.SteamID(client.ClientUID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	groupID, err := b.serverGroupIDByName(stammspielerGroupName)
	if err != nil {
		return err
	}

	isStammspieler, err := b.backend.Stammspieler(steamID)
	if err != nil {
		return err
	}

	inGroup, err := b.isClientInGroup(client.ClientID, stammspielerGroupName)
	if err != nil {
		return err
	}

	switch {
	case isStammspieler && !inGroup:
		b.logger.WithField("client", client.String()).Info("Adding client to Stammspieler group")
		return b.session.ServerGroupAddClient(groupID, client.ClientDBID)
	case !isStammspieler && inGroup:
		b.logger.WithField("client", client.String()).Info("Removing client from Stammspieler group")
		return b.session.ServerGroupDelClient(groupID, client.ClientDBID)
	}
	return nil
}

func (b *Bot) isGuest(clientID int) (bool, error) {
	return b.isClientInGroup(clientID, guestGroupName)
}

// serverGroupIDByName resolves a regular server group (type 1) by
// display name.
func (b *Bot) serverGroupIDByName(name string) (int, error) {
	groups, err := b.session.ServerGroupList()
	if err != nil {
		return 0, err
	}

	for _, group := range groups {
		if group["type"] == "1" && group["name"] == name {
			return atoi(group["sgid"]), nil
		}
	}
	return 0, fmt.Errorf("no server group named %q", name)
}

func (b *Bot) isClientInGroup(clientID int, groupName string) (bool, error) {
	groupID, err := b.serverGroupIDByName(groupName)
	if err != nil {
		return false, err
	}

	clientGroups, err := b.clientGroupIDs(clientID)
	if err != nil {
		return false, err
	}

	for _, id := range clientGroups {
		if id == groupID {
			return true, nil
		}
	}
	return false, nil
}

func (b *Bot) clientGroupIDs(clientID int) ([]int, error) {
	info, err := b.session.ClientInfo(clientID)
	if err != nil {
		return nil, err
	}

	var ids []int
	for _, raw := range strings.Split(info["client_servergroups"], ",") {
		if raw == "" {
			continue
		}
		ids = append(ids, atoi(raw))
	}
	return ids, nil
}

func (b *Bot) currentChannelID() (int, error) {
	whoami, err := b.session.Whoami()
	if err != nil {
		return 0, err
	}
	return atoi(whoami["client_channel_id"]), nil
}

// Status returns a snapshot for the status API.
func (b *Bot) Status() models.BotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := make([]models.Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}

	return models.BotStatus{
		Connected:   b.connected,
		Nickname:    b.cfg.Nickname,
		StartedAt:   b.startedAt,
		ClientCount: len(clients),
		Clients:     clients,
	}
}

func (b *Bot) setConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
}

func (b *Bot) setClient(client models.Client) {
	b.mu.Lock()
	b.clients[client.ClientID] = client
	b.mu.Unlock()
}

func (b *Bot) getClient(clientID int) (models.Client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	client, ok := b.clients[clientID]
	return client, ok
}

func atoi(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return n
}
