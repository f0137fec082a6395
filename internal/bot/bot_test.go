package bot

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/config"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/ts3"
	"github.com/kellerkompanie/kellerkompanie-ts3bot/pkg/models"
)

type sentMessage struct {
	mode    ts3.TargetMode
	target  int
	message string
}

// fakeSession scripts the server side of the query connection.
type fakeSession struct {
	whoami      map[string]string
	clientList  []map[string]string
	clientInfos map[int]map[string]string
	channels    []map[string]string
	groups      []map[string]string

	sent         []sentMessage
	groupAdds    [][2]int
	groupDels    [][2]int
	movedTo      []int
	registered   []string
	loggedIn     bool
	usedServerID int
	closed       bool

	events chan ts3.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		whoami:      map[string]string{"client_id": "1", "client_channel_id": "42"},
		clientInfos: make(map[int]map[string]string),
		channels:    []map[string]string{{"cid": "42", "channel_name": "Botchannel"}},
		groups: []map[string]string{
			{"sgid": "6", "name": "Guest", "type": "1"},
			{"sgid": "9", "name": "Stammspieler", "type": "1"},
			{"sgid": "1", "name": "Guest", "type": "0"}, // template group, must be ignored
		},
		events: make(chan ts3.Event, 16),
	}
}

func (f *fakeSession) Login(user, password string) error { f.loggedIn = true; return nil }
func (f *fakeSession) Use(serverID int) error            { f.usedServerID = serverID; return nil }
func (f *fakeSession) Whoami() (map[string]string, error) {
	return f.whoami, nil
}
func (f *fakeSession) ClientList() ([]map[string]string, error) { return f.clientList, nil }
func (f *fakeSession) ClientInfo(clientID int) (map[string]string, error) {
	info, ok := f.clientInfos[clientID]
	if !ok {
		return nil, &ts3.QueryError{ID: ts3.ErrIDInvalidID, Message: "invalid clientID"}
	}
	return info, nil
}
func (f *fakeSession) ChannelFind(pattern string) ([]map[string]string, error) {
	return f.channels, nil
}
func (f *fakeSession) ServerGroupList() ([]map[string]string, error) { return f.groups, nil }
func (f *fakeSession) ClientMove(channelID, clientID int) error {
	f.movedTo = append(f.movedTo, channelID)
	return nil
}
func (f *fakeSession) SendTextMessage(mode ts3.TargetMode, target int, msg string) error {
	f.sent = append(f.sent, sentMessage{mode, target, msg})
	return nil
}
func (f *fakeSession) ClientUpdate(params ...ts3.Param) error { return nil }
func (f *fakeSession) ServerGroupAddClient(groupID, clientDBID int) error {
	f.groupAdds = append(f.groupAdds, [2]int{groupID, clientDBID})
	return nil
}
func (f *fakeSession) ServerGroupDelClient(groupID, clientDBID int) error {
	f.groupDels = append(f.groupDels, [2]int{groupID, clientDBID})
	return nil
}
func (f *fakeSession) RegisterServerEvents() error {
	f.registered = append(f.registered, "server")
	return nil
}
func (f *fakeSession) RegisterServerMessages() error {
	f.registered = append(f.registered, "textserver")
	return nil
}
func (f *fakeSession) RegisterChannelEvents(channelID int) error {
	f.registered = append(f.registered, fmt.Sprintf("channel:%d", channelID))
	return nil
}
func (f *fakeSession) RegisterChannelMessages() error {
	f.registered = append(f.registered, "textchannel")
	return nil
}
func (f *fakeSession) RegisterPrivateMessages() error {
	f.registered = append(f.registered, "textprivate")
	return nil
}
func (f *fakeSession) StartKeepalive(interval time.Duration) {}
func (f *fakeSession) Events() <-chan ts3.Event              { return f.events }
func (f *fakeSession) Close() error                          { f.closed = true; return nil }

// addClient wires a connected client into clientlist and clientinfo.
func (f *fakeSession) addClient(clientID int, uid, nickname string, dbid int, groups string) {
	f.clientList = append(f.clientList, map[string]string{
		"clid":            fmt.Sprintf("%d", clientID),
		"client_nickname": nickname,
	})
	f.clientInfos[clientID] = map[string]string{
		"client_unique_identifier": uid,
		"client_database_id":       fmt.Sprintf("%d", dbid),
		"client_servergroups":      groups,
	}
}

type fakeStore struct {
	guestMessage string
	userIDs      map[string]int64
	steamIDs     map[string]string
	squadXML     map[string]string
	authkeys     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		guestMessage: "Welcome!",
		userIDs:      make(map[string]int64),
		steamIDs:     make(map[string]string),
		squadXML:     make(map[string]string),
	}
}

func (f *fakeStore) GuestWelcomeMessage() (string, error) { return f.guestMessage, nil }
func (f *fakeStore) UserID(uid string) (int64, bool, error) {
	id, ok := f.userIDs[uid]
	return id, ok, nil
}
func (f *fakeStore) HasUserID(uid string) (bool, error) {
	_, ok := f.userIDs[uid]
	return ok, nil
}
func (f *fakeStore) SteamID(uid string) (string, bool, error) {
	id, ok := f.steamIDs[uid]
	return id, ok, nil
}
func (f *fakeStore) GenerateAuthkey(uid string) (string, error) {
	f.authkeys++
	return fmt.Sprintf("key-%s-%d", uid, f.authkeys), nil
}
func (f *fakeStore) HasSquadXMLEntry(steamID string) (bool, error) {
	_, ok := f.squadXML[steamID]
	return ok, nil
}
func (f *fakeStore) CreateSquadXMLEntry(steamID, nick string) error {
	f.squadXML[steamID] = nick
	return nil
}

type fakeBackend struct {
	usernames     map[string]string
	stammspieler  map[string]bool
	squadTriggers int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		usernames:    make(map[string]string),
		stammspieler: make(map[string]bool),
	}
}

func (f *fakeBackend) Username(steamID string) (string, error) { return f.usernames[steamID], nil }
func (f *fakeBackend) Stammspieler(steamID string) (bool, error) {
	return f.stammspieler[steamID], nil
}
func (f *fakeBackend) TriggerSquadXMLUpdate() error { f.squadTriggers++; return nil }
func (f *fakeBackend) LinkAccountURL(authkey string) string {
	return "https://example.com/link?authkey=" + authkey
}

type fakePresence struct {
	joins   []string
	touches []string
	leaves  []string
	resets  int
}

func (f *fakePresence) RecordJoin(uid, nickname string, at time.Time) error {
	f.joins = append(f.joins, uid)
	return nil
}
func (f *fakePresence) Touch(uid, nickname string, at time.Time) error {
	f.touches = append(f.touches, uid)
	return nil
}
func (f *fakePresence) RecordLeave(uid string, at time.Time) error {
	f.leaves = append(f.leaves, uid)
	return nil
}
func (f *fakePresence) MarkAllOffline() error { f.resets++; return nil }

type fixture struct {
	bot      *Bot
	session  *fakeSession
	store    *fakeStore
	backend  *fakeBackend
	presence *fakePresence
}

func newFixture() *fixture {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	session := newFakeSession()
	store := newFakeStore()
	backend := newFakeBackend()
	presence := &fakePresence{}

	cfg := config.DefaultServerConfig()

	return &fixture{
		bot:      New(cfg, session, store, backend, presence, logger),
		session:  session,
		store:    store,
		backend:  backend,
		presence: presence,
	}
}

func enteredEvent(clientID int, uid, nickname string, dbid int) ts3.ClientEnteredEvent {
	return ts3.ClientEnteredEvent{
		ClientID:   clientID,
		ClientUID:  uid,
		ClientName: nickname,
		ClientDBID: dbid,
	}
}

func TestStartup(t *testing.T) {
	t.Run("Sequence", func(t *testing.T) {
		f := newFixture()
		f.session.addClient(1, "bot-uid=", "Kellerkompanie Bot", 2, "")

		require.NoError(t, f.bot.startup())

		assert.True(t, f.session.loggedIn)
		assert.Equal(t, 1, f.session.usedServerID)
		assert.Equal(t, []int{42}, f.session.movedTo)
		assert.Equal(t, []string{"server", "textserver", "channel:42", "textchannel", "textprivate"}, f.session.registered)
		assert.Equal(t, 1, f.presence.resets)
	})

	t.Run("Self Not Greeted", func(t *testing.T) {
		f := newFixture()
		f.session.addClient(1, "bot-uid=", "Kellerkompanie Bot", 2, "")

		require.NoError(t, f.bot.startup())

		assert.Empty(t, f.session.sent)
		assert.Empty(t, f.presence.touches)
	})

	t.Run("Roster Walk Greets Guest", func(t *testing.T) {
		f := newFixture()
		f.session.addClient(1, "bot-uid=", "Kellerkompanie Bot", 2, "")
		f.session.addClient(5, "guest-uid=", "GuestGuy", 7, "6")

		require.NoError(t, f.bot.startup())

		require.Len(t, f.session.sent, 1)
		assert.Equal(t, ts3.TargetModePrivate, f.session.sent[0].mode)
		assert.Equal(t, 5, f.session.sent[0].target)
		assert.Equal(t, "Welcome!", f.session.sent[0].message)
		assert.Equal(t, []string{"guest-uid="}, f.presence.touches)
	})
}

func TestClientEntered(t *testing.T) {
	t.Run("Guest Gets Welcome Message", func(t *testing.T) {
		f := newFixture()
		f.session.clientInfos[5] = map[string]string{"client_servergroups": "6"}

		f.bot.handleEvent(enteredEvent(5, "guest-uid=", "GuestGuy", 7))

		require.Len(t, f.session.sent, 1)
		assert.Equal(t, "Welcome!", f.session.sent[0].message)
		assert.Equal(t, []string{"guest-uid="}, f.presence.joins)
	})

	t.Run("Unlinked Client Gets Link Prompt", func(t *testing.T) {
		f := newFixture()
		f.session.clientInfos[5] = map[string]string{"client_servergroups": "8"}

		f.bot.handleEvent(enteredEvent(5, "new-uid=", "NewGuy", 7))

		require.Len(t, f.session.sent, 1)
		assert.Contains(t, f.session.sent[0].message, "Hallo NewGuy!")
		assert.Contains(t, f.session.sent[0].message, "https://example.com/link?authkey=key-new-uid=-1")
	})

	t.Run("Linked Member Synced", func(t *testing.T) {
		f := newFixture()
		f.session.clientInfos[5] = map[string]string{"client_servergroups": "8"}
		f.store.userIDs["member-uid="] = 100
		f.store.steamIDs["member-uid="] = "765611"
		f.backend.usernames["765611"] = "MemberNick"
		f.backend.stammspieler["765611"] = true

		f.bot.handleEvent(enteredEvent(5, "member-uid=", "MemberGuy", 7))

		assert.Empty(t, f.session.sent)
		assert.Equal(t, "MemberNick", f.store.squadXML["765611"])
		assert.Equal(t, 1, f.backend.squadTriggers)
		assert.Equal(t, [][2]int{{9, 7}}, f.session.groupAdds)
	})

	t.Run("Stammspieler Revoked", func(t *testing.T) {
		f := newFixture()
		// Client already carries the Stammspieler group 9.
		f.session.clientInfos[5] = map[string]string{"client_servergroups": "8,9"}
		f.store.userIDs["member-uid="] = 100
		f.store.steamIDs["member-uid="] = "765611"
		f.store.squadXML["765611"] = "MemberNick"
		f.backend.stammspieler["765611"] = false

		f.bot.handleEvent(enteredEvent(5, "member-uid=", "MemberGuy", 7))

		assert.Empty(t, f.session.groupAdds)
		assert.Equal(t, [][2]int{{9, 7}}, f.session.groupDels)
	})

	t.Run("Existing Squad Entry Not Recreated", func(t *testing.T) {
		f := newFixture()
		f.session.clientInfos[5] = map[string]string{"client_servergroups": "8"}
		f.store.userIDs["member-uid="] = 100
		f.store.steamIDs["member-uid="] = "765611"
		f.store.squadXML["765611"] = "MemberNick"

		f.bot.handleEvent(enteredEvent(5, "member-uid=", "MemberGuy", 7))

		assert.Equal(t, 0, f.backend.squadTriggers)
	})
}

func TestClientLeft(t *testing.T) {
	f := newFixture()
	f.session.clientInfos[5] = map[string]string{"client_servergroups": "8"}
	f.bot.handleEvent(enteredEvent(5, "uid=", "Guy", 7))

	f.bot.handleEvent(ts3.ClientLeftEvent{ClientID: 5})

	assert.Equal(t, []string{"uid="}, f.presence.leaves)
	_, ok := f.bot.getClient(5)
	assert.False(t, ok)

	// A second leave for the same id is ignored.
	f.bot.handleEvent(ts3.ClientLeftEvent{ClientID: 5})
	assert.Len(t, f.presence.leaves, 1)
}

func TestTextCommands(t *testing.T) {
	setup := func() *fixture {
		f := newFixture()
		f.bot.selfID = 1
		f.bot.setClient(models.Client{ClientID: 1, ClientUID: "bot-uid=", ClientName: "Bot", ClientDBID: 2})
		f.bot.setClient(models.Client{ClientID: 5, ClientUID: "user-uid=", ClientName: "User", ClientDBID: 7})
		return f
	}

	t.Run("Hi", func(t *testing.T) {
		f := setup()

		f.bot.handleEvent(ts3.TextMessageEvent{
			TargetMode: ts3.TargetModePrivate,
			Message:    "!hi",
			InvokerID:  5,
		})

		require.Len(t, f.session.sent, 1)
		assert.Equal(t, "Hallo User!", f.session.sent[0].message)
		assert.Equal(t, 5, f.session.sent[0].target)
	})

	t.Run("Edit", func(t *testing.T) {
		f := setup()

		f.bot.handleEvent(ts3.TextMessageEvent{Message: "!edit", InvokerID: 5})

		require.Len(t, f.session.sent, 1)
		assert.Equal(t, "OK! Und los...", f.session.sent[0].message)
	})

	t.Run("Link Unlinked", func(t *testing.T) {
		f := setup()

		f.bot.handleEvent(ts3.TextMessageEvent{Message: "!link", InvokerID: 5})

		require.Len(t, f.session.sent, 3)
		assert.Equal(t, "has_user_id: false", f.session.sent[0].message)
		assert.Equal(t, "user_id: none", f.session.sent[1].message)
		assert.Contains(t, f.session.sent[2].message, "authkey=key-user-uid=-1")
	})

	t.Run("Link Linked", func(t *testing.T) {
		f := setup()
		f.store.userIDs["user-uid="] = 123

		f.bot.handleEvent(ts3.TextMessageEvent{Message: "!link", InvokerID: 5})

		require.Len(t, f.session.sent, 3)
		assert.Equal(t, "has_user_id: true", f.session.sent[0].message)
		assert.Equal(t, "user_id: 123", f.session.sent[1].message)
	})

	t.Run("Own Messages Ignored", func(t *testing.T) {
		f := setup()

		f.bot.handleEvent(ts3.TextMessageEvent{Message: "!hi", InvokerID: 1})

		assert.Empty(t, f.session.sent)
	})

	t.Run("Unknown Invoker Ignored", func(t *testing.T) {
		f := setup()

		f.bot.handleEvent(ts3.TextMessageEvent{Message: "!hi", InvokerID: 99})

		assert.Empty(t, f.session.sent)
	})

	t.Run("Plain Chatter Ignored", func(t *testing.T) {
		f := setup()

		f.bot.handleEvent(ts3.TextMessageEvent{Message: "hello there", InvokerID: 5})

		assert.Empty(t, f.session.sent)
	})
}

func TestRun(t *testing.T) {
	t.Run("Connection Lost", func(t *testing.T) {
		f := newFixture()
		f.session.addClient(1, "bot-uid=", "Kellerkompanie Bot", 2, "")

		done := make(chan struct{})
		errCh := make(chan error, 1)
		go func() { errCh <- f.bot.Run(done) }()

		// Let startup finish, then simulate the server dropping us.
		time.Sleep(100 * time.Millisecond)
		close(f.session.events)

		select {
		case err := <-errCh:
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), "connection lost"))
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("Shutdown Closes Session", func(t *testing.T) {
		f := newFixture()
		f.session.addClient(1, "bot-uid=", "Kellerkompanie Bot", 2, "")

		done := make(chan struct{})
		errCh := make(chan error, 1)
		go func() { errCh <- f.bot.Run(done) }()

		time.Sleep(100 * time.Millisecond)
		close(done)

		select {
		case err := <-errCh:
			require.NoError(t, err)
			assert.True(t, f.session.closed)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	})
}

func TestStatus(t *testing.T) {
	f := newFixture()
	f.session.clientInfos[5] = map[string]string{"client_servergroups": "6"}

	f.bot.handleEvent(enteredEvent(5, "uid=", "Guy", 7))

	status := f.bot.Status()
	assert.Equal(t, 1, status.ClientCount)
	assert.Equal(t, "Kellerkompanie Bot", status.Nickname)
	require.Len(t, status.Clients, 1)
	assert.Equal(t, "Guy", status.Clients[0].ClientName)
}
