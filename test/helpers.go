package test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// queryServer is a scriptable stand-in for a TeamSpeak server query
// port: greeting, per-command responses, pushed notifications.
type queryServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	commands []string
	handler  func(cmd string) []string
}

func startQueryServer(t *testing.T, handler func(cmd string) []string) *queryServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "Failed to listen")

	s := &queryServer{t: t, ln: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() { ln.Close() })

	return s
}

func (s *queryServer) hostPort() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (s *queryServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	conn.Write([]byte("TS3\n\r"))
	conn.Write([]byte("Welcome to the TeamSpeak 3 ServerQuery interface\n\r"))

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(strings.TrimSuffix(line, "\r"), "\n")

		if cmd == "quit" {
			conn.Close()
			return
		}

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		responses := s.handler(cmd)
		s.mu.Unlock()

		for _, resp := range responses {
			conn.Write([]byte(resp + "\n\r"))
		}
	}
}

// notify pushes a notification line to the connected client.
func (s *queryServer) notify(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Write([]byte(line + "\n\r"))
	}
}

func (s *queryServer) receivedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// waitForCommand polls until a received command matches the predicate.
func (s *queryServer) waitForCommand(t *testing.T, timeout time.Duration, match func(cmd string) bool) string {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, cmd := range s.receivedCommands() {
			if match(cmd) {
				return cmd
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("no matching command received, got: %v", s.receivedCommands())
	return ""
}

func ok() []string {
	return []string{"error id=0 msg=ok"}
}

func dataThenOK(lines ...string) []string {
	return append(lines, "error id=0 msg=ok")
}

// memoryStore is an in-memory bot.Store for end-to-end runs without a
// MariaDB instance.
type memoryStore struct {
	mu           sync.Mutex
	guestMessage string
	userIDs      map[string]int64
	steamIDs     map[string]string
	squadXML     map[string]string
	authkeys     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		guestMessage: "Welcome to the Kellerkompanie TeamSpeak!",
		userIDs:      make(map[string]int64),
		steamIDs:     make(map[string]string),
		squadXML:     make(map[string]string),
	}
}

func (m *memoryStore) GuestWelcomeMessage() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guestMessage, nil
}

func (m *memoryStore) UserID(uid string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, linked := m.userIDs[uid]
	return id, linked, nil
}

func (m *memoryStore) HasUserID(uid string) (bool, error) {
	_, linked, err := m.UserID(uid)
	return linked, err
}

func (m *memoryStore) SteamID(uid string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, stored := m.steamIDs[uid]
	return id, stored, nil
}

func (m *memoryStore) GenerateAuthkey(uid string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authkeys++
	return fmt.Sprintf("testkey%032d", m.authkeys)[:32], nil
}

func (m *memoryStore) HasSquadXMLEntry(steamID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.squadXML[steamID]
	return exists, nil
}

func (m *memoryStore) CreateSquadXMLEntry(steamID, nick string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.squadXML[steamID] = nick
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
