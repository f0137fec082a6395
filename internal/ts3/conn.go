package ts3

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds dialing, reads during the handshake and
	// waiting for a command response.
	DefaultTimeout = 10 * time.Second

	// DefaultKeepaliveInterval is how often the keepalive loop issues a
	// whoami to keep the query connection from idling out.
	DefaultKeepaliveInterval = 5 * time.Second

	eventBuffer = 64
)

// Conn is a TeamSpeak 3 server query connection. Commands are issued
// one at a time; server notifications arrive on the Events channel
// once the corresponding register calls have been made.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	logger  *logrus.Logger
	timeout time.Duration

	// sendMu serializes commands so responses can be matched to the
	// single in-flight command.
	sendMu    sync.Mutex
	respLines chan string
	respDone  chan *QueryError

	events chan Event

	closeOnce sync.Once
	done      chan struct{}

	keepaliveOnce sync.Once
	keepaliveDone chan struct{}
}

// Dial connects to the query port of a TeamSpeak 3 server and consumes
// the protocol greeting.
func Dial(host string, port int, logger *logrus.Logger) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	netConn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Conn{
		netConn:       netConn,
		reader:        bufio.NewReader(netConn),
		logger:        logger,
		timeout:       DefaultTimeout,
		respLines:     make(chan string, 16),
		respDone:      make(chan *QueryError, 1),
		events:        make(chan Event, eventBuffer),
		done:          make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}

	// The server greets with a "TS3" banner line and a welcome line.
	for i := 0; i < 2; i++ {
		if _, err := c.readLine(); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("failed to read greeting: %w", err)
		}
	}

	go c.receiveLoop()

	return c, nil
}

// Events returns the channel on which server notifications are
// delivered. The channel is closed when the connection dies.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed when the receive loop has terminated, whether by
// Close or by the server dropping the connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends quit and tears down the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.StopKeepalive()
		c.netConn.SetWriteDeadline(time.Now().Add(time.Second))
		c.netConn.Write([]byte("quit\n\r"))
		err = c.netConn.Close()
	})
	return err
}

func (c *Conn) readLine() (string, error) {
	c.netConn.SetReadDeadline(time.Now().Add(c.timeout))
	line, err := c.reader.ReadString('\r')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\r"), "\n"), nil
}

// receiveLoop routes incoming lines: notifications to the event
// channel, error lines and data lines to the in-flight command.
func (c *Conn) receiveLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		c.netConn.Close()
	}()

	for {
		c.netConn.SetReadDeadline(time.Time{})
		line, err := c.reader.ReadString('\r')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\r"), "\n")

		switch {
		case strings.HasPrefix(line, "notify"):
			c.dispatchNotify(line)
		case strings.HasPrefix(line, "error "):
			select {
			case c.respDone <- parseErrorLine(line):
			default:
				c.logger.WithField("line", line).Warn("Discarding unexpected error line")
			}
		default:
			select {
			case c.respLines <- line:
			default:
				c.logger.WithField("line", line).Warn("Discarding unexpected response line")
			}
		}
	}
}

func (c *Conn) dispatchNotify(line string) {
	notifyType, rest, _ := strings.Cut(line, " ")

	event, ok := ParseEvent(notifyType, ParseLine(rest))
	if !ok {
		c.logger.WithField("type", notifyType).Warn("Unknown event type")
		return
	}

	select {
	case c.events <- event:
	default:
		c.logger.WithField("type", notifyType).Warn("Event buffer full, dropping event")
	}
}

// parseErrorLine parses "error id=X msg=Y ...". A nil result means the
// command succeeded.
func parseErrorLine(line string) *QueryError {
	data := ParseLine(strings.TrimPrefix(line, "error "))

	id := atoi(data["id"])
	if id == ErrIDOK {
		return nil
	}
	return &QueryError{ID: id, Message: data["msg"]}
}

// Exec sends a command and returns the accumulated data response. The
// terminating error line determines success; a non-zero id surfaces as
// a *QueryError.
func (c *Conn) Exec(command string, flags []string, params ...Param) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Drop stale state from a previously timed-out command. The
	// protocol carries no correlation id, so a late response arriving
	// after this drain would still be attributed to the next command.
	for {
		select {
		case <-c.respLines:
			continue
		case <-c.respDone:
			continue
		default:
		}
		break
	}

	c.netConn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.netConn.Write(BuildCommand(command, flags, params...)); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", command, err)
	}

	var lines []string
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case line := <-c.respLines:
			lines = append(lines, line)
		case qerr := <-c.respDone:
			if qerr != nil {
				return "", qerr
			}
			return strings.Join(lines, ""), nil
		case <-timer.C:
			return "", fmt.Errorf("%s: %w", command, ErrTimeout)
		case <-c.done:
			return "", fmt.Errorf("%s: %w", command, ErrClosed)
		}
	}
}

// Login authenticates with server query credentials.
func (c *Conn) Login(user, password string) error {
	_, err := c.Exec("login", nil,
		Param{"client_login_name", user},
		Param{"client_login_password", password},
	)
	return err
}

// Use selects a virtual server by id.
func (c *Conn) Use(serverID int) error {
	_, err := c.Exec("use", nil, Param{"sid", strconv.Itoa(serverID)})
	return err
}

// Whoami returns information about the query client itself.
func (c *Conn) Whoami() (map[string]string, error) {
	resp, err := c.Exec("whoami", nil)
	if err != nil {
		return nil, err
	}
	return ParseLine(resp), nil
}

// ClientList returns the currently connected clients.
func (c *Conn) ClientList() ([]map[string]string, error) {
	resp, err := c.Exec("clientlist", nil)
	if err != nil {
		return nil, err
	}
	return ParseList(resp), nil
}

// ClientInfo returns detailed properties of a connected client.
func (c *Conn) ClientInfo(clientID int) (map[string]string, error) {
	resp, err := c.Exec("clientinfo", nil, Param{"clid", strconv.Itoa(clientID)})
	if err != nil {
		return nil, err
	}
	return ParseLine(resp), nil
}

// ChannelFind returns channels whose name matches the pattern.
func (c *Conn) ChannelFind(pattern string) ([]map[string]string, error) {
	resp, err := c.Exec("channelfind", nil, Param{"pattern", pattern})
	if err != nil {
		return nil, err
	}
	return ParseList(resp), nil
}

// ServerGroupList returns all server groups of the virtual server.
func (c *Conn) ServerGroupList() ([]map[string]string, error) {
	resp, err := c.Exec("servergrouplist", nil)
	if err != nil {
		return nil, err
	}
	return ParseList(resp), nil
}

// ClientMove moves a client into a channel.
func (c *Conn) ClientMove(channelID, clientID int) error {
	_, err := c.Exec("clientmove", nil,
		Param{"cid", strconv.Itoa(channelID)},
		Param{"clid", strconv.Itoa(clientID)},
	)
	return err
}

// SendTextMessage sends a text message to a client, channel or the
// whole server depending on mode.
func (c *Conn) SendTextMessage(mode TargetMode, target int, msg string) error {
	_, err := c.Exec("sendtextmessage", nil,
		Param{"targetmode", strconv.Itoa(int(mode))},
		Param{"target", strconv.Itoa(target)},
		Param{"msg", msg},
	)
	return err
}

// ClientUpdate changes properties of the query client, e.g. its
// nickname.
func (c *Conn) ClientUpdate(params ...Param) error {
	_, err := c.Exec("clientupdate", nil, params...)
	return err
}

// ServerGroupAddClient adds a client (by database id) to a server
// group.
func (c *Conn) ServerGroupAddClient(groupID, clientDBID int) error {
	_, err := c.Exec("servergroupaddclient", nil,
		Param{"sgid", strconv.Itoa(groupID)},
		Param{"cldbid", strconv.Itoa(clientDBID)},
	)
	return err
}

// ServerGroupDelClient removes a client (by database id) from a server
// group.
func (c *Conn) ServerGroupDelClient(groupID, clientDBID int) error {
	_, err := c.Exec("servergroupdelclient", nil,
		Param{"sgid", strconv.Itoa(groupID)},
		Param{"cldbid", strconv.Itoa(clientDBID)},
	)
	return err
}

// RegisterServerEvents subscribes to client enter/leave notifications.
func (c *Conn) RegisterServerEvents() error {
	_, err := c.Exec("servernotifyregister", nil, Param{"event", "server"})
	return err
}

// RegisterServerMessages subscribes to server text messages.
func (c *Conn) RegisterServerMessages() error {
	_, err := c.Exec("servernotifyregister", nil, Param{"event", "textserver"})
	return err
}

// RegisterChannelEvents subscribes to events of a channel.
func (c *Conn) RegisterChannelEvents(channelID int) error {
	_, err := c.Exec("servernotifyregister", nil,
		Param{"event", "channel"},
		Param{"id", strconv.Itoa(channelID)},
	)
	return err
}

// RegisterChannelMessages subscribes to channel text messages.
func (c *Conn) RegisterChannelMessages() error {
	_, err := c.Exec("servernotifyregister", nil, Param{"event", "textchannel"})
	return err
}

// RegisterPrivateMessages subscribes to private text messages.
func (c *Conn) RegisterPrivateMessages() error {
	_, err := c.Exec("servernotifyregister", nil, Param{"event", "textprivate"})
	return err
}

// StartKeepalive issues a whoami every interval so the server does not
// drop the idle query connection.
func (c *Conn) StartKeepalive(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := c.Whoami(); err != nil {
					c.logger.WithError(err).Warn("Keepalive failed")
				}
			case <-c.keepaliveDone:
				return
			case <-c.done:
				return
			}
		}
	}()
}

// StopKeepalive stops the keepalive loop. Close calls this implicitly.
func (c *Conn) StopKeepalive() {
	c.keepaliveOnce.Do(func() {
		close(c.keepaliveDone)
	})
}
