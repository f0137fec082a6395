package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultAPIBase is the community backend serving player lookups.
	DefaultAPIBase = "http://server.kellerkompanie.com:5000"

	// DefaultWebBase is the community website hosting the account
	// linking page and squad.xml generator.
	DefaultWebBase = "https://kellerkompanie.com"

	requestTimeout = 10 * time.Second
)

// Client talks to the kellerkompanie backend and website.
type Client struct {
	apiBase string
	webBase string
	http    *http.Client
	logger  *logrus.Logger
}

// New creates a backend client. Empty base URLs fall back to the
// production defaults.
func New(apiBase, webBase string, logger *logrus.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if webBase == "" {
		webBase = DefaultWebBase
	}
	return &Client{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		webBase: strings.TrimSuffix(webBase, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Username returns the community nickname registered for a Steam id,
// or "" when the backend knows none.
func (c *Client) Username(steamID string) (string, error) {
	body, err := c.get(fmt.Sprintf("%s/username/%s", c.apiBase, steamID))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Stammspieler reports whether the backend considers the player a
// regular ("Stammspieler").
func (c *Client) Stammspieler(steamID string) (bool, error) {
	body, err := c.get(fmt.Sprintf("%s/stammspieler/%s", c.apiBase, steamID))
	if err != nil {
		return false, err
	}

	var result struct {
		Stammspieler bool `json:"stammspieler"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("failed to parse stammspieler response: %w", err)
	}
	return result.Stammspieler, nil
}

// TriggerSquadXMLUpdate asks the website to regenerate the squad.xml
// file after roster changes.
func (c *Client) TriggerSquadXMLUpdate() error {
	_, err := c.get(c.webBase + "/profile.php?update_squad_xml=true")
	return err
}

// LinkAccountURL builds the account linking URL sent to unlinked
// clients.
func (c *Client) LinkAccountURL(authkey string) string {
	return c.webBase + "/teamspeak/link_account.php?authkey=" + authkey
}

func (c *Client) get(url string) ([]byte, error) {
	resp, err := c.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend request %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	return body, nil
}
