package database

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/internal/config"
)

const (
	authkeyLength   = 32
	authkeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// Authkeys older than this are purged whenever a new one is
	// generated.
	authkeyMaxAge = 10 * time.Minute

	guestMessageType = "GUEST_MSG"

	defaultGuestWelcomeMessage = "Welcome to the Kellerkompanie TeamSpeak! " +
		"As a guest you have limited permissions, please contact a member to get started."
)

var ErrNoGuestMessage = errors.New("no guest welcome message configured")

// Database wraps the MariaDB connection holding the bot/user mappings
// shared with the community website.
type Database struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open connects to MariaDB and seeds the guest welcome message if the
// table has none yet.
func Open(cfg config.DatabaseConfig, logger *logrus.Logger) (*Database, error) {
	mycfg := mysql.NewConfig()
	mycfg.User = cfg.Username
	mycfg.Passwd = cfg.Password
	mycfg.Net = "tcp"
	mycfg.Addr = cfg.Host
	mycfg.DBName = cfg.Name
	mycfg.ParseTime = true

	db, err := sql.Open("mysql", mycfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", cfg.Host, err)
	}

	d := &Database{db: db, logger: logger}

	if err := d.seedGuestWelcomeMessage(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) seedGuestWelcomeMessage() error {
	var exists int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM teamspeak_messages WHERE message_type=?", guestMessageType,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check guest welcome message: %w", err)
	}
	if exists > 0 {
		return nil
	}

	d.logger.Info("Seeding default guest welcome message")
	_, err = d.db.Exec(
		"INSERT INTO teamspeak_messages (message_type, message_text) VALUES (?, ?)",
		guestMessageType, defaultGuestWelcomeMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to seed guest welcome message: %w", err)
	}
	return nil
}

// GuestWelcomeMessage returns the message shown to guests on join.
func (d *Database) GuestWelcomeMessage() (string, error) {
	var message string
	err := d.db.QueryRow(
		"SELECT message_text FROM teamspeak_messages WHERE message_type=?", guestMessageType,
	).Scan(&message)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoGuestMessage
	}
	if err != nil {
		return "", fmt.Errorf("failed to load guest welcome message: %w", err)
	}
	return message, nil
}

// UserID returns the website user id linked to a TeamSpeak uid, or
// ok=false when the identity is not linked.
func (d *Database) UserID(teamspeakUID string) (int64, bool, error) {
	var userID sql.NullInt64
	err := d.db.QueryRow(
		"SELECT user_id FROM teamspeak_accounts WHERE teamspeak_uid=?", teamspeakUID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up user id: %w", err)
	}
	return userID.Int64, userID.Valid, nil
}

// HasUserID reports whether a TeamSpeak uid is linked to a website
// account.
func (d *Database) HasUserID(teamspeakUID string) (bool, error) {
	_, ok, err := d.UserID(teamspeakUID)
	return ok, err
}

// SteamID returns the Steam id linked to a TeamSpeak uid, or ok=false
// when none is stored.
func (d *Database) SteamID(teamspeakUID string) (string, bool, error) {
	var steamID sql.NullString
	err := d.db.QueryRow(
		"SELECT steam_id FROM teamspeak_accounts WHERE teamspeak_uid=?", teamspeakUID,
	).Scan(&steamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up steam id: %w", err)
	}
	return steamID.String, steamID.Valid && steamID.String != "", nil
}

// GenerateAuthkey creates a fresh one-time key for linking a TeamSpeak
// identity to a website account. Any previous keys for the uid and any
// expired keys are removed.
func (d *Database) GenerateAuthkey(teamspeakUID string) (string, error) {
	authkey, err := randomAuthkey()
	if err != nil {
		return "", err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin authkey transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM teamspeak_authkeys WHERE teamspeak_uid=?", teamspeakUID,
	); err != nil {
		return "", fmt.Errorf("failed to delete previous authkeys: %w", err)
	}

	cutoff := time.Now().Add(-authkeyMaxAge)
	if _, err := tx.Exec(
		"DELETE FROM teamspeak_authkeys WHERE generated_date < ?", cutoff,
	); err != nil {
		return "", fmt.Errorf("failed to delete expired authkeys: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO teamspeak_authkeys (authkey, teamspeak_uid, generated_date) VALUES (?, ?, ?)",
		authkey, teamspeakUID, time.Now(),
	); err != nil {
		return "", fmt.Errorf("failed to insert authkey: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit authkey: %w", err)
	}

	return authkey, nil
}

// HasSquadXMLEntry reports whether a squad.xml roster entry exists for
// a Steam id.
func (d *Database) HasSquadXMLEntry(steamID string) (bool, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM squad_xml_entries WHERE player_id=?", steamID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check squad xml entry: %w", err)
	}
	return count > 0, nil
}

// CreateSquadXMLEntry stores a squad.xml roster entry for a Steam id.
func (d *Database) CreateSquadXMLEntry(steamID, nick string) error {
	_, err := d.db.Exec(
		"INSERT INTO squad_xml_entries (player_id, nick) VALUES (?, ?)",
		steamID, nick,
	)
	if err != nil {
		return fmt.Errorf("failed to create squad xml entry: %w", err)
	}
	return nil
}

func randomAuthkey() (string, error) {
	key := make([]byte, authkeyLength)
	max := big.NewInt(int64(len(authkeyAlphabet)))
	for i := range key {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate authkey: %w", err)
		}
		key[i] = authkeyAlphabet[n.Int64()]
	}
	return string(key), nil
}
