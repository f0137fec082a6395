package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const (
	ServerConfigFile   = "keko_bot.json"
	DatabaseConfigFile = "database_config.json"
)

// ServerConfig holds the TeamSpeak server query connection parameters.
type ServerConfig struct {
	DefaultChannel string `json:"default_channel"`
	Host           string `json:"host"`
	Nickname       string `json:"nickname"`
	Password       string `json:"password"`
	Port           int    `json:"port"`
	ServerID       int    `json:"server_id"`
	User           string `json:"user"`
}

// DatabaseConfig holds the MariaDB connection parameters.
type DatabaseConfig struct {
	Host     string `json:"db_host"`
	Name     string `json:"db_name"`
	Password string `json:"db_password"`
	Username string `json:"db_username"`
}

// DefaultServerConfig returns the placeholder config written on first
// run.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		DefaultChannel: "Botchannel",
		Host:           "0.0.0.0",
		Nickname:       "Kellerkompanie Bot",
		Password:       "password",
		Port:           10011,
		ServerID:       1,
		User:           "serveradmin",
	}
}

// DefaultDatabaseConfig returns the placeholder config written on
// first run.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:     "localhost",
		Name:     "arma3",
		Password: "password",
		Username: "username",
	}
}

// Validate checks that all connection parameters are set.
func (c ServerConfig) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0:
		return errors.New("port is required")
	case c.User == "":
		return errors.New("user is required")
	case c.Password == "":
		return errors.New("password is required")
	case c.Nickname == "":
		return errors.New("nickname is required")
	case c.DefaultChannel == "":
		return errors.New("default_channel is required")
	case c.ServerID <= 0:
		return errors.New("server_id is required")
	}
	return nil
}

// Validate checks that all connection parameters are set.
func (c DatabaseConfig) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("db_host is required")
	case c.Name == "":
		return errors.New("db_name is required")
	case c.Username == "":
		return errors.New("db_username is required")
	case c.Password == "":
		return errors.New("db_password is required")
	}
	return nil
}

// LoadServerConfig reads the server config from dir, writing the
// default file first if it does not exist yet.
func LoadServerConfig(dir string, logger *logrus.Logger) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	err := loadOrCreate(filepath.Join(dir, ServerConfigFile), &cfg, logger)
	return cfg, err
}

// LoadDatabaseConfig reads the database config from dir, writing the
// default file first if it does not exist yet.
func LoadDatabaseConfig(dir string, logger *logrus.Logger) (DatabaseConfig, error) {
	cfg := DefaultDatabaseConfig()
	err := loadOrCreate(filepath.Join(dir, DatabaseConfigFile), &cfg, logger)
	return cfg, err
}

func loadOrCreate(path string, cfg interface{}, logger *logrus.Logger) error {
	logger.WithField("path", path).Info("Loading config")

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := write(path, cfg); err != nil {
		return err
	}

	logger.WithField("path", path).Warn("Config file did not exist, wrote placeholder defaults")
	return nil
}

func write(path string, cfg interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Struct fields are declared in key order, so the file comes out
	// with sorted keys like earlier installs.
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
