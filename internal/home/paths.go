package home

import (
	"os"
	"path/filepath"
	"strconv"
)

// BaseDir returns ~/.hearth.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hearth")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// ConversationsDir returns the directory holding conversation slot files.
func ConversationsDir(profile string) string {
	return filepath.Join(Dir(profile), "conversations")
}

// SlotPath returns the metadata file path for conversation slot n.
func SlotPath(profile string, n int) string {
	return filepath.Join(ConversationsDir(profile), "slot"+strconv.Itoa(n)+".json")
}

// MessagesDir returns the directory holding per-conversation message logs.
func MessagesDir(profile string) string {
	return filepath.Join(Dir(profile), "messages")
}

// MessageLogPath returns the message log path for a conversation.
func MessageLogPath(profile, conversationID string) string {
	return filepath.Join(MessagesDir(profile), conversationID+".log")
}

// LogDir returns the daemon log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "hearthd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		ConversationsDir(profile),
		MessagesDir(profile),
		LogDir(profile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
