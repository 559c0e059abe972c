package toml

import "fmt"

const currentSchemaVersion = 1

type fileSchema struct {
	Version int          `toml:"version"`
	Chats   []chatSchema `toml:"chats"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported chats schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

type chatSchema struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	Preview   string `toml:"preview,omitempty"`
	CreatedAt string `toml:"created_at,omitempty"`
}
