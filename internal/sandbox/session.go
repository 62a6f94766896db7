package sandbox

import (
	"github.com/google/uuid"

	"github.com/srtbox/srt/internal/config"
)

// Session is the record of a single WrapCommand invocation: the policy it
// was built against, the working directory and extra environment it
// carries, and the final wrapped command string. Sessions are ephemeral —
// the manager keeps no session table.
type Session struct {
	ID             uuid.UUID
	Policy         *config.Config
	WorkingDir     string
	ExtraEnv       []string
	WrappedCommand string
}

func newSession(cfg *config.Config, cwd string, extraEnv []string, wrapped string) *Session {
	return &Session{
		ID:             uuid.New(),
		Policy:         cfg,
		WorkingDir:     cwd,
		ExtraEnv:       extraEnv,
		WrappedCommand: wrapped,
	}
}
