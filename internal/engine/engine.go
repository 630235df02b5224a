package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/events"
	"flowgate/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError carries the full list of graph violations so callers can
// show every problem at once instead of fixing them one by one.
type ValidationError struct {
	Violations []string
}

func (e ValidationError) Error() string {
	return "workflow validation failed: " + strings.Join(e.Violations, "; ")
}

// PermissionDeniedError wraps the denial reason produced by the decision
// rules. The reason text is what the caller shows to the user.
type PermissionDeniedError struct {
	Reason string
}

func (e PermissionDeniedError) Error() string {
	return e.Reason
}

// VersionConflictError reports a lost optimistic-concurrency race on a
// project. Actual is the version found in storage.
type VersionConflictError struct {
	ProjectID domain.ProjectID
	Expected  int64
	Actual    int64
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("project %s is at version %d, expected %d", e.ProjectID, e.Actual, e.Expected)
}

// --- helpers ---

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) entityTypeKnown(et string) bool {
	if e.Config == nil {
		return false
	}
	_, ok := e.Config.EntityTypes[et]
	return ok
}

func isHexColor(v string) bool {
	if len(v) != 7 || v[0] != '#' {
		return false
	}
	for _, ch := range v[1:] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
