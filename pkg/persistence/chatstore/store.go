// Package chatstore persists users, sessions, message logs and artifacts for the local chat service.
package chatstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/borak/pkg/chat"
)

var (
	ErrNotFound   = errors.New("chat store: not found")
	ErrUserExists = errors.New("chat store: username already exists")
)

// User is a stored account. PasswordHash is a bcrypt hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
}

// SessionQuery pages through a user's sessions, newest first.
type SessionQuery struct {
	UserID int64
	Offset int
	Limit  int
}

// Store is the persistence surface of the local chat service.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (int64, error)
	UserByName(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	TouchLogin(ctx context.Context, id int64) error

	CreateSession(ctx context.Context, userID int64, name string) (int64, error)
	Session(ctx context.Context, userID, sessionID int64) (chat.Session, error)
	ListSessions(ctx context.Context, q SessionQuery) ([]chat.Session, bool, error)
	RenameSession(ctx context.Context, userID, sessionID int64, name string) error
	DeleteSession(ctx context.Context, userID, sessionID int64) error

	SaveMessage(ctx context.Context, userID, sessionID int64, m chat.Message) (int64, error)
	UpdateMessage(ctx context.Context, id int64, content string, partial bool) error
	History(ctx context.Context, userID, sessionID int64, limit int) ([]chat.Message, error)
	ClearHistory(ctx context.Context, userID, sessionID int64) error

	SaveArtifact(ctx context.Context, userID, sessionID int64, a chat.Artifact) (int64, error)
	Artifacts(ctx context.Context, userID int64, t chat.ArtifactType) ([]chat.Artifact, error)
	SessionArtifacts(ctx context.Context, userID, sessionID int64) ([]chat.Artifact, error)
	DeleteArtifact(ctx context.Context, userID, id int64) error

	LogUsage(ctx context.Context, userID int64, model string, u chat.Usage) error

	Close() error
}
