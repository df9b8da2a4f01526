package accounts

import (
	"bytes"
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"

	// Драйвер "sqlite" без cgo для чтения .session-файлов Telethon.
	_ "modernc.org/sqlite"

	"session-web/internal/infra/storage"
)

// sqliteMagic — заголовок файла базы SQLite.
var sqliteMagic = []byte("SQLite format 3\x00")

// ErrUnknownSessionFormat — данные не похожи ни на SQLite-сессию, ни на строковую сессию Telethon.
var ErrUnknownSessionFormat = errors.New("unknown session format")

const telethonSessionQuery = `SELECT dc_id, server_address, port, auth_key
FROM sessions WHERE auth_key IS NOT NULL LIMIT 1`

// LoadSession разбирает сессию Telethon: файл SQLite (.session) или строковую сессию.
func LoadSession(ctx context.Context, raw []byte) (*session.Data, error) {
	if bytes.HasPrefix(raw, sqliteMagic) {
		return loadSQLiteSession(ctx, raw)
	}
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "1") && len(s) > 1 {
		data, err := session.TelethonSession(s)
		if err != nil {
			return nil, errors.Wrap(err, "decode string session")
		}
		return data, nil
	}
	return nil, ErrUnknownSessionFormat
}

// loadSQLiteSession читает первую запись таблицы sessions. SQLite работает только
// с файлами, поэтому данные пишутся во временный файл, удаляемый по выходу.
func loadSQLiteSession(ctx context.Context, raw []byte) (*session.Data, error) {
	path, cleanup, err := storage.WriteTemp("session-*.session", raw)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite session")
	}
	defer db.Close()

	var (
		dcID    int
		address string
		port    int
		authKey []byte
	)
	row := db.QueryRowContext(ctx, telethonSessionQuery)
	if err := row.Scan(&dcID, &address, &port, &authKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("sqlite session has no auth key")
		}
		return nil, errors.Wrap(err, "read sqlite session")
	}
	return sessionData(dcID, address, port, authKey)
}

func sessionData(dcID int, address string, port int, authKey []byte) (*session.Data, error) {
	var key crypto.Key
	if len(authKey) != len(key) {
		return nil, errors.Errorf("invalid auth key length %d", len(authKey))
	}
	copy(key[:], authKey)
	id := key.ID()

	return &session.Data{
		DC:        dcID,
		Addr:      net.JoinHostPort(address, strconv.Itoa(port)),
		AuthKey:   key[:],
		AuthKeyID: id[:],
	}, nil
}
