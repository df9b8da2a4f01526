package accounts_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-web/internal/batch"
	"session-web/internal/infra/config"
	"session-web/internal/telegram/accounts"
)

func authKey() []byte {
	return bytes.Repeat([]byte{0xAB}, 256)
}

// telethonSQLite создаёт .session-файл Telethon и возвращает его содержимое.
func telethonSQLite(t *testing.T, key []byte) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acc.session")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE sessions (
		dc_id INTEGER PRIMARY KEY, server_address TEXT, port INTEGER, auth_key BLOB, takeout_id INTEGER)`)
	require.NoError(t, err)
	if key != nil {
		_, err = db.Exec(`INSERT INTO sessions VALUES (?, ?, ?, ?, NULL)`, 2, "149.154.167.51", 443, key)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

// telethonString собирает строковую сессию Telethon для IPv4-адреса.
func telethonString(dc byte, ip [4]byte, port uint16, key []byte) string {
	raw := []byte{dc}
	raw = append(raw, ip[:]...)
	raw = binary.BigEndian.AppendUint16(raw, port)
	raw = append(raw, key...)
	return "1" + base64.URLEncoding.EncodeToString(raw)
}

func TestLoadSessionSQLite(t *testing.T) {
	t.Parallel()

	data, err := accounts.LoadSession(context.Background(), telethonSQLite(t, authKey()))
	require.NoError(t, err)

	assert.Equal(t, 2, data.DC)
	assert.Equal(t, "149.154.167.51:443", data.Addr)
	assert.Equal(t, authKey(), data.AuthKey)
	assert.Len(t, data.AuthKeyID, 8)
}

func TestLoadSessionSQLiteErrors(t *testing.T) {
	t.Parallel()

	_, err := accounts.LoadSession(context.Background(), telethonSQLite(t, nil))
	assert.Error(t, err, "no rows")

	_, err = accounts.LoadSession(context.Background(), telethonSQLite(t, []byte("short")))
	assert.Error(t, err, "wrong key length")
}

func TestLoadSessionString(t *testing.T) {
	t.Parallel()

	s := telethonString(4, [4]byte{149, 154, 167, 91}, 443, authKey())
	data, err := accounts.LoadSession(context.Background(), []byte("  "+s+"\n"))
	require.NoError(t, err)

	assert.Equal(t, 4, data.DC)
	assert.Equal(t, authKey(), data.AuthKey)
}

func TestLoadSessionUnknownFormat(t *testing.T) {
	t.Parallel()

	for _, raw := range [][]byte{nil, []byte("hello"), {0x00, 0x01, 0x02}} {
		_, err := accounts.LoadSession(context.Background(), raw)
		assert.ErrorIs(t, err, accounts.ErrUnknownSessionFormat)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	existing := &accounts.OpError{Type: "custom", Description: "kept"}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "authKeyUnregistered", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), want: accounts.TypeSessionExpired},
		{name: "sessionRevoked", err: tgerr.New(401, "SESSION_REVOKED"), want: accounts.TypeSessionExpired},
		{name: "floodWait", err: tgerr.New(420, "FLOOD_WAIT_30"), want: accounts.TypeFloodWait},
		{name: "deactivatedBan", err: tgerr.New(401, "USER_DEACTIVATED_BAN"), want: accounts.TypeBanned},
		{name: "deactivated", err: tgerr.New(401, "USER_DEACTIVATED"), want: accounts.TypeDeleted},
		{name: "password", err: tgerr.New(401, "SESSION_PASSWORD_NEEDED"), want: accounts.TypeTwoFARequired},
		{name: "wrappedRPC", err: fmt.Errorf("auth status: %w", tgerr.New(401, "AUTH_KEY_INVALID")), want: accounts.TypeSessionExpired},
		{name: "deadline", err: context.DeadlineExceeded, want: accounts.TypeNetwork},
		{name: "eof", err: fmt.Errorf("read: %w", io.EOF), want: accounts.TypeNetwork},
		{name: "connectionText", err: fmt.Errorf("dial tcp: connection refused by peer"), want: accounts.TypeNetwork},
		{name: "sessionText", err: fmt.Errorf("the session is invalid"), want: accounts.TypeSessionExpired},
		{name: "deletedText", err: fmt.Errorf("account was deleted"), want: accounts.TypeDeleted},
		{name: "bannedText", err: fmt.Errorf("user blocked"), want: accounts.TypeBanned},
		{name: "unauthorizedText", err: fmt.Errorf("not authorized"), want: accounts.TypeUnauthorized},
		{name: "unknown", err: fmt.Errorf("something odd"), want: accounts.TypeUnknown},
		{name: "passthrough", err: fmt.Errorf("wrap: %w", existing), want: "custom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := accounts.Classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.ErrorType())
			assert.NotEmpty(t, got.Error())
		})
	}

	assert.Nil(t, accounts.Classify(nil))
	assert.Equal(t, "Unknown error: something odd", accounts.Classify(fmt.Errorf("something odd")).Error())
}

func TestPoolRoundRobin(t *testing.T) {
	t.Parallel()

	pool := accounts.NewPool([]config.APIPair{
		{APIID: 1, APIHash: "0123456789a"},
		{APIID: 0, APIHash: "bad"},
		{APIID: 2, APIHash: "0123456789b"},
	})
	require.Equal(t, 2, pool.Len())
	assert.Equal(t, []int{1, 2}, pool.IDs())

	var got []int
	for range 5 {
		pair, err := pool.Next()
		require.NoError(t, err)
		got = append(got, pair.APIID)
	}
	assert.Equal(t, []int{1, 2, 1, 2, 1}, got)
}

func TestPoolConcurrentNext(t *testing.T) {
	t.Parallel()

	pool := accounts.NewPool([]config.APIPair{{APIID: 1, APIHash: "0123456789a"}, {APIID: 2, APIHash: "0123456789b"}})

	var (
		mu     sync.Mutex
		counts = map[int]int{}
		wg     sync.WaitGroup
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := pool.Next()
			if err != nil {
				return
			}
			mu.Lock()
			counts[pair.APIID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[int]int{1: 50, 2: 50}, counts)
}

func TestEmptyPool(t *testing.T) {
	t.Parallel()

	_, err := accounts.NewPool(nil).Next()
	assert.ErrorIs(t, err, accounts.ErrNoCredentials)
}

func TestValidatorRejectsBeforeConnecting(t *testing.T) {
	t.Parallel()

	v := accounts.NewValidator(accounts.ValidatorOptions{Pool: accounts.NewPool(nil)})
	assert.Equal(t, "validate", v.Label())

	_, err := v.Run(context.Background(), batch.Item{Name: "junk.session", Data: []byte("junk")})
	var op *accounts.OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, accounts.TypeSessionExpired, op.Type)

	s := telethonString(2, [4]byte{149, 154, 167, 51}, 443, authKey())
	_, err = v.Run(context.Background(), batch.Item{Name: "ok.session", Data: []byte(s)})
	require.ErrorAs(t, err, &op)
	assert.Equal(t, accounts.TypeConfiguration, op.Type)
	assert.ErrorIs(t, err, accounts.ErrNoCredentials)
}
