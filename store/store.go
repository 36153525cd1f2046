// Package store persists accounts, coin balances, and feedback tickets in
// Redis. Session state never lands here; the hub owns it in memory.
package store

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound          = eris.New("not found")
	ErrEmailTaken        = eris.New("email already registered")
	ErrBadCredentials    = eris.New("invalid email or password")
	ErrInsufficientFunds = eris.New("insufficient coin balance")
	ErrRewardClaimed     = eris.New("daily reward already claimed")
)

// Account is the persistent identity behind a player.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Admin     bool      `json:"isAdmin"`
	Online    bool      `json:"online"`
	Coins     int64     `json:"coins"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps a Redis client with the key layout used by the backend.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrapf(err, "ping redis at %s", addr)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func accountKey(id string) string  { return "account:" + id }
func emailKey(email string) string { return "account:email:" + email }

const accountIndexKey = "accounts"

// CreateAccount registers a new account with a bcrypt-hashed password. The
// email index entry doubles as the uniqueness guard.
func (s *Store) CreateAccount(ctx context.Context, id, name, email, password string, admin bool) (Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, eris.Wrap(err, "hash password")
	}

	reserved, err := s.rdb.SetNX(ctx, emailKey(email), id, 0).Result()
	if err != nil {
		return Account{}, eris.Wrap(err, "reserve email")
	}
	if !reserved {
		return Account{}, ErrEmailTaken
	}

	now := time.Now()
	account := Account{ID: id, Name: name, Email: email, Admin: admin, CreatedAt: now}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, accountKey(id), map[string]any{
		"id":        id,
		"name":      name,
		"email":     email,
		"password":  string(hash),
		"admin":     boolField(admin),
		"online":    "0",
		"coins":     "0",
		"createdAt": now.UnixMilli(),
	})
	pipe.SAdd(ctx, accountIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return Account{}, eris.Wrap(err, "write account")
	}
	return account, nil
}

// VerifyCredentials resolves an email/password pair to its account.
func (s *Store) VerifyCredentials(ctx context.Context, email, password string) (Account, error) {
	id, err := s.rdb.Get(ctx, emailKey(email)).Result()
	if err == redis.Nil {
		return Account{}, ErrBadCredentials
	}
	if err != nil {
		return Account{}, eris.Wrap(err, "lookup email")
	}

	fields, err := s.rdb.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return Account{}, eris.Wrap(err, "load account")
	}
	if len(fields) == 0 {
		return Account{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(fields["password"]), []byte(password)) != nil {
		return Account{}, ErrBadCredentials
	}
	return accountFromFields(fields), nil
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	fields, err := s.rdb.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return Account{}, eris.Wrap(err, "load account")
	}
	if len(fields) == 0 {
		return Account{}, ErrNotFound
	}
	return accountFromFields(fields), nil
}

// SetOnline flips the persisted online flag for an account.
func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	if err := s.rdb.HSet(ctx, accountKey(id), "online", boolField(online)).Err(); err != nil {
		return eris.Wrap(err, "set online flag")
	}
	return nil
}

// Roster returns every account sorted by name, for the admin user list.
func (s *Store) Roster(ctx context.Context) ([]Account, error) {
	ids, err := s.rdb.SMembers(ctx, accountIndexKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "list account ids")
	}

	accounts := make([]Account, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, accountKey(id)).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "load account %s", id)
		}
		if len(fields) == 0 {
			continue
		}
		accounts = append(accounts, accountFromFields(fields))
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

func accountFromFields(fields map[string]string) Account {
	coins, _ := strconv.ParseInt(fields["coins"], 10, 64)
	createdMillis, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	return Account{
		ID:        fields["id"],
		Name:      fields["name"],
		Email:     fields["email"],
		Admin:     fields["admin"] == "1",
		Online:    fields["online"] == "1",
		Coins:     coins,
		CreatedAt: time.UnixMilli(createdMillis),
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
