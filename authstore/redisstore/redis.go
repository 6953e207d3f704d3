// Package redisstore provides a Redis-backed authstore.Store for deployments
// that run more than one gateway replica or need artifacts to survive a
// restart. Expiry is delegated to Redis key TTLs, and code consumption uses a
// single Lua script so the single-use guarantee holds across replicas.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/commsio/mcp-gateway/authstore"
)

var _ authstore.Store = (*Store)(nil)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AUTHSTORE_KEY_PREFIX
	KeyPrefix string `env:"AUTHSTORE_KEY_PREFIX,default=mcpgw:auth:"`

	CodeTTL    time.Duration `env:"AUTH_CODE_TTL,default=60s"`
	SessionTTL time.Duration `env:"AUTH_SESSION_TTL,default=1h"`
}

type Store struct {
	client     *redis.Client
	keyPrefix  string
	codeTTL    time.Duration
	sessionTTL time.Duration
}

// consumeScript atomically loads a code and flips its used flag. Returning
// the pre-consumption payload lets the caller distinguish a fresh win from a
// replay without a second round trip.
var consumeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return false
end
local data = cjson.decode(raw)
if data.used then
  return false
end
data.used = true
redis.call("SET", KEYS[1], cjson.encode(data), "KEEPTTL")
return raw
`)

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcpgw:auth:"
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = authstore.DefaultCodeTTL
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = authstore.DefaultSessionTTL
	}
	return &Store{client: cl, keyPrefix: prefix, codeTTL: codeTTL, sessionTTL: sessionTTL}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) codeKey(code string) string   { return s.keyPrefix + "code:" + code }
func (s *Store) sessionKey(id string) string  { return s.keyPrefix + "session:" + id }
func (s *Store) stateKey(state string) string { return s.keyPrefix + "state:" + state }

func (s *Store) CreateAuthCode(ctx context.Context, params authstore.AuthCodeParams) (string, error) {
	code := authstore.NewToken()
	now := time.Now()
	data := authstore.AuthCode{
		Code:              code,
		UpstreamToken:     params.UpstreamToken,
		UpstreamTokenData: params.UpstreamTokenData,
		Profile:           params.Profile,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.codeTTL),
		State:             params.State,
		RedirectURI:       params.RedirectURI,
		PKCEChallenge:     params.PKCEChallenge,
		PKCEMethod:        params.PKCEMethod,
	}
	raw, err := json.Marshal(&data)
	if err != nil {
		return "", fmt.Errorf("marshal auth code: %w", err)
	}
	if err := s.client.Set(ctx, s.codeKey(code), raw, s.codeTTL).Err(); err != nil {
		return "", fmt.Errorf("store auth code: %w", err)
	}
	return code, nil
}

func (s *Store) GetAuthCode(ctx context.Context, code string) (*authstore.AuthCode, error) {
	raw, err := s.client.Get(ctx, s.codeKey(code)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load auth code: %w", err)
	}
	var data authstore.AuthCode
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode auth code: %w", err)
	}
	if data.Used {
		return nil, nil
	}
	return &data, nil
}

func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*authstore.AuthCode, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.codeKey(code)}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume auth code: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var data authstore.AuthCode
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode auth code: %w", err)
	}
	data.Used = true
	return &data, nil
}

func (s *Store) MarkCodeUsed(ctx context.Context, code string) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.codeKey(code)}).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark auth code used: %w", err)
	}
	_, ok := res.(string)
	return ok, nil
}

func (s *Store) CreateSession(ctx context.Context, params authstore.SessionParams) (string, error) {
	id := authstore.NewToken()
	data := authstore.FlowSession{
		ID:            id,
		State:         params.State,
		RedirectURI:   params.RedirectURI,
		CreatedAt:     time.Now(),
		PKCEChallenge: params.PKCEChallenge,
		PKCEMethod:    params.PKCEMethod,
	}
	raw, err := json.Marshal(&data)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(id), raw, s.sessionTTL)
	// Most-recent session wins for a given state value.
	pipe.Set(ctx, s.stateKey(params.State), id, s.sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return id, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*authstore.FlowSession, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var data authstore.FlowSession
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &data, nil
}

func (s *Store) GetSessionByState(ctx context.Context, state string) (*authstore.FlowSession, error) {
	id, err := s.client.Get(ctx, s.stateKey(state)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session state: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.Del(ctx, s.stateKey(sess.State))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return true, nil
}
