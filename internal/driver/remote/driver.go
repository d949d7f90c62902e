// Package remote serves remote:// storage keys from Redis.
//
// Each entry is a hash holding the encoded data and its version. Writes are
// compare-and-swap under WATCH/MULTI, and every accepted write is published
// on a per-entry channel so that drivers attached elsewhere receive it.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/driver"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/literal"
	"github.com/devrev/replstore/internal/storagekey"
)

const (
	fieldVersion = "version"
	fieldData    = "data"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every Redis key used by the provider.
	Prefix string
}

// Provider resolves remote keys against one Redis server.
type Provider struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*Provider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Unavailable(fmt.Sprintf("failed to connect to Redis at %s", opts.Addr), err)
	}
	return NewProvider(client, opts.Prefix, logger), nil
}

func NewProvider(client *redis.Client, prefix string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "replstore"
	}
	return &Provider{client: client, prefix: prefix, logger: logger}
}

func (p *Provider) Name() string { return "remote" }

func (p *Provider) WillSupport(key storagekey.StorageKey) bool {
	_, ok := key.(storagekey.RemoteKey)
	return ok
}

func (p *Provider) entryKey(key storagekey.StorageKey) string {
	return p.prefix + ":entry:" + key.String()
}

func (p *Provider) channel(key storagekey.StorageKey) string {
	return p.prefix + ":notify:" + key.String()
}

// Ping checks the Redis connection.
func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis client. Drivers must be closed first.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	k, ok := key.(storagekey.RemoteKey)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("remote provider does not serve %s", key), nil)
	}
	n, err := p.client.Exists(ctx, p.entryKey(k)).Result()
	if err != nil {
		return nil, errors.Unavailable("redis exists failed", err)
	}
	if err := driver.CheckExists(k, exists, n > 0); err != nil {
		return nil, err
	}

	sub := p.client.Subscribe(ctx, p.channel(k))
	// Wait for the subscription so no publish after this call is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Unavailable("redis subscribe failed", err)
	}

	d := &remoteDriver{
		provider: p,
		key:      k,
		exists:   exists,
		origin:   uuid.NewString(),
		sub:      sub,
		done:     make(chan struct{}),
		logger:   p.logger.With(zap.String("storage_key", k.String())),
	}
	go d.listen()
	return d, nil
}

// Delete removes the entry for key and notifies attached drivers with a
// nil data and version 0.
func (p *Provider) Delete(ctx context.Context, key storagekey.RemoteKey) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.entryKey(key))
		pipe.Publish(ctx, p.channel(key), encodeNotice(0, "", nil))
		return nil
	})
	if err != nil {
		return errors.Unavailable("redis delete failed", err)
	}
	return nil
}

func (p *Provider) load(ctx context.Context, key storagekey.StorageKey) (crdt.Data, int, error) {
	fields, err := p.client.HGetAll(ctx, p.entryKey(key)).Result()
	if err != nil {
		return nil, 0, errors.Unavailable("redis read failed", err)
	}
	return decodeEntry(fields)
}

func decodeEntry(fields map[string]string) (crdt.Data, int, error) {
	if len(fields) == 0 {
		return nil, 0, nil
	}
	version, err := strconv.Atoi(fields[fieldVersion])
	if err != nil {
		return nil, 0, errors.CorruptedData("malformed entry version", err)
	}
	data, err := literal.Decode([]byte(fields[fieldData]))
	if err != nil {
		return nil, 0, err
	}
	return data, version, nil
}

// A notice is "<version>|<origin>|<encoded data>".
func encodeNotice(version int, origin string, raw []byte) string {
	return strconv.Itoa(version) + "|" + origin + "|" + string(raw)
}

func decodeNotice(payload string) (version int, origin string, data crdt.Data, err error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return 0, "", nil, errors.CorruptedData("malformed notification", nil)
	}
	version, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", nil, errors.CorruptedData("malformed notification version", err)
	}
	if version == 0 {
		return 0, parts[1], nil, nil
	}
	data, err = literal.Decode([]byte(parts[2]))
	if err != nil {
		return 0, "", nil, err
	}
	return version, parts[1], data, nil
}

type remoteDriver struct {
	provider *Provider
	key      storagekey.RemoteKey
	exists   driver.Exists
	origin   string
	sub      *redis.PubSub
	done     chan struct{}
	logger   *zap.Logger

	// deliverMu serializes deliveries so that gate checks and receiver
	// calls happen in the same order.
	deliverMu sync.Mutex

	mu       sync.Mutex
	receiver driver.Receiver
	gate     driver.VersionGate
	token    string
	closed   bool
}

func (d *remoteDriver) Key() storagekey.StorageKey { return d.key }
func (d *remoteDriver) Exists() driver.Exists      { return d.exists }

func (d *remoteDriver) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *remoteDriver) listen() {
	defer close(d.done)
	for msg := range d.sub.Channel() {
		version, origin, data, err := decodeNotice(msg.Payload)
		if err != nil {
			d.logger.Warn("Dropping malformed notification", zap.Error(err))
			continue
		}
		if origin == d.origin {
			continue
		}
		d.deliver(data, version)
	}
}

func (d *remoteDriver) deliver(data crdt.Data, version int) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	d.deliverLocked(data, version)
}

func (d *remoteDriver) deliverLocked(data crdt.Data, version int) {
	d.mu.Lock()
	if d.closed || d.receiver == nil || !d.gate.Admit(version) {
		d.mu.Unlock()
		return
	}
	r := d.receiver
	d.token = uuid.NewString()
	d.mu.Unlock()
	r(data, version)
}

// RegisterReceiver installs r and hands it the stored entry unless token
// shows the caller already holds it. Notifications that arrive while the
// entry is loaded wait for the initial delivery, and any at or below the
// loaded version are dropped. r must not call RegisterReceiver on d.
func (d *remoteDriver) RegisterReceiver(token string, r driver.Receiver) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.receiver = r
	current := token != "" && token == d.token
	if !current {
		d.gate.Reset()
	}
	d.mu.Unlock()
	if current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, version, err := d.provider.load(ctx, d.key)
	if err != nil {
		d.logger.Warn("Failed to load initial data", zap.Error(err))
		return
	}
	if data != nil {
		d.deliverLocked(data, version)
	}
}

func (d *remoteDriver) Send(ctx context.Context, data crdt.Data, version int) (driver.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return driver.SendResult{}, err
	}
	if data == nil {
		return driver.SendResult{}, errors.InvalidArgument("cannot send nil data", nil)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return driver.SendResult{}, errors.Unavailable(fmt.Sprintf("driver for %s is closed", d.key), nil)
	}
	raw, err := literal.Encode(data)
	if err != nil {
		return driver.SendResult{}, err
	}

	p := d.provider
	hkey := p.entryKey(d.key)
	accepted := false
	current := 0
	err = p.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, cur, err := decodeStored(ctx, tx, hkey)
		if err != nil {
			return err
		}
		current = cur
		if stored != nil && stored.Kind() != data.Kind() {
			return errors.CrdtFailure(fmt.Sprintf("cannot store %s data at %s holding %s", data.Kind(), d.key, stored.Kind()))
		}
		if version != cur+1 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, fieldVersion, version, fieldData, raw)
			pipe.Publish(ctx, p.channel(d.key), encodeNotice(version, d.origin, raw))
			return nil
		})
		if err == nil {
			accepted = true
		}
		return err
	}, hkey)

	switch {
	case err == nil:
	case stderrors.Is(err, redis.TxFailedErr):
		// A concurrent writer changed the entry between WATCH and EXEC.
		_, cur, lerr := p.load(ctx, d.key)
		if lerr != nil {
			return driver.SendResult{}, lerr
		}
		return driver.Rejected(cur), nil
	case errors.IsStoreError(err):
		return driver.SendResult{}, err
	default:
		return driver.SendResult{}, errors.Unavailable("redis write failed", err)
	}

	if !accepted {
		return driver.Rejected(current), nil
	}
	d.mu.Lock()
	d.token = uuid.NewString()
	d.mu.Unlock()
	return driver.Accepted(version), nil
}

func decodeStored(ctx context.Context, tx *redis.Tx, hkey string) (crdt.Data, int, error) {
	fields, err := tx.HGetAll(ctx, hkey).Result()
	if err != nil {
		return nil, 0, err
	}
	return decodeEntry(fields)
}

func (d *remoteDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.receiver = nil
	d.mu.Unlock()

	err := d.sub.Close()
	<-d.done
	return err
}
