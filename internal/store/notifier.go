package store

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChangeChannel is the redis channel used when none is configured.
const DefaultChangeChannel = "latencypoison:config"

// Refresher reloads configuration after a change notification.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RedisNotifier fans configuration changes out to other instances sharing the database.
// Messages carry "<instance>:<version>"; an instance ignores its own messages.
type RedisNotifier struct {
	client   *redis.Client
	channel  string
	instance string
}

// NewRedisNotifier constructs a notifier on the given channel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChangeChannel
	}
	return &RedisNotifier{client: client, channel: channel, instance: uuid.NewString()}
}

// Instance returns the identifier this notifier stamps on its messages.
func (n *RedisNotifier) Instance() string {
	if n == nil {
		return ""
	}
	return n.instance
}

// Publish announces a new snapshot version.
func (n *RedisNotifier) Publish(ctx context.Context, version uint64) error {
	if n == nil || n.client == nil {
		return errors.New("store: redis notifier not configured")
	}
	return n.client.Publish(ctx, n.channel, n.instance+":"+strconv.FormatUint(version, 10)).Err()
}

// PublishHook returns a ChangeHook that announces the current version of snapshots.
func (n *RedisNotifier) PublishHook(snapshots ConfigStore) ChangeHook {
	return func(ctx context.Context) {
		var version uint64
		if snapshots != nil {
			if snap := snapshots.Snapshot(); snap != nil {
				version = snap.Version
			}
		}
		if errPublish := n.Publish(context.WithoutCancel(ctx), version); errPublish != nil {
			log.WithError(errPublish).Warn("store: publish config change failed")
		}
	}
}

// Listen refreshes target whenever another instance publishes a change. It blocks until ctx is done.
func (n *RedisNotifier) Listen(ctx context.Context, target Refresher) error {
	if n == nil || n.client == nil {
		return errors.New("store: redis notifier not configured")
	}
	if target == nil {
		return errors.New("store: nil refresher")
	}

	sub := n.client.Subscribe(ctx, n.channel)
	defer func() {
		if errClose := sub.Close(); errClose != nil {
			log.WithError(errClose).Debug("store: close redis subscription")
		}
	}()
	if _, errReceive := sub.Receive(ctx); errReceive != nil {
		return errReceive
	}
	log.WithField("channel", n.channel).Info("store: listening for config changes")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			instance, version := parseChangeMessage(msg.Payload)
			if instance == n.instance {
				continue
			}
			if errRefresh := target.Refresh(ctx); errRefresh != nil {
				log.WithError(errRefresh).Error("store: refresh after remote change failed")
				continue
			}
			log.WithFields(log.Fields{
				"origin":         instance,
				"remote_version": version,
			}).Debug("store: refreshed after remote change")
		}
	}
}

func parseChangeMessage(payload string) (string, uint64) {
	idx := strings.LastIndexByte(payload, ':')
	if idx < 0 {
		return payload, 0
	}
	version, errParse := strconv.ParseUint(payload[idx+1:], 10, 64)
	if errParse != nil {
		return payload, 0
	}
	return payload[:idx], version
}
