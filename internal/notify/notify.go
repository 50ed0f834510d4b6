// Package notify publishes warning-level changes to downstream consumers
// after a pipeline run commits.
package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

// Publisher delivers warning changes. Implementations must be safe to call
// with an empty slice.
type Publisher interface {
	Publish(ctx context.Context, changes []model.WarningChange) error
	Close() error
}

// Config selects and configures a Publisher.
type Config struct {
	Driver       string   `yaml:"driver" mapstructure:"driver"` // none, redis or kafka
	RedisAddr    string   `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisStream  string   `yaml:"redis_stream" mapstructure:"redis_stream"`
	KafkaBrokers []string `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

// New builds the Publisher named by cfg.Driver.
func New(cfg Config) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "redis":
		if cfg.RedisAddr == "" || cfg.RedisStream == "" {
			return nil, eris.New("notify: redis driver requires redis_addr and redis_stream")
		}
		return NewRedis(cfg.RedisAddr, cfg.RedisStream), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, eris.New("notify: kafka driver requires kafka_brokers and kafka_topic")
		}
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, eris.Errorf("notify: unknown driver %q", cfg.Driver)
	}
}

// Nop discards all changes.
type Nop struct{}

func (Nop) Publish(context.Context, []model.WarningChange) error { return nil }
func (Nop) Close() error                                         { return nil }

// changeKey identifies the entity a change refers to, e.g. "city:12".
func changeKey(c model.WarningChange) string {
	return c.Kind + ":" + strconv.FormatInt(c.ID, 10)
}

func encodeChange(c model.WarningChange) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, eris.Wrapf(err, "notify: encode change %s", changeKey(c))
	}
	return data, nil
}
