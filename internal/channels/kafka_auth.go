package channels

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/KafClaw/TaskClaw/internal/config"
)

const kafkaDialTimeout = 10 * time.Second

// kafkaMechanism maps the configured SASL mechanism name. An empty name
// means no authentication.
func kafkaMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(cfg.SASLMechanism)) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism: %s", cfg.SASLMechanism)
	}
}

func kafkaTLS(cfg config.KafkaConfig) *tls.Config {
	if !cfg.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// kafkaDialer builds the reader dialer and the writer transport sharing one
// TLS and SASL setup.
func kafkaDialer(cfg config.KafkaConfig) (*kafka.Dialer, *kafka.Transport, error) {
	mech, err := kafkaMechanism(cfg)
	if err != nil {
		return nil, nil, err
	}
	tlsConf := kafkaTLS(cfg)
	dialer := &kafka.Dialer{
		Timeout:       kafkaDialTimeout,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}
	transport := &kafka.Transport{
		TLS:         tlsConf,
		SASL:        mech,
		DialTimeout: kafkaDialTimeout,
	}
	return dialer, transport, nil
}
