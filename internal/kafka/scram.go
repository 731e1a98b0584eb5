package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"github.com/IBM/sarama"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	kafkascram "github.com/segmentio/kafka-go/sasl/scram"
	"github.com/xdg-go/scram"

	"github.com/chanpass/fulfillment/internal/config"
)

// SHA256 返回 SHA256 哈希函数
var SHA256 scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }

// SHA512 返回 SHA512 哈希函数
var SHA512 scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }

// xdgScramClient 实现 sarama.SCRAMClient
type xdgScramClient struct {
	*scram.Client
	*scram.ClientConversation
	HashGeneratorFcn scram.HashGeneratorFcn
}

func (x *xdgScramClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.Client = client
	x.ClientConversation = client.NewConversation()
	return nil
}

func (x *xdgScramClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgScramClient) Done() bool {
	return x.ClientConversation.Done()
}

// applySaramaSASL 为 sarama 配置 SASL
func applySaramaSASL(cfg *sarama.Config, s config.SASLConfig) error {
	if !s.Enabled {
		return nil
	}
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.User = s.Username
	cfg.Net.SASL.Password = s.Password
	cfg.Net.SASL.Handshake = true

	switch strings.ToUpper(s.Mechanism) {
	case "", sarama.SASLTypePlaintext:
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case sarama.SASLTypeSCRAMSHA256:
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgScramClient{HashGeneratorFcn: SHA256}
		}
	case sarama.SASLTypeSCRAMSHA512:
		cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgScramClient{HashGeneratorFcn: SHA512}
		}
	default:
		return fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
	return nil
}

// saslMechanism 为 kafka-go 构造 SASL 机制，未启用时返回 nil
func saslMechanism(s config.SASLConfig) (sasl.Mechanism, error) {
	if !s.Enabled {
		return nil, nil
	}
	switch strings.ToUpper(s.Mechanism) {
	case "", sarama.SASLTypePlaintext:
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case sarama.SASLTypeSCRAMSHA256:
		return kafkascram.Mechanism(kafkascram.SHA256, s.Username, s.Password)
	case sarama.SASLTypeSCRAMSHA512:
		return kafkascram.Mechanism(kafkascram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
}

// newTransport kafka-go 传输层
func newTransport(cfg config.KafkaConfig) (*kafkago.Transport, error) {
	mechanism, err := saslMechanism(cfg.SASL)
	if err != nil {
		return nil, err
	}
	return &kafkago.Transport{
		ClientID: cfg.ClientID,
		SASL:     mechanism,
	}, nil
}
