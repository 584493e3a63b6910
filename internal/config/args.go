package config

import (
	"fmt"
	"strings"

	"topicsub/internal/errors"
)

const Usage = "Usage: %s <host:port> <client-username@message-vpn> [client-password] <topic>"

// PollUsage is the usage line for commands whose topics come from flags.
const PollUsage = "Usage: %s -poll <url=topic> [-poll <url=topic> ...] <host:port> <client-username@message-vpn> [client-password]"

// ConnectionConfig holds everything needed to open a broker session.
type ConnectionConfig struct {
	Host      string
	Username  string
	Namespace string
	Password  string
}

// ParseArgs reads the positional command line:
//
//	<host:port> <username@namespace> [password] <topic>
func ParseArgs(args []string) (ConnectionConfig, string, error) {
	if len(args) < 2 {
		return ConnectionConfig{}, "", errors.Argument("missing host or client identity")
	}

	username, namespace, err := SplitIdentity(args[1])
	if err != nil {
		return ConnectionConfig{}, "", err
	}

	cfg := ConnectionConfig{
		Host:      strings.TrimSpace(args[0]),
		Username:  username,
		Namespace: namespace,
	}

	var topic string
	switch len(args) {
	case 2:
		return ConnectionConfig{}, "", errors.Argument("no topic entered")
	case 3:
		topic = args[2]
	case 4:
		cfg.Password = args[2]
		topic = args[3]
	default:
		return ConnectionConfig{}, "", errors.Argument(fmt.Sprintf("too many arguments: %d", len(args)))
	}

	if err := cfg.Validate(); err != nil {
		return ConnectionConfig{}, "", err
	}
	if topic == "" {
		return ConnectionConfig{}, "", errors.Argument("no topic entered")
	}

	return cfg, topic, nil
}

// ParseConnArgs reads a positional command line without a topic:
//
//	<host:port> <username@namespace> [password]
func ParseConnArgs(args []string) (ConnectionConfig, error) {
	if len(args) < 2 {
		return ConnectionConfig{}, errors.Argument("missing host or client identity")
	}
	if len(args) > 3 {
		return ConnectionConfig{}, errors.Argument(fmt.Sprintf("too many arguments: %d", len(args)))
	}

	username, namespace, err := SplitIdentity(args[1])
	if err != nil {
		return ConnectionConfig{}, err
	}

	cfg := ConnectionConfig{
		Host:      strings.TrimSpace(args[0]),
		Username:  username,
		Namespace: namespace,
	}
	if len(args) == 3 {
		cfg.Password = args[2]
	}

	if err := cfg.Validate(); err != nil {
		return ConnectionConfig{}, err
	}
	return cfg, nil
}

// SplitIdentity splits "username@namespace". Exactly one '@' is allowed
// and neither side may be empty.
func SplitIdentity(identity string) (string, string, error) {
	parts := strings.Split(identity, "@")
	if len(parts) != 2 {
		return "", "", errors.Argument(fmt.Sprintf("malformed client identity %q, want username@message-vpn", identity))
	}
	if parts[0] == "" {
		return "", "", errors.Argument("no client-username entered")
	}
	if parts[1] == "" {
		return "", "", errors.Argument("no message-vpn entered")
	}
	return parts[0], parts[1], nil
}

func (c ConnectionConfig) Validate() error {
	if c.Host == "" {
		return errors.Argument("no host entered")
	}
	if c.Username == "" {
		return errors.Argument("no client-username entered")
	}
	if c.Namespace == "" {
		return errors.Argument("no message-vpn entered")
	}
	return nil
}

// BrokerURL returns Host with a scheme, defaulting to tcp://.
func (c ConnectionConfig) BrokerURL() string {
	if strings.Contains(c.Host, "://") {
		return c.Host
	}
	return "tcp://" + c.Host
}

// WireUsername renders the username sent to the broker.
func (c ConnectionConfig) WireUsername(format string) string {
	switch format {
	case UsernameVHost:
		return c.Namespace + ":" + c.Username
	case UsernamePlain:
		return c.Username
	default:
		return c.Username + "@" + c.Namespace
	}
}
