package rabbitmq

import (
	"fmt"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection string keys
const (
	KeyHostName               = "HostName"
	KeyPort                   = "Port"
	KeyUserName               = "UserName"
	KeyPassword               = "Password"
	KeyVirtualHost            = "VirtualHost"
	KeyVHost                  = "VHost"
	KeyURI                    = "Uri"
	KeyDispatchConsumersAsync = "DispatchConsumersAsync"
)

// Node describes one broker node of a cluster. It is immutable once parsed.
type Node struct {
	// Scheme is amqp or amqps; empty means amqp
	Scheme      string
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string
	// DispatchConsumersAsync makes receivers handle each delivery on its own goroutine
	DispatchConsumersAsync bool
}

// defaultNode mirrors the broker defaults of amqp091-go
func defaultNode() Node {
	return Node{
		Scheme:      "amqp",
		Host:        "localhost",
		Port:        5672,
		Username:    "guest",
		Password:    "guest",
		VirtualHost: "/",
	}
}

// URL renders the node as an amqp:// or amqps:// URL
func (n Node) URL() string {
	scheme := n.Scheme
	if scheme == "" {
		scheme = "amqp"
	}
	vhost := n.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     n.Host,
		Port:     n.Port,
		Username: n.Username,
		Password: n.Password,
		Vhost:    vhost,
	}.String()
}

// String renders the node without its password
func (n Node) String() string {
	return SanitizeURL(n.URL())
}

// ParseConnectionString parses a semicolon separated list of Key=Value pairs
// into a Node. Keys are matched case-insensitively; empty segments are ignored.
// A Uri key fills every field at once and later keys override it.
func ParseConnectionString(cs string) (Node, error) {
	node := defaultNode()

	for _, part := range strings.Split(cs, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Node{}, fmt.Errorf("%w: segment %q is not a Key=Value pair", ErrInvalidConnectionString, part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(key, KeyHostName):
			node.Host = value
		case strings.EqualFold(key, KeyPort):
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				return Node{}, fmt.Errorf("%w: invalid port %q", ErrInvalidConnectionString, value)
			}
			node.Port = port
		case strings.EqualFold(key, KeyUserName):
			node.Username = value
		case strings.EqualFold(key, KeyPassword):
			node.Password = value
		case strings.EqualFold(key, KeyVirtualHost), strings.EqualFold(key, KeyVHost):
			node.VirtualHost = value
		case strings.EqualFold(key, KeyDispatchConsumersAsync):
			async, err := strconv.ParseBool(value)
			if err != nil {
				return Node{}, fmt.Errorf("%w: invalid %s value %q", ErrInvalidConnectionString, KeyDispatchConsumersAsync, value)
			}
			node.DispatchConsumersAsync = async
		case strings.EqualFold(key, KeyURI):
			uri, err := amqp.ParseURI(value)
			if err != nil {
				return Node{}, fmt.Errorf("%w: %v", ErrInvalidConnectionString, err)
			}
			node.Scheme = uri.Scheme
			node.Host = uri.Host
			node.Port = uri.Port
			node.Username = uri.Username
			node.Password = uri.Password
			node.VirtualHost = uri.Vhost
		default:
			return Node{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConnectionString, key)
		}
	}

	if node.Host == "" {
		return Node{}, fmt.Errorf("%w: host name is empty", ErrInvalidConnectionString)
	}
	return node, nil
}
