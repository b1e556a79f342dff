package redis

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"k8s.io/klog/v2"
)

// Options configures connections to every node of the cluster.
type Options struct {
	Password      string
	DB            int
	TLS           bool
	TLSSkipVerify bool
	DialTimeout   time.Duration
	// FenceTimeout is how long CLIENT PAUSE WRITE holds writes on a demoted primary.
	FenceTimeout time.Duration
}

// Client wraps a redis client for a single node.
type Client struct {
	addr   string
	client *redis.Client
	fence  time.Duration
}

// NewClient creates a client for addr. Unlike a dashboard connection it does
// not ping on construction: an unreachable node is a normal observation.
func NewClient(addr string, opts Options) *Client {
	ro := &redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
		// Retries are a policy of the health aggregator, not the transport.
		MaxRetries:  -1,
		DialTimeout: opts.DialTimeout,
	}

	if opts.TLS {
		ro.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSSkipVerify, //nolint:gosec // operator opt-in
		}
	}

	fence := opts.FenceTimeout
	if fence <= 0 {
		fence = 30 * time.Second
	}

	return &Client{
		addr:   addr,
		client: redis.NewClient(ro),
		fence:  fence,
	}
}

// Ping checks if the node is responding.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Info retrieves role, replication offset and the dashboard counters.
func (c *Client) Info(ctx context.Context) (*cluster.NodeInfo, error) {
	raw, err := c.client.Info(ctx).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get info")
	}

	return parseInfo(raw)
}

// PromoteToPrimary detaches the node from its primary.
func (c *Client) PromoteToPrimary(ctx context.Context) error {
	klog.InfoS("Promoting node to primary", "addr", c.addr)

	if err := c.client.Do(ctx, "REPLICAOF", "NO", "ONE").Err(); err != nil {
		return errors.Wrapf(err, "failed to promote %s", c.addr)
	}
	return nil
}

// SetReplicaOf configures the node as a replica of host:port.
func (c *Client) SetReplicaOf(ctx context.Context, host string, port int) error {
	klog.InfoS("Configuring node as replica", "addr", c.addr, "primaryHost", host, "primaryPort", port)

	if err := c.client.Do(ctx, "REPLICAOF", host, strconv.Itoa(port)).Err(); err != nil {
		return errors.Wrapf(err, "failed to set %s as replica of %s:%d", c.addr, host, port)
	}
	return nil
}

// PauseWrites fences the node by rejecting writes for the fence timeout.
func (c *Client) PauseWrites(ctx context.Context) error {
	ms := strconv.FormatInt(c.fence.Milliseconds(), 10)
	if err := c.client.Do(ctx, "CLIENT", "PAUSE", ms, "WRITE").Err(); err != nil {
		return errors.Wrapf(err, "failed to pause writes on %s", c.addr)
	}
	return nil
}

// Set writes a key without expiry.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.client.Set(ctx, key, value, 0).Err()
}

// Get reads a key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Close closes the connection pool of this client.
func (c *Client) Close() error {
	return c.client.Close()
}

// parseInfo parses INFO output. Only role is mandatory.
func parseInfo(raw string) (*cluster.NodeInfo, error) {
	result := &cluster.NodeInfo{}
	var role string
	var primaryOffset, replicaOffset int64
	var haveReplicaOffset bool

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "role":
			role = value
		case "master_host":
			result.PrimaryHost = value
		case "master_port":
			if port, err := strconv.Atoi(value); err == nil {
				result.PrimaryPort = port
			}
		case "master_link_status":
			result.PrimaryLinkUp = value == "up"
		case "connected_slaves":
			if count, err := strconv.Atoi(value); err == nil {
				result.ConnectedReplicas = count
			}
		case "connected_clients":
			if count, err := strconv.Atoi(value); err == nil {
				result.ConnectedClients = count
			}
		case "master_repl_offset":
			if off, err := strconv.ParseInt(value, 10, 64); err == nil {
				primaryOffset = off
			}
		case "slave_repl_offset":
			if off, err := strconv.ParseInt(value, 10, 64); err == nil {
				replicaOffset = off
				haveReplicaOffset = true
			}
		case "used_memory":
			if mem, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.MemoryUsed = mem
			}
		case "used_memory_human":
			result.MemoryUsedHuman = value
		case "total_commands_processed":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				result.CommandsProcessed = n
			}
		}
	}

	if role == "" {
		return nil, errors.New("could not parse role from info")
	}

	result.Role = cluster.ParseRole(role)
	result.Offset = primaryOffset
	if result.Role == cluster.RoleReplica && haveReplicaOffset {
		result.Offset = replicaOffset
	}
	if result.Role == cluster.RolePrimary {
		result.PrimaryLinkUp = false
	}

	return result, nil
}
