package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// invocationNamespace seeds the name-based invocation id derived from the machine id
var invocationNamespace = uuid.MustParse("6f1c2d9e-4b1a-5e7c-9a3d-0c8e2f4b7a15")

// LocalConfiguration describes the node being joined to (or removed from) the replica set
type LocalConfiguration struct {
	NetbiosName      string `toml:"netbios_name"`
	DNSName          string `toml:"dns_name"`
	SiteName         string `toml:"site_name"`         // Overrides the site reported by discovery
	InvocationID     string `toml:"invocation_id"`     // Empty = derived from machine id
	AccountContainer string `toml:"account_container"` // Where a missing computer account is created

}

// PeerConfiguration identifies the peer directory server
type PeerConfiguration struct {
	Address         string `toml:"address"`
	OverrideAddress string `toml:"override_address"` // Forces every connection to this target instead of the discovered one
	Domain          string `toml:"domain"`
	Secret          string `toml:"secret"`
	RPCPort         int    `toml:"rpc_port"`
}

// DirectoryConfiguration controls the LDAP-style management connection
type DirectoryConfiguration struct {
	URL           string `toml:"url"`
	BindDN        string `toml:"bind_dn"`
	Password      string `toml:"password"`
	StartTLS      bool   `toml:"start_tls"`
	InsecureTLS   bool   `toml:"insecure_tls"`
	TimeoutMS     int    `toml:"timeout_ms"`
	CacheSize     int    `toml:"cache_size"`
	CreateAccount bool   `toml:"create_account"` // Create the computer account when it does not exist
}

// ReplicationConfiguration controls the change-pull cursor
type ReplicationConfiguration struct {
	MaxObjects         uint32   `toml:"max_objects"`
	MaxBytes           uint32   `toml:"max_bytes"`
	Compression        string   `toml:"compression"` // "none", "deflate" or "zstd"
	OfferedExtensions  []string `toml:"offered_extensions"`
	RequiredExtensions []string `toml:"required_extensions"`
	PagesPerSecond     float64  `toml:"pages_per_second"` // 0 = unthrottled
	ResumeFromCursor   bool     `toml:"resume_from_cursor"`
}

// GRPCClientConfiguration controls the remote procedure transport
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`    // Keepalive ping interval
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"` // Keepalive ping timeout
	CallTimeoutMS           int `toml:"call_timeout_ms"`           // Per remote call timeout
	CompressionLevel        int `toml:"compression_level"`         // 0 = off, 1-4 zstd levels
	MaxMessageMB            int `toml:"max_message_mb"`
}

// StoreConfiguration controls the local replica store
type StoreConfiguration struct {
	Dir            string `toml:"dir"` // Defaults to {data_dir}/replica
	CacheSizeMB    int64  `toml:"cache_size_mb"`
	MemTableSizeMB int64  `toml:"memtable_size_mb"`
	SessionKeyHex  string `toml:"session_key_hex"` // Enables secret attribute unprotect in the store sink
}

// SinkConfiguration configures one change mirror sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json" or "msgpack"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	Partitions      []string `toml:"partitions"` // Glob patterns on partition name
	DNPatterns      []string `toml:"dn_patterns"`
	BatchSize       int      `toml:"batch_size"`
	IncludeSecrets  bool     `toml:"include_secrets"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls change mirroring
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the status HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"`
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Local       LocalConfiguration       `toml:"local"`
	Peer        PeerConfiguration        `toml:"peer"`
	Directory   DirectoryConfiguration   `toml:"directory"`
	Replication ReplicationConfiguration `toml:"replication"`
	GRPCClient  GRPCClientConfiguration  `toml:"grpc_client"`
	Store       StoreConfiguration       `toml:"store"`
	Publisher   PublisherConfiguration   `toml:"publisher"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "dcjoin.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	PeerFlag       = flag.String("peer", "", "Peer directory server address (overrides config)")
	NetbiosFlag    = flag.String("netbios-name", "", "Local NetBIOS name (overrides config)")
)

// Default configuration
var Config = &Configuration{
	DataDir: "./dcjoin-data",

	Peer: PeerConfiguration{
		RPCPort: 1350,
	},

	Directory: DirectoryConfiguration{
		TimeoutMS: 10000,
		CacheSize: 256,
	},

	Replication: ReplicationConfiguration{
		MaxObjects:  1133,
		MaxBytes:    10 << 20,
		Compression: "zstd",
		OfferedExtensions: []string{
			"base", "async_replication", "remove_api", "move_req_v2",
			"getchg_compress", "dcinfo_v1", "restore_usn_optimization",
			"addentry", "kcc_execute", "addentry_v2", "linked_value_replication",
			"dcinfo_v2", "instance_type_not_req_on_mod", "crypto_bind",
			"get_repl_info", "strong_encryption", "dcinfo_vffffffff",
			"transitive_membership", "add_sid_history", "post_beta3",
			"getchgreq_v5", "get_memberships2", "getchgreq_v6", "nondomain_ncs",
			"getchgreq_v8", "getchgreply_v5", "getchgreply_v6", "getchgreply_v7",
			"xpress_compress", "zstd_compress",
			"getchgreq_v10",
		},
		RequiredExtensions: []string{"base", "getchgreq_v5"},
		ResumeFromCursor:   true,
	},

	GRPCClient: GRPCClientConfiguration{
		KeepaliveTimeSeconds:    10,
		KeepaliveTimeoutSeconds: 3,
		CallTimeoutMS:           120000,
		CompressionLevel:        1,
		MaxMessageMB:            100,
	},

	Store: StoreConfiguration{
		CacheSizeMB:    64,
		MemTableSizeMB: 32,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     false,
		BindAddress: "127.0.0.1",
		Port:        9389,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *PeerFlag != "" {
		Config.Peer.Address = *PeerFlag
	}
	if *NetbiosFlag != "" {
		Config.Local.NetbiosName = *NetbiosFlag
	}

	if Config.Local.InvocationID == "" {
		id, err := generateInvocationID()
		if err != nil {
			return fmt.Errorf("failed to generate invocation id: %w", err)
		}
		Config.Local.InvocationID = id.String()
		log.Info().Str("invocation_id", Config.Local.InvocationID).Msg("Derived invocation id from machine id")
	}

	if Config.Store.Dir == "" {
		Config.Store.Dir = Config.DataDir + "/replica"
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInvocationID derives a stable invocation id so a resumed pull
// presents the same writer identity to the peer.
func generateInvocationID() (uuid.UUID, error) {
	id, err := machineid.ProtectedID("dcjoin")
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.NewSHA1(invocationNamespace, []byte(id)), nil
}

// InvocationID returns the parsed local invocation id
func InvocationID() (uuid.UUID, error) {
	return uuid.Parse(Config.Local.InvocationID)
}

// PeerTarget returns the host every connection should reach.
// The override address wins over both the configured and discovered peer.
func PeerTarget(discovered string) string {
	if Config.Peer.OverrideAddress != "" {
		return Config.Peer.OverrideAddress
	}
	if discovered != "" {
		return discovered
	}
	return Config.Peer.Address
}

// IsPeerAuthEnabled reports whether transport calls carry the shared peer secret
func IsPeerAuthEnabled() bool {
	return Config.Peer.Secret != ""
}

// GetPeerSecret returns the shared peer secret
func GetPeerSecret() string {
	return Config.Peer.Secret
}

// IsAdminAuthEnabled reports whether admin endpoints require a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Peer.Address == "" && Config.Peer.Domain == "" && Config.Peer.OverrideAddress == "" {
		return fmt.Errorf("peer address or domain is required")
	}

	if Config.Local.NetbiosName == "" {
		return fmt.Errorf("local netbios name is required")
	}
	if len(Config.Local.NetbiosName) > 15 {
		return fmt.Errorf("netbios name %q longer than 15 characters", Config.Local.NetbiosName)
	}

	if Config.Local.InvocationID != "" {
		if _, err := uuid.Parse(Config.Local.InvocationID); err != nil {
			return fmt.Errorf("invalid invocation id %q: %w", Config.Local.InvocationID, err)
		}
	}

	if Config.Peer.RPCPort < 1 || Config.Peer.RPCPort > 65535 {
		return fmt.Errorf("invalid peer rpc port: %d", Config.Peer.RPCPort)
	}

	if Config.Replication.MaxObjects < 1 {
		return fmt.Errorf("replication max objects must be >= 1")
	}

	if Config.Replication.MaxBytes < 1 {
		return fmt.Errorf("replication max bytes must be >= 1")
	}

	switch strings.ToLower(Config.Replication.Compression) {
	case "", "none", "deflate", "zstd":
	default:
		return fmt.Errorf("invalid replication compression: %s", Config.Replication.Compression)
	}

	if Config.Replication.PagesPerSecond < 0 {
		return fmt.Errorf("replication pages per second must be >= 0")
	}

	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}

	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}

	if Config.GRPCClient.CallTimeoutMS < 1 {
		return fmt.Errorf("gRPC call timeout must be >= 1ms")
	}

	if Config.GRPCClient.CompressionLevel < 0 || Config.GRPCClient.CompressionLevel > 4 {
		return fmt.Errorf("gRPC compression level must be between 0 and 4")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Publisher.Enabled {
		for i, sink := range Config.Publisher.Sinks {
			if sink.Name == "" {
				return fmt.Errorf("publisher sink %d: name is required", i)
			}
			switch sink.Type {
			case "kafka":
				if len(sink.Brokers) == 0 {
					return fmt.Errorf("publisher sink %s: kafka requires brokers", sink.Name)
				}
			case "nats":
				if sink.NatsURL == "" {
					return fmt.Errorf("publisher sink %s: nats requires nats_url", sink.Name)
				}
			default:
				return fmt.Errorf("publisher sink %s: unknown type %q", sink.Name, sink.Type)
			}
			switch sink.Format {
			case "":
				Config.Publisher.Sinks[i].Format = "json"
			case "json", "msgpack":
			default:
				return fmt.Errorf("publisher sink %s: unknown format %q", sink.Name, sink.Format)
			}
		}
	}

	return nil
}
